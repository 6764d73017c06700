package session

import "time"

// Config holds the timing knobs of every session component.
type Config struct {
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	PresenceTimeout      time.Duration
	ExcellentLatency     time.Duration
	GoodLatency          time.Duration

	BackupInterval  time.Duration
	BackupFreshness time.Duration
	BackupRetain    int
	BackupMaxAge    time.Duration
	BackupAudit     bool

	MinPlayers  int
	QuietPeriod time.Duration
	Countdown   time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    10 * time.Second,
		ReconnectBase:        time.Second,
		ReconnectCap:         30 * time.Second,
		MaxReconnectAttempts: 5,
		PresenceTimeout:      2 * time.Minute,
		ExcellentLatency:     50 * time.Millisecond,
		GoodLatency:          150 * time.Millisecond,

		BackupInterval:  30 * time.Second,
		BackupFreshness: 5 * time.Minute,
		BackupRetain:    10,
		BackupMaxAge:    24 * time.Hour,
		BackupAudit:     true,

		MinPlayers:  4,
		QuietPeriod: 2 * time.Second,
		Countdown:   10 * time.Second,
	}
}
