package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"werewolf-session/internal/model"
	"werewolf-session/internal/remote"

	"go.uber.org/zap"
)

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

// ConnectionStats is the health report shown to the UI.
type ConnectionStats struct {
	State         ConnState               `json:"state"`
	Quality       Quality                 `json:"quality"`
	Latency       time.Duration           `json:"latency"`
	Attempt       int                     `json:"reconnectAttempt"`
	MaxAttempts   int                     `json:"maxReconnectAttempts"`
	Terminal      bool                    `json:"terminal"`
	LastHeartbeat time.Time               `json:"lastHeartbeat,omitempty"`
	Players       map[string]PresenceInfo `json:"players,omitempty"`
}

// Backoff is base*2^attempt, capped at limit.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 || base > limit>>attempt {
		return limit
	}
	return base << attempt
}

func Classify(latency, excellent, good time.Duration) Quality {
	switch {
	case latency < excellent:
		return QualityExcellent
	case latency < good:
		return QualityGood
	}
	return QualityPoor
}

// feed is what the connection manager keeps alive.
type feed interface {
	Start(ctx context.Context, roomCode string) error
	Stop()
}

// ConnectionManager owns the change-feed lifecycle: it connects, runs the
// heartbeat while connected, and reconnects with exponential backoff until
// the attempt budget runs out.
type ConnectionManager struct {
	cfg      Config
	feed     feed
	remote   remote.Store
	store    *Store
	presence *Presence
	bus      *Bus
	now      func() time.Time

	mu          sync.Mutex
	state       ConnState
	roomCode    string
	attempt     int
	terminal    bool
	latency     time.Duration
	lastBeat    time.Time
	gen         uint64
	timer       *time.Timer
	hb          *loop
	onConnected func(reconnected bool)

	// Set while the feed is starting. A feed error in that window is held
	// in pending and fails the attempt.
	starting bool
	pending  error
}

func NewConnectionManager(cfg Config, f feed, rs remote.Store, store *Store, presence *Presence, bus *Bus) *ConnectionManager {
	return &ConnectionManager{
		cfg:      cfg,
		feed:     f,
		remote:   rs,
		store:    store,
		presence: presence,
		bus:      bus,
		now:      time.Now,
		state:    StateDisconnected,
	}
}

// OnConnected registers a hook run after every successful (re)connect.
func (m *ConnectionManager) OnConnected(fn func(reconnected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect makes the first attempt for roomCode. A failure already schedules
// the first reconnect; the error is returned for logging only.
func (m *ConnectionManager) Connect(ctx context.Context, roomCode string) error {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	m.roomCode = model.NormalizeRoomCode(roomCode)
	m.attempt = 0
	m.terminal = false
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	m.publishStats()
	return m.tryConnect(ctx, gen, false)
}

func (m *ConnectionManager) tryConnect(ctx context.Context, gen uint64, reconnect bool) error {
	m.mu.Lock()
	room := m.roomCode
	if room != "" {
		m.starting = true
		m.pending = nil
	}
	m.mu.Unlock()
	if room == "" {
		return ErrNoRoom
	}

	if err := m.feed.Start(ctx, room); err != nil {
		m.mu.Lock()
		m.starting, m.pending = false, nil
		m.mu.Unlock()

		zap.L().Warn("failed to connect change feed", zap.String("room_code", room), zap.Error(err))
		m.onFailure(gen, err)
		return err
	}

	m.mu.Lock()
	pending := m.pending
	m.starting, m.pending = false, nil
	if gen == m.gen && pending != nil {
		m.state = StateReconnecting
		m.mu.Unlock()

		zap.L().Warn("change feed failed while connecting", zap.String("room_code", room), zap.Error(pending))
		m.feed.Stop()
		m.onFailure(gen, pending)
		return pending
	}
	if gen != m.gen {
		// Superseded by Disconnect or ForceReconnect while starting.
		left := m.roomCode == ""
		m.mu.Unlock()
		if left {
			m.feed.Stop()
		}
		return nil
	}
	m.state = StateConnected
	m.attempt = 0
	m.terminal = false
	hook := m.onConnected
	m.startHeartbeatLocked()
	m.mu.Unlock()

	zap.L().Info("change feed connected", zap.String("room_code", room), zap.Bool("reconnect", reconnect))
	m.publishStats()

	if hook != nil {
		hook(reconnect)
	}
	return nil
}

func (m *ConnectionManager) onFailure(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.roomCode == "" {
		m.mu.Unlock()
		return
	}

	if m.attempt >= m.cfg.MaxReconnectAttempts {
		m.state = StateDisconnected
		m.terminal = true
		room := m.roomCode
		m.mu.Unlock()

		err := fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)
		zap.L().Error("giving up on change feed", zap.String("room_code", room), zap.Error(err))
		m.store.SetErr(err)
		m.publishStats()
		return
	}

	delay := Backoff(m.cfg.ReconnectBase, m.cfg.ReconnectCap, m.attempt)
	m.attempt++
	m.state = StateReconnecting
	attempt := m.attempt
	m.stopTimerLocked()
	m.timer = time.AfterFunc(delay, func() {
		if !m.current(gen) {
			return
		}
		m.feed.Stop()
		_ = m.tryConnect(context.Background(), gen, true)
	})
	m.mu.Unlock()

	zap.L().Info(
		"scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.NamedError("cause", cause),
	)
	m.publishStats()
}

// HandleFeedError is the entry point for a dropped subscription or failed
// probe. While the feed is still starting the error is held until the start
// returns, which then counts as a failed attempt.
func (m *ConnectionManager) HandleFeedError(err error) {
	m.mu.Lock()
	if m.starting && m.roomCode != "" {
		if m.pending == nil {
			m.pending = err
		}
		m.mu.Unlock()
		return
	}
	if m.state != StateConnected || m.roomCode == "" {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	gen := m.gen
	hb := m.takeHeartbeatLocked()
	m.mu.Unlock()

	hb.stop()
	m.feed.Stop()
	m.onFailure(gen, err)
}

// ForceReconnect leaves and rejoins immediately, bypassing backoff and
// resetting the attempt budget.
func (m *ConnectionManager) ForceReconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.roomCode == "" {
		m.mu.Unlock()
		return ErrNoRoom
	}
	m.gen++
	m.stopTimerLocked()
	m.attempt = 0
	m.terminal = false
	m.state = StateConnecting
	gen := m.gen
	hb := m.takeHeartbeatLocked()
	m.mu.Unlock()

	hb.stop()
	m.feed.Stop()
	if errors.Is(m.store.Err(), ErrReconnectExhausted) {
		m.store.SetErr(nil)
	}

	zap.L().Info("forcing reconnect")
	m.publishStats()
	return m.tryConnect(ctx, gen, true)
}

// VisibilityRegained makes one immediate attempt when the UI becomes visible
// again while not connected, as long as the attempt budget allows it. A
// failed attempt spends one unit of the budget.
func (m *ConnectionManager) VisibilityRegained(ctx context.Context) error {
	m.mu.Lock()
	if m.roomCode == "" || m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.terminal || m.attempt >= m.cfg.MaxReconnectAttempts {
		m.mu.Unlock()
		return ErrReconnectExhausted
	}
	// A failed attempt is counted by onFailure.
	m.gen++
	m.stopTimerLocked()
	m.state = StateReconnecting
	gen := m.gen
	m.mu.Unlock()

	m.feed.Stop()
	return m.tryConnect(ctx, gen, true)
}

// Disconnect tears everything down; the manager can be reused with Connect.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	m.state = StateDisconnected
	m.roomCode = ""
	m.attempt = 0
	m.terminal = false
	hb := m.takeHeartbeatLocked()
	m.mu.Unlock()

	hb.stop()
	m.feed.Stop()
	m.publishStats()
}

func (m *ConnectionManager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.roomCode != ""
}

func (m *ConnectionManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *ConnectionManager) startHeartbeatLocked() {
	if m.hb != nil || m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.hb = startLoop(m.heartbeatLoop)
}

func (m *ConnectionManager) takeHeartbeatLocked() *loop {
	hb := m.hb
	m.hb = nil
	return hb
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.probe(ctx, model.ActionHeartbeat); err != nil {
				if ctx.Err() != nil {
					return
				}
				zap.L().Warn("heartbeat failed", zap.Error(err))
				// HandleFeedError waits for this loop, so it must not run on it.
				go m.HandleFeedError(err)
				return
			}
		}
	}
}

// Probe writes one ping action and reports the round trip.
func (m *ConnectionManager) Probe(ctx context.Context) (time.Duration, error) {
	return m.probe(ctx, model.ActionPing)
}

func (m *ConnectionManager) probe(ctx context.Context, typ model.ActionType) (time.Duration, error) {
	gameID := m.store.GameID()
	if gameID == "" {
		return 0, ErrNoGame
	}
	playerID := model.SystemPlayerID
	if p := m.store.CurrentPlayer(); p != nil {
		playerID = p.ID
	}

	start := m.now()
	_, err := m.remote.InsertAction(ctx, remote.ActionRow{
		ID:         model.GenID(),
		GameID:     gameID,
		ActionType: string(typ),
		PlayerID:   playerID,
	})
	if err != nil {
		return 0, fmt.Errorf("%s probe: %w", typ, err)
	}
	latency := m.now().Sub(start)

	m.presence.Touch(playerID)

	m.mu.Lock()
	m.latency = latency
	m.lastBeat = m.now()
	m.mu.Unlock()

	zap.L().Debug("probe round trip", zap.String("action_type", string(typ)), zap.Duration("latency", latency))
	m.publishStats()

	return latency, nil
}

func (m *ConnectionManager) Stats() ConnectionStats {
	m.mu.Lock()
	stats := ConnectionStats{
		State:         m.state,
		Quality:       QualityDisconnected,
		Latency:       m.latency,
		Attempt:       m.attempt,
		MaxAttempts:   m.cfg.MaxReconnectAttempts,
		Terminal:      m.terminal,
		LastHeartbeat: m.lastBeat,
	}
	if m.state == StateConnected {
		stats.Quality = Classify(m.latency, m.cfg.ExcellentLatency, m.cfg.GoodLatency)
	}
	m.mu.Unlock()

	stats.Players = m.presence.Snapshot()
	return stats
}

func (m *ConnectionManager) publishStats() {
	stats := m.Stats()
	m.bus.Publish(Event{Kind: EventConnection, Stats: &stats})
}
