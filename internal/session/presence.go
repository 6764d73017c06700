package session

import (
	"sync"
	"time"
)

// PresenceInfo is what the presence map knows about one player.
type PresenceInfo struct {
	LastSeen  time.Time `json:"lastSeen"`
	Connected bool      `json:"connected"`
}

// Presence tracks the last time each player was heard from. A player not
// heard from within the timeout counts as disconnected.
type Presence struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	timeout  time.Duration
	now      func() time.Time
}

func NewPresence(timeout time.Duration) *Presence {
	return &Presence{
		lastSeen: make(map[string]time.Time),
		timeout:  timeout,
		now:      time.Now,
	}
}

func (p *Presence) Touch(playerID string) {
	if playerID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen[playerID] = p.now()
}

func (p *Presence) Forget(playerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastSeen, playerID)
}

func (p *Presence) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.lastSeen)
}

func (p *Presence) IsDisconnected(playerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.connectedLocked(playerID, p.now())
}

func (p *Presence) connectedLocked(playerID string, now time.Time) bool {
	seen, ok := p.lastSeen[playerID]
	return ok && now.Sub(seen) <= p.timeout
}

// CountConnected returns how many of ids were heard from recently.
func (p *Presence) CountConnected(ids []string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, id := range ids {
		if p.connectedLocked(id, now) {
			n++
		}
	}
	return n
}

func (p *Presence) Snapshot() map[string]PresenceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make(map[string]PresenceInfo, len(p.lastSeen))
	for id, seen := range p.lastSeen {
		out[id] = PresenceInfo{LastSeen: seen, Connected: now.Sub(seen) <= p.timeout}
	}
	return out
}
