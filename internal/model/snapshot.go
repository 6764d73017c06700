package model

import "time"

// SnapshotVersion is bumped whenever the Snapshot layout changes. Stored
// snapshots with any other version are discarded, not migrated.
const SnapshotVersion = 1

// Snapshot is a disposable local copy of the whole game. It never overrides
// the remote store.
type Snapshot struct {
	Version   int       `json:"version"`
	RoomCode  string    `json:"roomCode"`
	UpdatedAt time.Time `json:"updatedAt"`
	Game      Game      `json:"game"`
}

func NewSnapshot(g *Game, at time.Time) Snapshot {
	return Snapshot{
		Version:   SnapshotVersion,
		RoomCode:  g.RoomCode,
		UpdatedAt: at,
		Game:      *g.Clone(),
	}
}

func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.UpdatedAt)
}
