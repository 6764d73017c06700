package session

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"werewolf-session/internal/model"

	"go.uber.org/zap"
)

// GamePatch is the subset of game fields the change feed may merge. Nil
// fields are left untouched.
type GamePatch struct {
	Phase        *model.Phase
	CurrentNight *int
	Settings     *model.GameSettings
	UpdatedAt    *time.Time
}

// Store holds the current game and the local player. Every mutator works on
// a clone and swaps it in under the write lock, so readers never observe a
// half-applied update. Mutations that change nothing are not stamped and not
// published.
type Store struct {
	mu       sync.RWMutex
	game     *model.Game
	playerID string
	player   *model.Player
	err      error

	bus *Bus
	now func() time.Time
}

func NewStore(bus *Bus) *Store {
	return &Store{bus: bus, now: time.Now}
}

// SetCurrentGame replaces the whole game. Used on initial load and resync.
func (s *Store) SetCurrentGame(g *model.Game) {
	s.mu.Lock()
	if g == nil {
		s.game = nil
		s.mu.Unlock()
		return
	}
	next := g.Clone()
	next.RoomCode = model.NormalizeRoomCode(next.RoomCode)
	next.UpdatedAt = s.now()
	s.game = next
	published := next.Clone()
	s.mu.Unlock()

	s.bus.Publish(Event{Kind: EventGameChanged, Op: "setCurrentGame", Game: published})
}

func (s *Store) SetCurrentPlayer(p *model.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p == nil {
		s.player, s.playerID = nil, ""
		return
	}
	cp := *p
	s.player, s.playerID = &cp, p.ID
}

// CurrentGame returns a deep copy, or nil before a game is loaded.
func (s *Store) CurrentGame() *model.Game {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.game.Clone()
}

// CurrentPlayer prefers the live copy inside the game's roster.
func (s *Store) CurrentPlayer() *model.Player {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.game != nil && s.playerID != "" {
		if i, ok := s.game.FindPlayer(s.playerID); ok {
			p := s.game.Players[i]
			return &p
		}
	}
	if s.player == nil {
		return nil
	}
	p := *s.player
	return &p
}

func (s *Store) RoomCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.game == nil {
		return ""
	}
	return s.game.RoomCode
}

func (s *Store) GameID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.game == nil {
		return ""
	}
	return s.game.ID
}

func (s *Store) IsGameMaster() bool {
	p := s.CurrentPlayer()
	return p != nil && p.IsGameMaster
}

func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// SetErr records the surfaced error; nil clears it.
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	if err != nil {
		s.bus.Publish(Event{Kind: EventError, Err: err})
	}
}

// Reset drops all state; used when leaving a room.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.game, s.player, s.playerID, s.err = nil, nil, "", nil
}

// SyncGameState merges patch into the current game without touching the
// roster or any field the patch does not carry.
func (s *Store) SyncGameState(patch GamePatch) (bool, error) {
	return s.mutate("syncGameState", func(g *model.Game) error {
		if patch.Settings != nil {
			g.Settings = patch.Settings.Clone()
		}
		if patch.CurrentNight != nil {
			g.CurrentNight = *patch.CurrentNight
		}
		if patch.Phase != nil {
			if !patch.Phase.Valid() {
				return fmt.Errorf("%w: %q", ErrInvalidPhase, *patch.Phase)
			}
			enterPhase(g, *patch.Phase, patch.CurrentNight != nil)
		}
		return nil
	}, patch.UpdatedAt)
}

// SyncPlayerState upserts a player by id, keeping its position in the roster.
func (s *Store) SyncPlayerState(p model.Player) (bool, error) {
	return s.mutate("syncPlayerState", func(g *model.Game) error {
		if i, ok := g.FindPlayer(p.ID); ok {
			g.Players[i] = p
			return nil
		}
		g.Players = append(g.Players, p)
		return nil
	}, nil)
}

func (s *Store) RemovePlayer(playerID string) (bool, error) {
	return s.mutate("removePlayer", func(g *model.Game) error {
		i, ok := g.FindPlayer(playerID)
		if !ok {
			return nil
		}
		g.Players = append(g.Players[:i], g.Players[i+1:]...)
		return nil
	}, nil)
}

// UpdatePlayerStatus sets one player's status and applies extra on top. An
// empty status keeps the current one.
func (s *Store) UpdatePlayerStatus(playerID string, status model.Status, extra *model.PlayerPatch) (bool, error) {
	return s.mutate("updatePlayerStatus", func(g *model.Game) error {
		i, ok := g.FindPlayer(playerID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
		}
		if status != "" {
			g.Players[i].Status = status
		}
		if extra != nil {
			extra.Apply(&g.Players[i])
		}
		return nil
	}, nil)
}

// UpdateGamePhase moves the game to phase and applies the optional settings
// patch. Entering night bumps currentNight unless extra pins it; entering
// voting clears every vote.
func (s *Store) UpdateGamePhase(phase model.Phase, extra *GamePatch) (bool, error) {
	if !phase.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidPhase, phase)
	}
	return s.mutate("updateGamePhase", func(g *model.Game) error {
		pinned := false
		if extra != nil {
			if extra.Settings != nil {
				g.Settings = extra.Settings.Clone()
			}
			if extra.CurrentNight != nil {
				g.CurrentNight = *extra.CurrentNight
				pinned = true
			}
		}
		enterPhase(g, phase, pinned)
		return nil
	}, nil)
}

// enterPhase runs the on-enter effects of a phase, but only on an actual
// change so duplicate deliveries stay no-ops.
func enterPhase(g *model.Game, phase model.Phase, nightPinned bool) {
	if g.Phase == phase {
		return
	}
	g.Phase = phase

	switch phase {
	case model.PhaseNight:
		if !nightPinned {
			g.CurrentNight++
		}
	case model.PhaseVoting:
		for i := range g.Players {
			g.Players[i].VoteTarget = ""
		}
	}
}

func (s *Store) GetGameStateSnapshot() (model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.game == nil {
		return model.Snapshot{}, ErrNoGame
	}
	return model.NewSnapshot(s.game, s.now()), nil
}

// RestoreGameState replaces the game with the snapshot's copy. A snapshot of
// another room, or of an unknown layout version, is refused.
func (s *Store) RestoreGameState(snap model.Snapshot) error {
	if snap.Version != model.SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, snap.Version)
	}

	s.mu.Lock()
	if s.game != nil && s.game.RoomCode != model.NormalizeRoomCode(snap.Game.RoomCode) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSnapshotRoom, snap.Game.RoomCode)
	}
	next := snap.Game.Clone()
	next.UpdatedAt = s.now()
	s.game = next
	published := next.Clone()
	s.mu.Unlock()

	zap.L().Info(
		"game state restored from snapshot",
		zap.String("room_code", published.RoomCode),
		zap.Time("snapshot_at", snap.UpdatedAt),
	)
	s.bus.Publish(Event{Kind: EventGameChanged, Op: "restoreGameState", Game: published})

	return nil
}

func (s *Store) mutate(op string, fn func(g *model.Game) error, remoteStamp *time.Time) (bool, error) {
	s.mu.Lock()

	if s.game == nil {
		s.mu.Unlock()
		return false, ErrNoGame
	}

	next := s.game.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return false, err
	}

	next.UpdatedAt = s.game.UpdatedAt
	if reflect.DeepEqual(next, s.game) {
		s.mu.Unlock()
		return false, nil
	}

	if s.game.GameMaster() != nil && next.GameMaster() == nil {
		s.mu.Unlock()
		return false, ErrGameMasterLost
	}

	next.UpdatedAt = s.now()
	if remoteStamp != nil && remoteStamp.After(next.UpdatedAt) {
		next.UpdatedAt = *remoteStamp
	}
	s.game = next
	published := next.Clone()
	s.mu.Unlock()

	s.bus.Publish(Event{Kind: EventGameChanged, Op: op, Game: published})

	return true, nil
}
