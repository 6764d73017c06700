package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"werewolf-session/internal/model"
	"werewolf-session/internal/remote"
	"werewolf-session/internal/storage"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const maxRoomCodeAttempts = 8

type Deps struct {
	Remote remote.Store
	Local  storage.Storage
	Config Config
}

// Session is one joined room: a State Store plus the components that keep
// it in sync. Every component is built here and shares the same store.
type Session struct {
	Bus      *Bus
	Store    *Store
	Presence *Presence
	Sync     *SyncEngine
	Conn     *ConnectionManager
	Backup   *BackupManager
	Phase    *PhaseController
	Dispatch *Dispatcher

	remote remote.Store

	mu       sync.Mutex
	roomCode string
	playerID string
	active   bool
}

func New(deps Deps) *Session {
	bus := NewBus()
	store := NewStore(bus)
	presence := NewPresence(deps.Config.PresenceTimeout)
	syncEngine := NewSyncEngine(deps.Remote, store, presence)
	dispatch := NewDispatcher(deps.Remote, store)

	s := &Session{
		Bus:      bus,
		Store:    store,
		Presence: presence,
		Sync:     syncEngine,
		Conn:     NewConnectionManager(deps.Config, syncEngine, deps.Remote, store, presence, bus),
		Backup:   NewBackupManager(deps.Config, store, deps.Local, deps.Remote),
		Phase:    NewPhaseController(deps.Config, store, presence, dispatch, bus),
		Dispatch: dispatch,
		remote:   deps.Remote,
	}

	syncEngine.SetErrorHandler(s.onFeedError)
	s.Conn.OnConnected(s.onConnected)

	return s
}

type NewGame struct {
	PlayerCount int                `json:"playerCount"`
	RoleCounts  map[model.Role]int `json:"roleCounts"`
	MasterName  string             `json:"masterName"`
}

// CreateGame validates the settings, reserves a fresh room code and inserts
// the game together with its game master.
func CreateGame(ctx context.Context, rs remote.Store, req NewGame) (*model.Game, error) {
	if err := model.ValidatePlayerName(req.MasterName); err != nil {
		return nil, err
	}
	if err := model.ValidateNewGame(req.RoleCounts, req.PlayerCount); err != nil {
		return nil, err
	}

	settings, err := json.Marshal(model.NewGameSettings(req.RoleCounts))
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}

	masterID := model.GenID()
	row := remote.GameRow{
		ID:           model.GenID(),
		Phase:        string(model.PhaseWaiting),
		GameSettings: settings,
		GameMasterID: &masterID,
	}

	var created remote.GameRow
	for attempt := 0; ; attempt++ {
		row.RoomCode = model.GenerateRoomCode()
		created, err = rs.CreateGame(ctx, row)
		if err == nil {
			break
		}
		if !errors.Is(err, remote.ErrConflict) || attempt+1 >= maxRoomCodeAttempts {
			return nil, fmt.Errorf("create game: %w", err)
		}
		zap.L().Debug("room code taken, retrying", zap.String("room_code", row.RoomCode))
	}

	master, err := rs.InsertPlayer(ctx, remote.PlayerRow{
		ID:           masterID,
		GameID:       created.ID,
		Name:         strings.TrimSpace(req.MasterName),
		Status:       string(model.StatusAlive),
		IsGameMaster: true,
	})
	if err != nil {
		return nil, fmt.Errorf("insert game master: %w", err)
	}

	zap.L().Info(
		"game created",
		zap.String("room_code", created.RoomCode),
		zap.String("game_id", created.ID),
		zap.String("player_id", masterID),
	)

	return GameFromRows(created, []remote.PlayerRow{master})
}

func (s *Session) load(ctx context.Context, roomCode string) (*model.Game, error) {
	row, err := s.remote.GameByRoomCode(ctx, roomCode)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, roomCode)
		}
		return nil, fmt.Errorf("load game: %w", err)
	}
	players, err := s.remote.ListPlayers(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	return GameFromRows(row, players)
}

// Join loads the room and becomes playerID if it is in the roster, else the
// player with the same name, else a new player. New players are only
// admitted while the game is waiting.
func (s *Session) Join(ctx context.Context, roomCode, name, playerID string) (*model.Player, error) {
	if err := model.ValidateRoomCode(roomCode); err != nil {
		return nil, err
	}
	code := model.NormalizeRoomCode(roomCode)

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	s.active = true
	s.mu.Unlock()

	me, err := s.join(ctx, code, name, playerID)
	if err != nil {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.roomCode, s.playerID = code, me.ID
	s.mu.Unlock()

	if err := s.Conn.Connect(ctx, code); err != nil {
		zap.L().Warn("initial connect failed, will retry", zap.String("room_code", code), zap.Error(err))
	}
	s.Backup.Start()
	s.Phase.Start()

	zap.L().Info(
		"joined game",
		zap.String("room_code", code),
		zap.String("player_id", me.ID),
		zap.Bool("game_master", me.IsGameMaster),
	)

	return me, nil
}

func (s *Session) join(ctx context.Context, code, name, playerID string) (*model.Player, error) {
	g, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}

	var me *model.Player
	for i := range g.Players {
		p := &g.Players[i]
		if (playerID != "" && p.ID == playerID) ||
			(playerID == "" && name != "" && strings.EqualFold(p.Name, strings.TrimSpace(name))) {
			me = p
			break
		}
	}

	if me == nil {
		if err := model.ValidatePlayerName(name); err != nil {
			return nil, err
		}
		if g.Phase != model.PhaseWaiting {
			return nil, ErrGameInProgress
		}
		if limit := g.Settings.MaxPlayers; limit > 0 && len(g.Participants()) >= limit {
			return nil, ErrGameFull
		}

		row, err := s.remote.InsertPlayer(ctx, remote.PlayerRow{
			ID:     model.GenID(),
			GameID: g.ID,
			Name:   strings.TrimSpace(name),
			Status: string(model.StatusAlive),
		})
		if err != nil {
			return nil, fmt.Errorf("insert player: %w", err)
		}
		d := decodeRow(row, DecodePlayer)
		if !d.OK() {
			return nil, d.Err
		}
		g.Players = append(g.Players, d.Value)
		me = &g.Players[len(g.Players)-1]
	}

	player := *me
	s.Store.SetCurrentGame(g)
	s.Store.SetCurrentPlayer(&player)
	s.Presence.Touch(player.ID)

	return &player, nil
}

// Leave removes the local player from the room and tears the session down.
// The game master's row is kept so the game never loses its master.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrNoRoom
	}
	playerID := s.playerID
	s.mu.Unlock()

	var err error
	if !s.Store.IsGameMaster() {
		if derr := s.remote.DeletePlayer(ctx, playerID); derr != nil && !errors.Is(derr, remote.ErrNotFound) {
			err = multierr.Append(err, fmt.Errorf("delete player: %w", derr))
		}
	}
	s.teardown()

	return err
}

// Close tears the session down without leaving the room, after one last
// backup.
func (s *Session) Close() error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return nil
	}

	var err error
	if _, berr := s.Backup.BackupNow(context.Background()); berr != nil && !errors.Is(berr, ErrNoGame) {
		err = multierr.Append(err, fmt.Errorf("final backup: %w", berr))
	}
	s.teardown()

	return err
}

func (s *Session) teardown() {
	s.Phase.Stop()
	s.Backup.Stop()
	s.Conn.Disconnect()
	s.Store.Reset()
	s.Presence.Reset()

	s.mu.Lock()
	room := s.roomCode
	s.active, s.roomCode, s.playerID = false, "", ""
	s.mu.Unlock()

	zap.L().Info("session closed", zap.String("room_code", room))
}

func (s *Session) onConnected(reconnected bool) {
	if err := s.Resync(context.Background()); err != nil {
		zap.L().Warn("resync after connect failed", zap.Bool("reconnect", reconnected), zap.Error(err))
		return
	}
	if err := s.Store.Err(); errors.Is(err, ErrStaleState) || errors.Is(err, ErrReconnectExhausted) {
		s.Store.SetErr(nil)
	}
}

// Resync reloads the whole game from the remote store. Running it right
// after subscribing covers anything that changed while no feed was open.
func (s *Session) Resync(ctx context.Context) error {
	code := s.RoomCode()
	if code == "" {
		return ErrNoRoom
	}
	g, err := s.load(ctx, code)
	if err != nil {
		return err
	}
	s.Store.SetCurrentGame(g)
	return nil
}

// onFeedError falls back to the local backup, then hands the failure to the
// connection manager for reconnecting.
func (s *Session) onFeedError(err error) {
	ctx := context.Background()

	restored, rerr := s.Backup.RestoreFromBackup(ctx)
	switch {
	case restored:
		zap.L().Info("restored game state from backup after feed error", zap.String("room_code", s.RoomCode()))
	case rerr != nil:
		s.Store.SetErr(fmt.Errorf("%w: %v", ErrStaleState, rerr))
	}

	s.Conn.HandleFeedError(err)
}

func (s *Session) RoomCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCode
}

func (s *Session) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerID
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) Stats() ConnectionStats {
	return s.Conn.Stats()
}

func (s *Session) ForceReconnect(ctx context.Context) error {
	return s.Conn.ForceReconnect(ctx)
}

func (s *Session) VisibilityRegained(ctx context.Context) error {
	return s.Conn.VisibilityRegained(ctx)
}

func (s *Session) SendVote(ctx context.Context, targetID string) error {
	return s.Dispatch.SendVote(ctx, s.PlayerID(), targetID)
}

func (s *Session) SendNightAction(ctx context.Context, targetID string, action model.NightActionData) error {
	return s.Dispatch.SendNightAction(ctx, s.PlayerID(), targetID, action)
}

func (s *Session) EliminatePlayer(ctx context.Context, playerID string) error {
	if !s.Store.IsGameMaster() {
		return ErrNotGameMaster
	}
	return s.Dispatch.EliminatePlayer(ctx, playerID)
}

func (s *Session) RevealRole(ctx context.Context, playerID string, role model.Role) error {
	if !s.Store.IsGameMaster() {
		return ErrNotGameMaster
	}
	return s.Dispatch.RevealRole(ctx, playerID, role)
}

// ReplayActions re-applies the action log from since onwards.
func (s *Session) ReplayActions(ctx context.Context, since time.Time) (int, error) {
	return s.Sync.Replay(ctx, since)
}
