package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"werewolf-session/internal/model"
	"werewolf-session/internal/remote"
	"werewolf-session/internal/service/dto"
	"werewolf-session/internal/session"
	"werewolf-session/internal/storage"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("service: session not found")
	ErrInvalidRequest  = errors.New("service: invalid request")
)

// SessionService hosts every session of this daemon, keyed by the id of the
// player the session plays as. A game master and a test player of the same
// room can therefore live side by side.
type SessionService struct {
	cfg    session.Config
	remote remote.Store
	local  storage.Storage
	state  *sessionServiceState
}

type sessionServiceState struct {
	mu sync.RWMutex

	sessions map[string]*session.Session
	// when each session was first seen terminally disconnected
	terminalSince map[string]time.Time

	cleanUpDone chan struct{}
	cleanUpWg   *conc.WaitGroup
	closeOnce   sync.Once
}

func NewSessionService(cfg session.Config, rs remote.Store, local storage.Storage, cleanupInterval time.Duration) *SessionService {
	state := &sessionServiceState{
		sessions:      make(map[string]*session.Session),
		terminalSince: make(map[string]time.Time),
		cleanUpDone:   make(chan struct{}),
		cleanUpWg:     conc.NewWaitGroup(),
	}

	// Reap sessions that left or gave up reconnecting.
	state.cleanUpWg.Go(func() { startCleanupLoop(state, cleanupInterval) })

	return &SessionService{
		cfg:    cfg,
		remote: rs,
		local:  local,
		state:  state,
	}
}

func startCleanupLoop(state *sessionServiceState, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-state.cleanUpDone:
			return

		case <-ticker.C:
			for _, s := range state.reap(time.Now()) {
				if err := s.Close(); err != nil {
					zap.L().Warn("failed to close reaped session", zap.Error(err))
				}
			}
		}
	}
}

// reap removes dead sessions from the map and returns them for closing. A
// terminally disconnected session gets one full interval to be force
// reconnected before it is reaped.
func (state *sessionServiceState) reap(now time.Time) []*session.Session {
	state.mu.Lock()
	defer state.mu.Unlock()

	var dead []*session.Session
	for id, s := range state.sessions {
		switch sessionHealth(s) {
		case healthOK:
			delete(state.terminalSince, id)
			continue
		case healthTerminal:
			if _, seen := state.terminalSince[id]; !seen {
				state.terminalSince[id] = now
				continue
			}
		}

		zap.L().Info(
			"reaping session",
			zap.String("session_id", id),
			zap.String("room_code", s.RoomCode()),
		)
		delete(state.sessions, id)
		delete(state.terminalSince, id)
		dead = append(dead, s)
	}
	return dead
}

func (ss *SessionService) Close() error {
	var err error

	ss.state.closeOnce.Do(func() {
		close(ss.state.cleanUpDone)
		ss.state.cleanUpWg.Wait()

		ss.state.mu.Lock()
		sessions := ss.state.sessions
		ss.state.sessions = make(map[string]*session.Session)
		ss.state.mu.Unlock()

		for _, s := range sessions {
			err = multierr.Append(err, s.Close())
		}
	})

	return err
}

func (ss *SessionService) CreateGame(ctx context.Context, req dto.CreateGameRequest) (dto.CreateGameResponse, error) {
	g, err := session.CreateGame(ctx, ss.remote, session.NewGame{
		PlayerCount: req.PlayerCount,
		RoleCounts:  req.RoleCounts,
		MasterName:  req.MasterName,
	})
	if err != nil {
		return dto.CreateGameResponse{}, err
	}

	return dto.CreateGameResponse{
		RoomCode: g.RoomCode,
		Master:   *g.GameMaster(),
		Game:     g,
	}, nil
}

// JoinGame opens a session for the joining player. Joining again as a player
// that already has a live session returns that session.
func (ss *SessionService) JoinGame(ctx context.Context, req dto.JoinGameRequest) (dto.JoinGameResponse, error) {
	if req.PlayerID != "" {
		if s, err := ss.Session(req.PlayerID); err == nil {
			return joinResponse(req.PlayerID, s)
		}
	}

	s := session.New(session.Deps{Remote: ss.remote, Local: ss.local, Config: ss.cfg})
	me, err := s.Join(ctx, req.RoomCode, req.Name, req.PlayerID)
	if err != nil {
		return dto.JoinGameResponse{}, err
	}

	ss.state.mu.Lock()
	old := ss.state.sessions[me.ID]
	ss.state.sessions[me.ID] = s
	delete(ss.state.terminalSince, me.ID)
	ss.state.mu.Unlock()

	if old != nil {
		// Lost a race with another join as the same player.
		if err := old.Close(); err != nil {
			zap.L().Warn("failed to close replaced session", zap.String("session_id", me.ID), zap.Error(err))
		}
	}

	zap.L().Info(
		"session opened",
		zap.String("session_id", me.ID),
		zap.String("room_code", s.RoomCode()),
	)

	return joinResponse(me.ID, s)
}

func (ss *SessionService) LeaveGame(ctx context.Context, id string) error {
	ss.state.mu.Lock()
	s, ok := ss.state.sessions[id]
	delete(ss.state.sessions, id)
	delete(ss.state.terminalSince, id)
	ss.state.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Leave(ctx)
}

func (ss *SessionService) Session(id string) (*session.Session, error) {
	ss.state.mu.RLock()
	defer ss.state.mu.RUnlock()

	s, ok := ss.state.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func (ss *SessionService) SessionCount() int {
	ss.state.mu.RLock()
	defer ss.state.mu.RUnlock()
	return len(ss.state.sessions)
}

func (ss *SessionService) GameState(id string) (dto.GameStateResponse, error) {
	s, err := ss.Session(id)
	if err != nil {
		return dto.GameStateResponse{}, err
	}
	return gameState(s), nil
}

func (ss *SessionService) Roster(id string) (dto.RosterResponse, error) {
	s, err := ss.Session(id)
	if err != nil {
		return dto.RosterResponse{}, err
	}
	g := s.Store.CurrentGame()
	if g == nil {
		return dto.RosterResponse{}, session.ErrNoGame
	}

	presence := s.Presence.Snapshot()
	resp := dto.RosterResponse{Players: make([]dto.PlayerView, 0, len(g.Players)), Alive: g.CountAlive()}
	for _, p := range g.Players {
		info := presence[p.ID]
		resp.Players = append(resp.Players, dto.PlayerView{
			ID:           p.ID,
			Name:         p.Name,
			Role:         p.Role,
			Status:       p.Status,
			StatusLabel:  p.Status.DisplayLabel(),
			IsGameMaster: p.IsGameMaster,
			Connected:    info.Connected,
			LastSeen:     info.LastSeen,
		})
	}
	return resp, nil
}

// Handle runs one UI intent received over the websocket. The result, if any,
// is what the UI gets acknowledged with.
func (ss *SessionService) Handle(ctx context.Context, id string, wrapper dto.RequestWrapper) (any, error) {
	s, err := ss.Session(id)
	if err != nil {
		return nil, err
	}

	switch wrapper.ReqType {
	case dto.REQ_VOTE:
		req := dto.TryUnwrap[dto.VoteRequest](wrapper, dto.REQ_VOTE)
		if req == nil || req.TargetID == "" {
			return nil, invalidRequest(wrapper.ReqType)
		}
		return nil, s.SendVote(ctx, req.TargetID)

	case dto.REQ_NIGHT_ACTION:
		req := dto.TryUnwrap[dto.NightActionRequest](wrapper, dto.REQ_NIGHT_ACTION)
		if req == nil || req.Action.Ability == "" {
			return nil, invalidRequest(wrapper.ReqType)
		}
		return nil, s.SendNightAction(ctx, req.TargetID, req.Action)

	case dto.REQ_PHASE_CHANGE:
		req := dto.TryUnwrap[dto.PhaseChangeRequest](wrapper, dto.REQ_PHASE_CHANGE)
		if req == nil {
			return nil, invalidRequest(wrapper.ReqType)
		}
		if err := s.Phase.ChangePhase(ctx, req.Phase); err != nil {
			return nil, err
		}
		return dto.PhaseChangeResponse{Phase: req.Phase}, nil

	case dto.REQ_ELIMINATE:
		req := dto.TryUnwrap[dto.EliminateRequest](wrapper, dto.REQ_ELIMINATE)
		if req == nil || req.PlayerID == "" {
			return nil, invalidRequest(wrapper.ReqType)
		}
		return nil, s.EliminatePlayer(ctx, req.PlayerID)

	case dto.REQ_REVEAL_ROLE:
		req := dto.TryUnwrap[dto.RevealRoleRequest](wrapper, dto.REQ_REVEAL_ROLE)
		if req == nil || req.PlayerID == "" {
			return nil, invalidRequest(wrapper.ReqType)
		}
		role, ok := model.ParseRole(string(req.Role))
		if !ok {
			return nil, &model.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", req.Role)}
		}
		return nil, s.RevealRole(ctx, req.PlayerID, role)

	case dto.REQ_START_GAME:
		return nil, s.Phase.StartGame(ctx)

	case dto.REQ_CANCEL_COUNTDOWN:
		return nil, s.Phase.CancelCountdown()

	case dto.REQ_FORCE_RECONNECT:
		if err := s.ForceReconnect(ctx); err != nil {
			return nil, err
		}
		return s.Stats(), nil
	}

	return nil, fmt.Errorf("%w: unknown request type %q", ErrInvalidRequest, wrapper.ReqType)
}
