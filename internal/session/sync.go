package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"werewolf-session/internal/model"
	"werewolf-session/internal/remote"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errFeedClosed = errors.New("sync: change feed closed")

// SyncEngine turns change-feed events of the three tables into State Store
// mutations. Each table is consumed by its own goroutine, so events of one
// table are applied in receipt order while tables interleave freely.
type SyncEngine struct {
	remote   remote.Store
	store    *Store
	presence *Presence

	mu      sync.Mutex
	run     *syncRun
	onError func(error)
}

type syncRun struct {
	cancel context.CancelFunc
	subs   []remote.Subscription
	wg     *conc.WaitGroup
	failed atomic.Bool
}

func NewSyncEngine(rs remote.Store, store *Store, presence *Presence) *SyncEngine {
	return &SyncEngine{remote: rs, store: store, presence: presence}
}

// SetErrorHandler installs the callback run when a subscription fails. It is
// called at most once per Start, on its own goroutine.
func (e *SyncEngine) SetErrorHandler(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

// Start opens the games subscription first, since the players and
// game_actions filters need the game id, then the other two concurrently.
func (e *SyncEngine) Start(ctx context.Context, roomCode string) error {
	e.Stop()

	roomCode = model.NormalizeRoomCode(roomCode)
	runCtx, cancel := context.WithCancel(context.Background())
	run := &syncRun{cancel: cancel, wg: conc.NewWaitGroup()}

	gamesSub, err := e.remote.Subscribe(ctx, remote.TableGames, remote.Eq("room_code", roomCode))
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe games: %w", err)
	}
	run.subs = append(run.subs, gamesSub)

	gameID := e.store.GameID()
	if gameID == "" {
		row, err := e.remote.GameByRoomCode(ctx, roomCode)
		if err != nil {
			closeSubs(run.subs)
			cancel()
			return fmt.Errorf("resolve game id: %w", err)
		}
		gameID = row.ID
	}

	var playersSub, actionsSub remote.Subscription
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sub, err := e.remote.Subscribe(gctx, remote.TablePlayers, remote.Eq("game_id", gameID))
		if err != nil {
			return fmt.Errorf("subscribe players: %w", err)
		}
		playersSub = sub
		return nil
	})
	g.Go(func() error {
		sub, err := e.remote.Subscribe(gctx, remote.TableActions, remote.Eq("game_id", gameID))
		if err != nil {
			return fmt.Errorf("subscribe game_actions: %w", err)
		}
		actionsSub = sub
		return nil
	})
	err = g.Wait()
	for _, sub := range []remote.Subscription{playersSub, actionsSub} {
		if sub != nil {
			run.subs = append(run.subs, sub)
		}
	}
	if err != nil {
		closeSubs(run.subs)
		cancel()
		return err
	}

	for _, sub := range run.subs {
		run.wg.Go(func() { e.consume(runCtx, run, sub) })
	}

	e.mu.Lock()
	e.run = run
	e.mu.Unlock()

	zap.L().Info(
		"sync engine started",
		zap.String("room_code", roomCode),
		zap.String("game_id", gameID),
	)

	return nil
}

// Stop closes every subscription and waits for the consumers to exit.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	run := e.run
	e.run = nil
	e.mu.Unlock()

	if run == nil {
		return
	}
	run.cancel()
	closeSubs(run.subs)
	run.wg.Wait()
}

func (e *SyncEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}

func closeSubs(subs []remote.Subscription) {
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			zap.L().Warn("failed to close subscription", zap.Error(err))
		}
	}
}

func (e *SyncEngine) consume(ctx context.Context, run *syncRun, sub remote.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Errors():
			e.fail(ctx, run, err)
			return
		case ev, ok := <-sub.Events():
			if !ok {
				e.fail(ctx, run, errFeedClosed)
				return
			}
			if err := e.Apply(ev); err != nil {
				zap.L().Debug(
					"change event not applied",
					zap.String("table", string(ev.Table)),
					zap.String("type", string(ev.Type)),
					zap.Error(err),
				)
			}
		}
	}
}

func (e *SyncEngine) fail(ctx context.Context, run *syncRun, err error) {
	if ctx.Err() != nil || !run.failed.CompareAndSwap(false, true) {
		return
	}

	zap.L().Warn("change feed subscription failed", zap.Error(err))

	e.mu.Lock()
	handler := e.onError
	e.mu.Unlock()

	if handler != nil {
		go handler(err)
	}
}

// Apply routes one change event to the matching handler.
func (e *SyncEngine) Apply(ev remote.ChangeEvent) error {
	switch ev.Table {
	case remote.TableGames:
		return e.applyGame(ev)
	case remote.TablePlayers:
		return e.applyPlayer(ev)
	case remote.TableActions:
		if ev.Type != remote.EventInsert {
			return nil
		}
		d := DecodeAction(ev.New)
		if !d.OK() {
			return d.Err
		}
		_, err := e.ApplyAction(d.Value)
		return err
	}

	zap.L().Debug("ignoring event for unknown table", zap.String("table", string(ev.Table)))
	return nil
}

func (e *SyncEngine) applyGame(ev remote.ChangeEvent) error {
	if ev.Type != remote.EventUpdate {
		return nil
	}
	d := DecodeGamePatch(ev.New)
	if !d.OK() {
		return d.Err
	}
	_, err := e.store.SyncGameState(d.Value)
	return err
}

func (e *SyncEngine) applyPlayer(ev remote.ChangeEvent) error {
	switch ev.Type {
	case remote.EventInsert:
		d := DecodePlayer(ev.New)
		if !d.OK() {
			return d.Err
		}
		e.presence.Touch(d.Value.ID)
		if g := e.store.CurrentGame(); g != nil {
			if _, exists := g.FindPlayer(d.Value.ID); exists {
				return nil
			}
		}
		_, err := e.store.SyncPlayerState(d.Value)
		return err

	case remote.EventUpdate:
		d := DecodePlayer(ev.New)
		if !d.OK() {
			return d.Err
		}
		e.presence.Touch(d.Value.ID)
		_, err := e.store.SyncPlayerState(d.Value)
		return err

	case remote.EventDelete:
		d := DecodePlayer(ev.Old)
		if !d.OK() {
			return d.Err
		}
		e.presence.Forget(d.Value.ID)
		_, err := e.store.RemovePlayer(d.Value.ID)
		return err
	}
	return nil
}

type voteData struct {
	Night *int `json:"night"`
}

// ApplyAction applies one game_actions entry. Every handler sets absolute
// values, so applying the same action twice changes nothing the second time.
func (e *SyncEngine) ApplyAction(a model.GameAction) (bool, error) {
	if a.PlayerID != model.SystemPlayerID {
		e.presence.Touch(a.PlayerID)
	}

	switch a.ActionType {
	case model.ActionGameStart:
		var data model.GameStartData
		if len(a.ActionData) > 0 {
			if err := json.Unmarshal(a.ActionData, &data); err != nil {
				return false, fmt.Errorf("game_start action data: %w", err)
			}
		}
		if data.Phase == "" {
			data.Phase = model.PhasePreparation
		}

		// Roles land before the phase so no reader sees a started game
		// without its deal.
		changed := false
		for _, r := range data.Roles {
			role := r.Role
			ok, err := e.store.UpdatePlayerStatus(r.PlayerID, "", &model.PlayerPatch{Role: &role})
			if err != nil {
				zap.L().Debug("dealt role not applied", zap.String("player_id", r.PlayerID), zap.Error(err))
				continue
			}
			changed = changed || ok
		}
		ok, err := e.store.UpdateGamePhase(data.Phase, &GamePatch{CurrentNight: data.CurrentNight})
		return changed || ok, err

	case model.ActionPhaseChange:
		var data model.PhaseChangeData
		if len(a.ActionData) > 0 {
			if err := json.Unmarshal(a.ActionData, &data); err != nil {
				return false, fmt.Errorf("%s action data: %w", a.ActionType, err)
			}
		}
		return e.store.UpdateGamePhase(data.Phase, &GamePatch{CurrentNight: data.CurrentNight})

	case model.ActionVote:
		var data voteData
		if len(a.ActionData) > 0 {
			_ = json.Unmarshal(a.ActionData, &data)
		}
		if data.Night != nil {
			if g := e.store.CurrentGame(); g != nil && g.CurrentNight != *data.Night {
				zap.L().Debug(
					"ignoring vote from another round",
					zap.String("player_id", a.PlayerID),
					zap.Int("night", *data.Night),
					zap.Int("current_night", g.CurrentNight),
				)
				return false, nil
			}
		}
		target := a.TargetID
		return e.store.UpdatePlayerStatus(a.PlayerID, "", &model.PlayerPatch{VoteTarget: &target})

	case model.ActionAbilityUse:
		used := true
		return e.store.UpdatePlayerStatus(a.PlayerID, "", &model.PlayerPatch{HasUsedAbility: &used})

	case model.ActionPlayerElimination:
		return e.store.UpdatePlayerStatus(a.TargetID, model.StatusEliminated, nil)

	case model.ActionRoleReveal:
		var data model.RoleRevealData
		if err := json.Unmarshal(a.ActionData, &data); err != nil {
			return false, fmt.Errorf("role_reveal action data: %w", err)
		}
		role, ok := model.ParseRole(string(data.Role))
		if !ok {
			role = model.RoleVillager
		}
		return e.store.UpdatePlayerStatus(a.TargetID, "", &model.PlayerPatch{Role: &role})

	case model.ActionHeartbeat, model.ActionPing, model.ActionStateBackup, model.ActionStateRestore:
		return false, nil
	}

	zap.L().Debug("ignoring unknown action type", zap.String("action_type", string(a.ActionType)))
	return false, nil
}

// Replay re-applies every action created after since, oldest first, and
// returns how many changed the state.
func (e *SyncEngine) Replay(ctx context.Context, since time.Time) (int, error) {
	gameID := e.store.GameID()
	if gameID == "" {
		return 0, ErrNoGame
	}

	rows, err := e.remote.ListActions(ctx, gameID, since)
	if err != nil {
		return 0, fmt.Errorf("list actions: %w", err)
	}

	applied := 0
	for _, row := range rows {
		d := ActionFromRow(row)
		if !d.OK() {
			continue
		}
		changed, err := e.ApplyAction(d.Value)
		if err != nil {
			zap.L().Debug("replayed action not applied", zap.String("action_id", row.ID), zap.Error(err))
			continue
		}
		if changed {
			applied++
		}
	}

	zap.L().Info(
		"replayed actions",
		zap.String("game_id", gameID),
		zap.Int("total", len(rows)),
		zap.Int("applied", applied),
	)

	return applied, nil
}
