package session

import (
	"context"
	"encoding/json"
	"fmt"

	"werewolf-session/internal/model"
	"werewolf-session/internal/remote"

	"go.uber.org/zap"
)

// Dispatcher turns player intents into remote writes. It never touches the
// State Store: every effect comes back through the change feed.
//
// Phase changes, eliminations, reveals, votes and night actions are written
// twice, once to the action log and once to the affected row. Both echoes
// set the same absolute values, so whichever arrives second is a no-op.
type Dispatcher struct {
	remote remote.Store
	store  *Store
}

func NewDispatcher(rs remote.Store, store *Store) *Dispatcher {
	return &Dispatcher{remote: rs, store: store}
}

func (d *Dispatcher) current() (*model.Game, error) {
	if d.store.RoomCode() == "" {
		return nil, ErrNoRoom
	}
	g := d.store.CurrentGame()
	if g == nil {
		return nil, ErrNoRoom
	}
	return g, nil
}

func (d *Dispatcher) actor() string {
	if p := d.store.CurrentPlayer(); p != nil {
		return p.ID
	}
	return model.SystemPlayerID
}

func (d *Dispatcher) insert(ctx context.Context, g *model.Game, typ model.ActionType, playerID, targetID string, data any) (model.GameAction, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return model.GameAction{}, fmt.Errorf("marshal %s data: %w", typ, err)
		}
		raw = b
	}

	row, err := d.remote.InsertAction(ctx, remote.ActionRow{
		ID:         model.GenID(),
		GameID:     g.ID,
		ActionType: string(typ),
		PlayerID:   playerID,
		TargetID:   remote.StrPtr(targetID),
		ActionData: raw,
	})
	if err != nil {
		return model.GameAction{}, fmt.Errorf("insert %s action: %w", typ, err)
	}

	zap.L().Debug(
		"action sent",
		zap.String("room_code", g.RoomCode),
		zap.String("action_type", string(typ)),
		zap.String("player_id", playerID),
		zap.String("target_id", targetID),
	)

	a := ActionFromRow(row)
	return a.Value, a.Err
}

// SendPlayerAction appends an arbitrary action on behalf of a player.
func (d *Dispatcher) SendPlayerAction(ctx context.Context, a model.GameAction) (model.GameAction, error) {
	g, err := d.current()
	if err != nil {
		return model.GameAction{}, err
	}
	if a.PlayerID == "" {
		a.PlayerID = d.actor()
	}
	var data any
	if len(a.ActionData) > 0 {
		data = a.ActionData
	}
	return d.insert(ctx, g, a.ActionType, a.PlayerID, a.TargetID, data)
}

// SendVote records the vote for the current round.
func (d *Dispatcher) SendVote(ctx context.Context, voterID, targetID string) error {
	g, err := d.current()
	if err != nil {
		return err
	}
	if _, ok := g.FindPlayer(voterID); !ok {
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, voterID)
	}

	night := g.CurrentNight
	if _, err := d.insert(ctx, g, model.ActionVote, voterID, targetID, voteData{Night: &night}); err != nil {
		return err
	}
	return d.remote.UpdatePlayer(ctx, voterID, remote.Patch{"vote_target": remote.StrPtr(targetID)})
}

// SendPhaseChange moves the game to phase. Entering night pins the next
// night number on both writes so neither echo bumps it again.
func (d *Dispatcher) SendPhaseChange(ctx context.Context, phase model.Phase) error {
	g, err := d.current()
	if err != nil {
		return err
	}
	if !phase.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPhase, phase)
	}

	night := g.CurrentNight
	if phase == model.PhaseNight && g.Phase != model.PhaseNight {
		night++
	}

	data := model.PhaseChangeData{Phase: phase, CurrentNight: &night}
	if _, err := d.insert(ctx, g, model.ActionPhaseChange, d.actor(), "", data); err != nil {
		return err
	}
	if err := d.remote.UpdateGame(ctx, g.ID, remote.Patch{"phase": string(phase), "current_night": night}); err != nil {
		return fmt.Errorf("update game phase: %w", err)
	}

	if phase == model.PhaseVoting && g.Phase != model.PhaseVoting {
		for _, p := range g.Players {
			if p.VoteTarget == "" {
				continue
			}
			if err := d.remote.UpdatePlayer(ctx, p.ID, remote.Patch{"vote_target": nil}); err != nil {
				return fmt.Errorf("clear vote of %s: %w", p.ID, err)
			}
		}
	}

	zap.L().Info(
		"phase change sent",
		zap.String("room_code", g.RoomCode),
		zap.String("from", string(g.Phase)),
		zap.String("to", string(phase)),
		zap.Int("night", night),
	)

	return nil
}

// StartGame records the game start together with the deal and moves the game
// to preparation.
func (d *Dispatcher) StartGame(ctx context.Context, roles []model.RoleAssignment) error {
	g, err := d.current()
	if err != nil {
		return err
	}

	night := g.CurrentNight
	data := model.GameStartData{
		PhaseChangeData: model.PhaseChangeData{Phase: model.PhasePreparation, CurrentNight: &night},
		Roles:           roles,
	}
	if _, err := d.insert(ctx, g, model.ActionGameStart, d.actor(), "", data); err != nil {
		return err
	}
	if err := d.remote.UpdateGame(ctx, g.ID, remote.Patch{"phase": string(model.PhasePreparation)}); err != nil {
		return fmt.Errorf("update game phase: %w", err)
	}
	return nil
}

// SendNightAction records an ability use. A zero night means the current one.
func (d *Dispatcher) SendNightAction(ctx context.Context, playerID, targetID string, action model.NightActionData) error {
	g, err := d.current()
	if err != nil {
		return err
	}
	if action.Night == 0 {
		action.Night = g.CurrentNight
	}

	if _, err := d.insert(ctx, g, model.ActionAbilityUse, playerID, targetID, action); err != nil {
		return err
	}
	return d.remote.UpdatePlayer(ctx, playerID, remote.Patch{"has_used_ability": true})
}

func (d *Dispatcher) EliminatePlayer(ctx context.Context, playerID string) error {
	g, err := d.current()
	if err != nil {
		return err
	}

	if _, err := d.insert(ctx, g, model.ActionPlayerElimination, d.actor(), playerID, nil); err != nil {
		return err
	}
	return d.remote.UpdatePlayer(ctx, playerID, remote.Patch{"status": string(model.StatusEliminated)})
}

func (d *Dispatcher) RevealRole(ctx context.Context, playerID string, role model.Role) error {
	g, err := d.current()
	if err != nil {
		return err
	}

	data := model.RoleRevealData{Role: role}
	if _, err := d.insert(ctx, g, model.ActionRoleReveal, d.actor(), playerID, data); err != nil {
		return err
	}
	return d.remote.UpdatePlayer(ctx, playerID, remote.Patch{"role": string(role)})
}

// AssignRole writes a dealt role to the player's row. The deal itself is
// logged by StartGame.
func (d *Dispatcher) AssignRole(ctx context.Context, playerID string, role model.Role) error {
	if _, err := d.current(); err != nil {
		return err
	}
	return d.remote.UpdatePlayer(ctx, playerID, remote.Patch{"role": string(role)})
}
