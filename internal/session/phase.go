package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"werewolf-session/internal/model"

	"go.uber.org/zap"
)

// NextPhase is the master-driven successor of p. Voting loops back to night;
// ending the game is a separate transition.
func NextPhase(p model.Phase) (model.Phase, bool) {
	switch p {
	case model.PhaseWaiting:
		return model.PhasePreparation, true
	case model.PhasePreparation:
		return model.PhaseNight, true
	case model.PhaseNight:
		return model.PhaseDay, true
	case model.PhaseDay:
		return model.PhaseVoting, true
	case model.PhaseVoting:
		return model.PhaseNight, true
	}
	return "", false
}

// AssignRoles shuffles deck and deals it positionally to players. The deck
// must have exactly one role per player.
func AssignRoles(deck []model.Role, players []model.Player, shuffle func(n int, swap func(i, j int))) ([]model.RoleAssignment, error) {
	if len(deck) != len(players) {
		return nil, &model.ValidationError{
			Field:  "roleCounts",
			Reason: fmt.Sprintf("roles add up to %d but there are %d players", len(deck), len(players)),
		}
	}

	roles := append([]model.Role(nil), deck...)
	shuffle(len(roles), func(i, j int) { roles[i], roles[j] = roles[j], roles[i] })

	out := make([]model.RoleAssignment, len(players))
	for i, p := range players {
		out[i] = model.RoleAssignment{PlayerID: p.ID, Role: roles[i]}
	}
	return out, nil
}

// PhaseController drives the phase machine from the game master's session:
// manual transitions, the auto-start countdown, and role assignment.
type PhaseController struct {
	cfg      Config
	store    *Store
	presence *Presence
	dispatch *Dispatcher
	bus      *Bus
	shuffle  func(n int, swap func(i, j int))
	now      func() time.Time
	poll     time.Duration

	mu        sync.Mutex
	gen       uint64
	quiet     *time.Timer
	countdown *time.Timer
	endsAt    time.Time
	held      bool
	started   bool
	watch     *loop
}

func NewPhaseController(cfg Config, store *Store, presence *Presence, dispatch *Dispatcher, bus *Bus) *PhaseController {
	return &PhaseController{
		cfg:      cfg,
		store:    store,
		presence: presence,
		dispatch: dispatch,
		bus:      bus,
		shuffle:  rand.Shuffle,
		now:      time.Now,
		poll:     time.Second,
	}
}

// Start watches the game for the auto-start condition. Besides game changes
// it re-checks on a short poll, since presence expires without an event.
func (c *PhaseController) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watch != nil {
		return
	}
	events, cancel := c.bus.Subscribe(64)
	c.watch = startLoop(func(ctx context.Context) {
		defer cancel()

		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()

		c.evaluate()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind == EventGameChanged {
					c.evaluate()
				}
			case <-ticker.C:
				c.evaluate()
			}
		}
	})
}

func (c *PhaseController) Stop() {
	c.mu.Lock()
	watch := c.watch
	c.watch = nil
	c.gen++
	c.stopTimersLocked()
	c.held = false
	c.started = false
	c.mu.Unlock()

	watch.stop()
}

// ready reports whether every player is connected and there are enough
// participants to deal roles to.
func (c *PhaseController) ready(g *model.Game) bool {
	need := max(c.cfg.MinPlayers, g.Settings.MinPlayers)
	if len(g.Participants()) < need {
		return false
	}
	ids := make([]string, len(g.Players))
	for i, p := range g.Players {
		ids[i] = p.ID
	}
	return c.presence.CountConnected(ids) == len(ids)
}

func (c *PhaseController) evaluate() {
	if !c.store.IsGameMaster() {
		return
	}
	g := c.store.CurrentGame()

	c.mu.Lock()
	armed := c.quiet != nil || c.countdown != nil
	if g == nil || g.Phase != model.PhaseWaiting || !c.ready(g) {
		if armed {
			c.gen++
			c.stopTimersLocked()
			c.mu.Unlock()
			zap.L().Info("auto-start countdown reset")
			c.publishCountdown()
			return
		}
		c.mu.Unlock()
		return
	}
	if armed || c.held || c.started {
		c.mu.Unlock()
		return
	}

	c.gen++
	gen := c.gen
	c.quiet = time.AfterFunc(c.cfg.QuietPeriod, func() { c.beginCountdown(gen) })
	c.mu.Unlock()

	zap.L().Debug("all players connected, waiting for quiet period", zap.String("room_code", g.RoomCode))
}

func (c *PhaseController) beginCountdown(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.quiet = nil
	c.armCountdownLocked(gen)
	c.mu.Unlock()

	c.publishCountdown()
}

func (c *PhaseController) armCountdownLocked(gen uint64) {
	c.endsAt = c.now().Add(c.cfg.Countdown)
	c.countdown = time.AfterFunc(c.cfg.Countdown, func() { c.autoStart(gen) })

	zap.L().Info("auto-start countdown started", zap.Duration("countdown", c.cfg.Countdown))
}

func (c *PhaseController) autoStart(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.countdown = nil
	c.endsAt = time.Time{}
	c.mu.Unlock()

	err := c.start(context.Background())
	if err != nil {
		zap.L().Error("auto-start aborted", zap.Error(err))
		c.store.SetErr(err)

		// Stay put until the master restarts the countdown.
		c.mu.Lock()
		c.held = true
		c.mu.Unlock()
	}
	c.publishCountdown()
}

func (c *PhaseController) stopTimersLocked() {
	if c.quiet != nil {
		c.quiet.Stop()
		c.quiet = nil
	}
	if c.countdown != nil {
		c.countdown.Stop()
		c.countdown = nil
	}
	c.endsAt = time.Time{}
}

// CancelCountdown stops the countdown and holds auto-start until
// RestartCountdown.
func (c *PhaseController) CancelCountdown() error {
	if !c.store.IsGameMaster() {
		return ErrNotGameMaster
	}

	c.mu.Lock()
	c.gen++
	c.stopTimersLocked()
	c.held = true
	c.mu.Unlock()

	zap.L().Info("auto-start countdown cancelled")
	c.publishCountdown()
	return nil
}

// RestartCountdown starts a full countdown right away, skipping the quiet
// period.
func (c *PhaseController) RestartCountdown() error {
	if !c.store.IsGameMaster() {
		return ErrNotGameMaster
	}
	g := c.store.CurrentGame()
	if g == nil {
		return ErrNoGame
	}
	if g.Phase != model.PhaseWaiting {
		return ErrGameInProgress
	}

	c.mu.Lock()
	c.gen++
	c.stopTimersLocked()
	c.held = false
	if !c.ready(g) {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.armCountdownLocked(c.gen)
	c.mu.Unlock()

	c.publishCountdown()
	return nil
}

func (c *PhaseController) CountdownRemaining() time.Duration {
	return c.Countdown().Remaining
}

func (c *PhaseController) Countdown() CountdownState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := CountdownState{Running: c.countdown != nil, Held: c.held}
	if c.countdown != nil {
		st.EndsAt = c.endsAt
		st.Remaining = max(c.endsAt.Sub(c.now()), 0)
	}
	return st
}

func (c *PhaseController) publishCountdown() {
	st := c.Countdown()
	c.bus.Publish(Event{Kind: EventCountdown, Countdown: &st})
}

// StartGame deals roles and moves the game out of waiting, cancelling any
// running countdown.
func (c *PhaseController) StartGame(ctx context.Context) error {
	if !c.store.IsGameMaster() {
		return ErrNotGameMaster
	}

	c.mu.Lock()
	c.gen++
	c.stopTimersLocked()
	c.mu.Unlock()

	err := c.start(ctx)
	c.publishCountdown()
	return err
}

// start validates the role counts before writing anything, so a mismatch
// leaves every player untouched.
func (c *PhaseController) start(ctx context.Context) (err error) {
	g := c.store.CurrentGame()
	if g == nil {
		return ErrNoGame
	}
	if g.Phase != model.PhaseWaiting {
		return ErrGameInProgress
	}

	// The echo of the start arrives later; until then the game still reads
	// as waiting and must not be started twice.
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrGameInProgress
	}
	c.started = true
	c.mu.Unlock()
	defer func() {
		if err != nil {
			c.mu.Lock()
			c.started = false
			c.mu.Unlock()
		}
	}()

	participants := g.Participants()
	if err := model.ValidateRoleCounts(g.Settings.RoleCounts, len(participants)); err != nil {
		return err
	}
	assignments, err := AssignRoles(g.Settings.RoleDeck(), participants, c.shuffle)
	if err != nil {
		return err
	}

	for _, a := range assignments {
		if err := c.dispatch.AssignRole(ctx, a.PlayerID, a.Role); err != nil {
			return fmt.Errorf("assign role to %s: %w", a.PlayerID, err)
		}
	}
	if err := c.dispatch.StartGame(ctx, assignments); err != nil {
		return err
	}

	zap.L().Info(
		"game started",
		zap.String("room_code", g.RoomCode),
		zap.Int("players", len(participants)),
	)
	return nil
}

// NextPhase advances to the successor of the current phase. Leaving waiting
// deals roles.
func (c *PhaseController) NextPhase(ctx context.Context) (model.Phase, error) {
	g := c.store.CurrentGame()
	if g == nil {
		return "", ErrNoGame
	}
	next, ok := NextPhase(g.Phase)
	if !ok {
		return "", fmt.Errorf("%w: %s has no successor", ErrInvalidTransition, g.Phase)
	}
	if err := c.ChangePhase(ctx, next); err != nil {
		return "", err
	}
	return next, nil
}

// ChangePhase allows only the successor of the current phase, or ended from
// any phase but ended.
func (c *PhaseController) ChangePhase(ctx context.Context, target model.Phase) error {
	if !c.store.IsGameMaster() {
		return ErrNotGameMaster
	}
	g := c.store.CurrentGame()
	if g == nil {
		return ErrNoGame
	}
	if !target.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPhase, target)
	}
	if g.Phase == model.PhaseEnded {
		return fmt.Errorf("%w: game has ended", ErrInvalidTransition)
	}

	if target != model.PhaseEnded {
		next, _ := NextPhase(g.Phase)
		if target != next {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Phase, target)
		}
		if g.Phase == model.PhaseWaiting {
			return c.StartGame(ctx)
		}
	}

	if err := c.dispatch.SendPhaseChange(ctx, target); err != nil {
		return err
	}
	if target == model.PhaseEnded {
		c.mu.Lock()
		c.gen++
		c.stopTimersLocked()
		c.mu.Unlock()
	}
	return nil
}

func (c *PhaseController) EndGame(ctx context.Context) error {
	return c.ChangePhase(ctx, model.PhaseEnded)
}
