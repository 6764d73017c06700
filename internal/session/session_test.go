package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"werewolf-session/internal/model"
	"werewolf-session/internal/remote"
)

func createGame(t *testing.T, env *testEnv, counts map[model.Role]int) *model.Game {
	t.Helper()
	total := 0
	for _, n := range counts {
		total += n
	}
	g, err := CreateGame(context.Background(), env.remote, NewGame{PlayerCount: total, RoleCounts: counts, MasterName: "Narrator"})
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	return g
}

// addPlayers inserts n players straight into the remote store, as other
// devices joining would.
func addPlayers(t *testing.T, env *testEnv, gameID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := env.remote.InsertPlayer(context.Background(), remote.PlayerRow{
			ID: fmt.Sprintf("%s-p%d", gameID, i), GameID: gameID, Name: fmt.Sprintf("Player %d", i), Status: "alive",
		}); err != nil {
			t.Fatalf("insert player %d: %v", i, err)
		}
	}
}

func joinAsMaster(t *testing.T, env *testEnv, g *model.Game) *Session {
	t.Helper()
	s := env.session(t)
	me, err := s.Join(context.Background(), g.RoomCode, "", g.GameMasterID)
	if err != nil {
		t.Fatalf("master join: %v", err)
	}
	if !me.IsGameMaster {
		t.Fatalf("joined by the master id but not as master")
	}
	return s
}

func phaseIs(s *Session, want model.Phase) func() bool {
	return func() bool {
		g := s.Store.CurrentGame()
		return g != nil && g.Phase == want
	}
}

func TestSession_AutoStartDealsRoles(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	g := createGame(t, env, map[model.Role]int{model.RoleWerewolf: 2, model.RoleVillager: 6})

	master := joinAsMaster(t, env, g)
	addPlayers(t, env, g.ID, 7)

	henry := env.session(t)
	if _, err := henry.Join(ctx, g.RoomCode, "Henry", ""); err != nil {
		t.Fatalf("henry join: %v", err)
	}

	waitFor(t, "auto-start", phaseIs(master, model.PhasePreparation))
	waitFor(t, "start echo on the player device", phaseIs(henry, model.PhasePreparation))

	rows, err := env.remote.ListPlayers(ctx, g.ID)
	if err != nil {
		t.Fatalf("list players: %v", err)
	}
	wolves := 0
	for _, r := range rows {
		if r.IsGameMaster {
			continue
		}
		if r.Role == nil {
			t.Fatalf("player %s was not dealt a role", r.ID)
		}
		if *r.Role == string(model.RoleWerewolf) {
			wolves++
		}
	}
	if wolves != 2 {
		t.Fatalf("dealt %d werewolves, want 2", wolves)
	}

	waitFor(t, "roles on the master device", func() bool {
		n := 0
		for _, p := range master.Store.CurrentGame().Participants() {
			if p.Role == model.RoleWerewolf {
				n++
			}
		}
		return n == 2
	})
}

func TestSession_ManualPhaseCycle(t *testing.T) {
	env := newTestEnv()
	env.cfg.Countdown = time.Hour
	ctx := context.Background()
	g := createGame(t, env, map[model.Role]int{model.RoleWerewolf: 1, model.RoleVillager: 3})

	master := joinAsMaster(t, env, g)
	addPlayers(t, env, g.ID, 4)
	waitFor(t, "roster", func() bool { return len(master.Store.CurrentGame().Participants()) == 4 })

	steps := []model.Phase{
		model.PhasePreparation,
		model.PhaseNight,
		model.PhaseDay,
		model.PhaseVoting,
		model.PhaseNight,
	}
	for _, want := range steps {
		got, err := master.Phase.NextPhase(ctx)
		if err != nil {
			t.Fatalf("advance to %s: %v", want, err)
		}
		if got != want {
			t.Fatalf("advanced to %s, want %s", got, want)
		}
		waitFor(t, string(want)+" echo", phaseIs(master, want))
	}

	if got := master.Store.CurrentGame().CurrentNight; got != 2 {
		t.Fatalf("currentNight = %d after two nights", got)
	}

	if err := master.Phase.EndGame(ctx); err != nil {
		t.Fatalf("end game: %v", err)
	}
	waitFor(t, "ended echo", phaseIs(master, model.PhaseEnded))
}

func TestSession_JoinRules(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	g := createGame(t, env, map[model.Role]int{model.RoleWerewolf: 1, model.RoleVillager: 3})
	addPlayers(t, env, g.ID, 4)

	if _, err := env.session(t).Join(ctx, g.RoomCode, "Latecomer", ""); !errors.Is(err, ErrGameFull) {
		t.Fatalf("joining a full game: want ErrGameFull, got %v", err)
	}
	if _, err := env.session(t).Join(ctx, "ZZZZZZ", "Alice", ""); !errors.Is(err, ErrGameNotFound) {
		t.Fatalf("unknown room: want ErrGameNotFound, got %v", err)
	}
	var ve *model.ValidationError
	if _, err := env.session(t).Join(ctx, "AB", "Alice", ""); !errors.As(err, &ve) {
		t.Fatalf("malformed room code: want ValidationError, got %v", err)
	}

	// Rejoin by id and by name reuse the row.
	s := env.session(t)
	me, err := s.Join(ctx, g.RoomCode, "", g.ID+"-p1")
	if err != nil {
		t.Fatalf("rejoin by id: %v", err)
	}
	if me.Name != "Player 1" {
		t.Fatalf("rejoined as %+v", me)
	}
	if _, err := s.Join(ctx, g.RoomCode, "", g.ID+"-p1"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join: want ErrAlreadyJoined, got %v", err)
	}
	byName := env.session(t)
	me, err = byName.Join(ctx, g.RoomCode, "player 2", "")
	if err != nil || me.ID != g.ID+"-p2" {
		t.Fatalf("rejoin by name: %+v, %v", me, err)
	}

	rows, _ := env.remote.ListPlayers(ctx, g.ID)
	if len(rows) != 5 {
		t.Fatalf("rejoins created rows: %d players", len(rows))
	}

	if err := env.remote.UpdateGame(ctx, g.ID, remote.Patch{"phase": "night"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.remote.DeletePlayer(ctx, g.ID+"-p3"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.session(t).Join(ctx, g.RoomCode, "Latecomer", ""); !errors.Is(err, ErrGameInProgress) {
		t.Fatalf("joining a running game: want ErrGameInProgress, got %v", err)
	}
}

func TestSession_Leave(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	g := createGame(t, env, map[model.Role]int{model.RoleWerewolf: 1, model.RoleVillager: 3})

	master := joinAsMaster(t, env, g)
	player := env.session(t)
	me, err := player.Join(ctx, g.RoomCode, "Alice", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "alice on the master device", func() bool {
		_, ok := master.Store.CurrentGame().FindPlayer(me.ID)
		return ok
	})

	if err := player.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if player.Active() || player.Store.CurrentGame() != nil {
		t.Fatalf("session still active after leaving")
	}
	waitFor(t, "alice gone from the master device", func() bool {
		_, ok := master.Store.CurrentGame().FindPlayer(me.ID)
		return !ok
	})

	if err := master.Leave(ctx); err != nil {
		t.Fatalf("master leave: %v", err)
	}
	rows, _ := env.remote.ListPlayers(ctx, g.ID)
	if len(rows) != 1 || !rows[0].IsGameMaster {
		t.Fatalf("master row should survive leaving: %+v", rows)
	}
	if err := master.Leave(ctx); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("leaving twice: want ErrNoRoom, got %v", err)
	}
}

func TestSession_RecoversFromDroppedFeed(t *testing.T) {
	env := newTestEnv()
	g := createGame(t, env, map[model.Role]int{model.RoleWerewolf: 1, model.RoleVillager: 3})
	s := joinAsMaster(t, env, g)

	if got := env.remote.SubscriptionCount(); got != 3 {
		t.Fatalf("want 3 subscriptions, got %d", got)
	}

	events, cancel := s.Bus.Subscribe(256)
	defer cancel()

	env.remote.BreakSubscriptions(errors.New("channel error"))

	deadline := time.After(3 * time.Second)
	for seen := false; !seen; {
		select {
		case ev := <-events:
			seen = ev.Kind == EventError && errors.Is(ev.Err, ErrStaleState)
		case <-deadline:
			t.Fatalf("no stale-state error surfaced")
		}
	}

	waitFor(t, "reconnect", func() bool {
		return s.Conn.State() == StateConnected && env.remote.SubscriptionCount() == 3 && s.Store.Err() == nil
	})
}

func TestSession_FeedErrorRestoresFreshBackup(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	g := createGame(t, env, map[model.Role]int{model.RoleWerewolf: 1, model.RoleVillager: 3})
	s := joinAsMaster(t, env, g)

	if _, err := s.Backup.BackupNow(ctx); err != nil {
		t.Fatalf("backup: %v", err)
	}

	events, cancel := s.Bus.Subscribe(256)
	defer cancel()

	env.remote.BreakSubscriptions(errors.New("channel error"))

	deadline := time.After(3 * time.Second)
	for restored := false; !restored; {
		select {
		case ev := <-events:
			restored = ev.Kind == EventGameChanged && ev.Op == "restoreGameState"
			if ev.Kind == EventError && errors.Is(ev.Err, ErrStaleState) {
				t.Fatalf("fresh backup was not used: %v", ev.Err)
			}
		case <-deadline:
			t.Fatalf("backup not restored after the feed dropped")
		}
	}

	waitFor(t, "reconnect", func() bool { return s.Conn.State() == StateConnected })
}

func TestCreateGame_Validation(t *testing.T) {
	rs := remote.NewMemoryStore()
	ctx := context.Background()
	var ve *model.ValidationError

	bad := []NewGame{
		{PlayerCount: 3, RoleCounts: map[model.Role]int{model.RoleWerewolf: 1, model.RoleVillager: 2}, MasterName: "N"},
		{PlayerCount: 5, RoleCounts: map[model.Role]int{model.RoleVillager: 5}, MasterName: "N"},
		{PlayerCount: 5, RoleCounts: map[model.Role]int{model.RoleWerewolf: 1, model.RoleVillager: 3}, MasterName: "N"},
		{PlayerCount: 4, RoleCounts: map[model.Role]int{model.RoleWerewolf: 1, model.RoleVillager: 3}, MasterName: "  "},
	}
	for i, req := range bad {
		if _, err := CreateGame(ctx, rs, req); !errors.As(err, &ve) {
			t.Fatalf("request #%d: want ValidationError, got %v", i, err)
		}
	}

	g, err := CreateGame(ctx, rs, NewGame{PlayerCount: 4, RoleCounts: map[model.Role]int{model.RoleWerewolf: 1, model.RoleVillager: 3}, MasterName: "Narrator"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Phase != model.PhaseWaiting || g.GameMaster() == nil || g.GameMaster().Name != "Narrator" {
		t.Fatalf("unexpected new game %+v", g)
	}
	if err := model.ValidateRoomCode(g.RoomCode); err != nil {
		t.Fatalf("bad room code %q: %v", g.RoomCode, err)
	}
}

func TestSession_ReplayAfterRestoreRebuildsGame(t *testing.T) {
	env := newTestEnv()
	env.cfg.QuietPeriod = time.Hour
	env.cfg.Countdown = time.Hour
	ctx := context.Background()
	g := createGame(t, env, map[model.Role]int{model.RoleWerewolf: 1, model.RoleVillager: 3})

	master := joinAsMaster(t, env, g)
	addPlayers(t, env, g.ID, 4)
	waitFor(t, "roster", func() bool { return len(master.Store.CurrentGame().Participants()) == 4 })

	key, err := master.Backup.BackupNow(ctx)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	since := time.Now()

	if err := master.Phase.StartGame(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	voter, target, out := g.ID+"-p0", g.ID+"-p1", g.ID+"-p2"
	if err := master.Dispatch.SendVote(ctx, voter, target); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := master.EliminatePlayer(ctx, out); err != nil {
		t.Fatalf("eliminate: %v", err)
	}

	waitFor(t, "every echo", func() bool {
		cur := master.Store.CurrentGame()
		if cur.Phase != model.PhasePreparation {
			return false
		}
		for _, p := range cur.Participants() {
			if p.Role == "" {
				return false
			}
		}
		return findPlayer(t, cur, voter).VoteTarget == target && findPlayer(t, cur, out).Status == model.StatusEliminated
	})
	want := master.Store.CurrentGame()

	if err := master.Backup.RestoreBackup(ctx, key); err != nil {
		t.Fatalf("restore: %v", err)
	}
	restored := master.Store.CurrentGame()
	if restored.Phase != model.PhaseWaiting {
		t.Fatalf("restored phase = %s, want waiting", restored.Phase)
	}
	for _, p := range restored.Participants() {
		if p.Role != "" {
			t.Fatalf("%s kept a role through the restore", p.ID)
		}
	}

	if _, err := master.ReplayActions(ctx, since); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got := master.Store.CurrentGame()
	if got.Phase != want.Phase || got.CurrentNight != want.CurrentNight {
		t.Fatalf("replayed %s night %d, want %s night %d", got.Phase, got.CurrentNight, want.Phase, want.CurrentNight)
	}
	wolves := 0
	for _, w := range want.Participants() {
		p := findPlayer(t, got, w.ID)
		if p.Role != w.Role || p.Status != w.Status || p.VoteTarget != w.VoteTarget {
			t.Fatalf("%s replayed as %+v, want %+v", w.ID, p, w)
		}
		if p.Role == model.RoleWerewolf {
			wolves++
		}
	}
	if wolves != 1 {
		t.Fatalf("replay dealt %d werewolves, want 1", wolves)
	}
}
