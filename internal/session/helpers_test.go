package session

import (
	"encoding/json"
	"testing"
	"time"

	"werewolf-session/internal/model"
	"werewolf-session/internal/remote"
	"werewolf-session/internal/storage"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.ReconnectBase = time.Millisecond
	cfg.ReconnectCap = 8 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.PresenceTimeout = time.Minute
	cfg.BackupInterval = 0
	cfg.QuietPeriod = 10 * time.Millisecond
	cfg.Countdown = 40 * time.Millisecond
	return cfg
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// fixtureGame is a game in its first day: a narrator and three players.
func fixtureGame() *model.Game {
	return &model.Game{
		ID:           "g1",
		RoomCode:     "ABCDEF",
		Phase:        model.PhaseDay,
		GameMasterID: "gm",
		CurrentNight: 1,
		Settings:     model.NewGameSettings(map[model.Role]int{model.RoleWerewolf: 1, model.RoleVillager: 2}),
		Players: []model.Player{
			{ID: "gm", Name: "Narrator", Role: model.RoleVillager, Status: model.StatusAlive, IsGameMaster: true},
			{ID: "P1", Name: "Alice", Role: model.RoleWerewolf, Status: model.StatusAlive},
			{ID: "P2", Name: "Bob", Role: model.RoleVillager, Status: model.StatusAlive},
			{ID: "P3", Name: "Carol", Role: model.RoleVillager, Status: model.StatusAlive},
		},
	}
}

func newFixtureStore() *Store {
	s := NewStore(NewBus())
	s.SetCurrentGame(fixtureGame())
	return s
}

func newFixtureEngine() (*SyncEngine, *Store) {
	store := newFixtureStore()
	return NewSyncEngine(remote.NewMemoryStore(), store, NewPresence(time.Minute)), store
}

func actionEvent(row remote.ActionRow) remote.ChangeEvent {
	return remote.ChangeEvent{Table: remote.TableActions, Type: remote.EventInsert, New: mustMarshal(row)}
}

func playerEvent(typ remote.EventType, row remote.PlayerRow) remote.ChangeEvent {
	ev := remote.ChangeEvent{Table: remote.TablePlayers, Type: typ}
	if typ == remote.EventDelete {
		ev.Old = mustMarshal(row)
	} else {
		ev.New = mustMarshal(row)
	}
	return ev
}

// stable drops the update stamp so two games can be compared by content.
func stable(g *model.Game) *model.Game {
	g = g.Clone()
	g.UpdatedAt = time.Time{}
	return g
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func findPlayer(t *testing.T, g *model.Game, id string) model.Player {
	t.Helper()
	if g == nil {
		t.Fatalf("no game loaded")
	}
	i, ok := g.FindPlayer(id)
	if !ok {
		t.Fatalf("player %s not in roster", id)
	}
	return g.Players[i]
}

type testEnv struct {
	remote *remote.MemoryStore
	local  *storage.MemoryStorage
	cfg    Config
}

func newTestEnv() *testEnv {
	return &testEnv{remote: remote.NewMemoryStore(), local: storage.NewMemoryStorage(), cfg: testConfig()}
}

func (e *testEnv) session(t *testing.T) *Session {
	t.Helper()
	s := New(Deps{Remote: e.remote, Local: e.local, Config: e.cfg})
	t.Cleanup(func() { _ = s.Close() })
	return s
}
