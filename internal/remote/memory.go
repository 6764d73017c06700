package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore is an in-process remote store with a change feed. It backs
// local development and every session test.
type MemoryStore struct {
	mu sync.Mutex

	games       map[string]GameRow
	players     map[string]PlayerRow
	playerOrder []string
	actions     []ActionRow

	subs   map[*memSubscription]struct{}
	closed bool

	lastStamp time.Time
	now       func() time.Time
	writeErr  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games:   make(map[string]GameRow),
		players: make(map[string]PlayerRow),
		subs:    make(map[*memSubscription]struct{}),
		now:     time.Now,
	}
}

// FailWrites makes every subsequent write return err; nil restores writes.
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// BreakSubscriptions pushes err to every open subscription, as a dropped
// realtime channel would.
func (m *MemoryStore) BreakSubscriptions(err error) {
	m.mu.Lock()
	subs := make([]*memSubscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.fail(err)
	}
}

// SubscriptionCount reports how many subscriptions are open.
func (m *MemoryStore) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// stamp returns a strictly increasing timestamp so created_at orders the log.
func (m *MemoryStore) stamp() time.Time {
	t := m.now()
	if !t.After(m.lastStamp) {
		t = m.lastStamp.Add(time.Microsecond)
	}
	m.lastStamp = t
	return t
}

func (m *MemoryStore) checkWrite() error {
	if m.closed {
		return ErrClosed
	}
	return m.writeErr
}

func (m *MemoryStore) CreateGame(_ context.Context, row GameRow) (GameRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWrite(); err != nil {
		return GameRow{}, err
	}

	row.RoomCode = strings.ToUpper(row.RoomCode)
	for _, g := range m.games {
		if g.RoomCode == row.RoomCode {
			return GameRow{}, fmt.Errorf("%w: room code %s", ErrConflict, row.RoomCode)
		}
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	ts := m.stamp()
	row.CreatedAt, row.UpdatedAt = ts, ts

	m.games[row.ID] = row
	m.publish(TableGames, EventInsert, row, nil)

	return row, nil
}

func (m *MemoryStore) GameByRoomCode(_ context.Context, roomCode string) (GameRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.games {
		if strings.EqualFold(g.RoomCode, roomCode) {
			return g, nil
		}
	}
	return GameRow{}, ErrNotFound
}

func (m *MemoryStore) UpdateGame(_ context.Context, gameID string, patch Patch) error {
	if err := CheckPatch(patch, GameColumns); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWrite(); err != nil {
		return err
	}
	old, ok := m.games[gameID]
	if !ok {
		return ErrNotFound
	}

	row := old
	for col, v := range patch {
		switch col {
		case "phase":
			row.Phase = asString(v)
		case "current_night":
			row.CurrentNight = asInt(v)
		case "game_master_id":
			row.GameMasterID = asStrPtr(v)
		}
	}
	row.UpdatedAt = m.stamp()

	m.games[gameID] = row
	m.publish(TableGames, EventUpdate, row, old)

	return nil
}

func (m *MemoryStore) ListPlayers(_ context.Context, gameID string) ([]PlayerRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PlayerRow, 0)
	for _, id := range m.playerOrder {
		if p := m.players[id]; p.GameID == gameID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertPlayer(_ context.Context, row PlayerRow) (PlayerRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWrite(); err != nil {
		return PlayerRow{}, err
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if _, exists := m.players[row.ID]; exists {
		return PlayerRow{}, fmt.Errorf("%w: player %s", ErrConflict, row.ID)
	}
	if _, ok := m.games[row.GameID]; !ok {
		return PlayerRow{}, ErrNotFound
	}
	if row.Status == "" {
		row.Status = "alive"
	}

	m.players[row.ID] = row
	m.playerOrder = append(m.playerOrder, row.ID)
	m.publish(TablePlayers, EventInsert, row, nil)

	return row, nil
}

func (m *MemoryStore) UpdatePlayer(_ context.Context, playerID string, patch Patch) error {
	if err := CheckPatch(patch, PlayerColumns); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWrite(); err != nil {
		return err
	}
	old, ok := m.players[playerID]
	if !ok {
		return ErrNotFound
	}

	row := old
	for col, v := range patch {
		switch col {
		case "name":
			row.Name = asString(v)
		case "role":
			row.Role = asStrPtr(v)
		case "status":
			row.Status = asString(v)
		case "is_lover":
			row.IsLover = asBool(v)
		case "lover_id":
			row.LoverID = asStrPtr(v)
		case "has_used_ability":
			row.HasUsedAbility = asBool(v)
		case "vote_target":
			row.VoteTarget = asStrPtr(v)
		}
	}

	m.players[playerID] = row
	m.publish(TablePlayers, EventUpdate, row, old)

	return nil
}

func (m *MemoryStore) DeletePlayer(_ context.Context, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWrite(); err != nil {
		return err
	}
	old, ok := m.players[playerID]
	if !ok {
		return ErrNotFound
	}

	delete(m.players, playerID)
	for i, id := range m.playerOrder {
		if id == playerID {
			m.playerOrder = append(m.playerOrder[:i], m.playerOrder[i+1:]...)
			break
		}
	}
	m.publish(TablePlayers, EventDelete, nil, old)

	return nil
}

func (m *MemoryStore) InsertAction(_ context.Context, row ActionRow) (ActionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWrite(); err != nil {
		return ActionRow{}, err
	}
	if _, ok := m.games[row.GameID]; !ok {
		return ActionRow{}, ErrNotFound
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt = m.stamp()

	m.actions = append(m.actions, row)
	m.publish(TableActions, EventInsert, row, nil)

	return row, nil
}

func (m *MemoryStore) ListActions(_ context.Context, gameID string, since time.Time) ([]ActionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ActionRow, 0)
	for _, a := range m.actions {
		if a.GameID == gameID && a.CreatedAt.After(since) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Subscribe(_ context.Context, table Table, filter Filter) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	s := &memSubscription{
		table:  table,
		filter: filter,
		events: make(chan ChangeEvent, 16),
		errs:   make(chan error, 1),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		store:  m,
	}
	m.subs[s] = struct{}{}
	go s.pump()

	zap.L().Debug(
		"memory store subscription opened",
		zap.String("table", string(table)),
		zap.String("filter", filter.String()),
	)

	return s, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	subs := make([]*memSubscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.closed = true
	m.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

// publish must be called with m.mu held so every subscriber sees commit order.
func (m *MemoryStore) publish(table Table, typ EventType, newRow, oldRow any) {
	ev := ChangeEvent{Table: table, Type: typ}
	if newRow != nil {
		ev.New = mustJSON(newRow)
	}
	if oldRow != nil {
		ev.Old = mustJSON(oldRow)
	}

	for s := range m.subs {
		if s.table == table && s.filter.Matches(ev) {
			s.push(ev)
		}
	}
}

type memSubscription struct {
	table  Table
	filter Filter

	events chan ChangeEvent
	errs   chan error

	mu     sync.Mutex
	queue  []ChangeEvent
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	store *MemoryStore
}

func (s *memSubscription) Events() <-chan ChangeEvent { return s.events }
func (s *memSubscription) Errors() <-chan error       { return s.errs }

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
	})
	return nil
}

func (s *memSubscription) push(ev ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memSubscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// pump drains the unbounded queue into the events channel so that a slow
// consumer never blocks the writer.
func (s *memSubscription) pump() {
	defer close(s.events)

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("Failed to marshal row: " + err.Error())
	}
	return data
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case *string:
		if t != nil {
			return *t
		}
	default:
		// named string types such as model.Phase
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
			return rv.String()
		}
	}
	return ""
}

func asStrPtr(v any) *string {
	switch t := v.(type) {
	case nil:
		return nil
	case *string:
		return t
	default:
		return StrPtr(asString(t))
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
