package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"werewolf-session/internal/model"
	"werewolf-session/internal/remote"
)

// Decoded is the tagged result of decoding a remote row: either Value is
// usable, or Err says why the row was rejected. Decoding never panics.
type Decoded[T any] struct {
	Value T
	Err   error
}

func (d Decoded[T]) OK() bool { return d.Err == nil }

type DecodeError struct {
	Table  remote.Table
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s row: %s", e.Table, e.Reason)
}

func decodeFail[T any](table remote.Table, format string, args ...any) Decoded[T] {
	return Decoded[T]{Err: &DecodeError{Table: table, Reason: fmt.Sprintf(format, args...)}}
}

// fields is a raw row keyed by a casing-independent form of the column name,
// so "is_game_master", "isGameMaster" and "IsGameMaster" all land on the same
// key.
type fields map[string]any

func foldKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

func parseFields(raw json.RawMessage) (fields, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty row")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("null row")
	}
	f := make(fields, len(m))
	for k, v := range m {
		f[foldKey(k)] = v
	}
	return f, nil
}

func (f fields) lookup(key string) (any, bool) {
	v, ok := f[foldKey(key)]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (f fields) str(key string) (string, bool) {
	v, ok := f.lookup(key)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

func (f fields) boolean(key string) bool {
	v, ok := f.lookup(key)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		b, err := strconv.ParseBool(strings.ToLower(t))
		return err == nil && b
	}
	return false
}

func (f fields) integer(key string) (int, bool) {
	v, ok := f.lookup(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
}

func (f fields) timestamp(key string) (time.Time, bool) {
	v, ok := f.lookup(key)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	case float64:
		return time.UnixMilli(int64(t)), true
	}
	return time.Time{}, false
}

// object returns a nested JSON value, accepting both an embedded object and
// a JSON document stored as a string.
func (f fields) object(key string) (json.RawMessage, bool) {
	v, ok := f.lookup(key)
	if !ok {
		return nil, false
	}
	if s, isStr := v.(string); isStr {
		if !json.Valid([]byte(s)) {
			return nil, false
		}
		return json.RawMessage(s), true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return data, true
}

// DecodePlayer maps a players row onto the canonical Player. Unknown roles
// fall back to villager and unknown statuses to alive.
func DecodePlayer(raw json.RawMessage) Decoded[model.Player] {
	f, err := parseFields(raw)
	if err != nil {
		return decodeFail[model.Player](remote.TablePlayers, "%v", err)
	}

	id, ok := f.str("id")
	if !ok || id == "" {
		return decodeFail[model.Player](remote.TablePlayers, "missing id")
	}

	p := model.Player{
		ID:             id,
		Role:           model.RoleVillager,
		Status:         model.StatusAlive,
		IsGameMaster:   f.boolean("is_game_master"),
		IsLover:        f.boolean("is_lover"),
		HasUsedAbility: f.boolean("has_used_ability"),
	}
	p.Name, _ = f.str("name")
	p.LoverID, _ = f.str("lover_id")
	p.VoteTarget, _ = f.str("vote_target")

	if s, ok := f.str("role"); ok {
		if role, known := model.ParseRole(s); known {
			p.Role = role
		}
	}
	if s, ok := f.str("status"); ok {
		if st, known := model.ParseStatus(s); known {
			p.Status = st
		}
	}

	return Decoded[model.Player]{Value: p}
}

// DecodeGamePatch extracts the mergeable fields of a games row. Everything
// else on the row, and the roster in particular, is ignored.
func DecodeGamePatch(raw json.RawMessage) Decoded[GamePatch] {
	f, err := parseFields(raw)
	if err != nil {
		return decodeFail[GamePatch](remote.TableGames, "%v", err)
	}

	var patch GamePatch
	if s, ok := f.str("phase"); ok {
		phase := model.Phase(strings.ToLower(s))
		if !phase.Valid() {
			return decodeFail[GamePatch](remote.TableGames, "unknown phase %q", s)
		}
		patch.Phase = &phase
	}
	if n, ok := f.integer("current_night"); ok {
		patch.CurrentNight = &n
	}
	if obj, ok := f.object("game_settings"); ok {
		var settings model.GameSettings
		if err := json.Unmarshal(obj, &settings); err == nil && settings.RoleCounts != nil {
			patch.Settings = &settings
		}
	}
	if ts, ok := f.timestamp("updated_at"); ok {
		patch.UpdatedAt = &ts
	}

	return Decoded[GamePatch]{Value: patch}
}

// DecodeGame decodes a full games row for the initial load.
func DecodeGame(raw json.RawMessage) Decoded[model.Game] {
	f, err := parseFields(raw)
	if err != nil {
		return decodeFail[model.Game](remote.TableGames, "%v", err)
	}

	id, ok := f.str("id")
	if !ok || id == "" {
		return decodeFail[model.Game](remote.TableGames, "missing id")
	}

	patch := DecodeGamePatch(raw)
	if !patch.OK() {
		return Decoded[model.Game]{Err: patch.Err}
	}

	g := model.Game{ID: id, Phase: model.PhaseWaiting, Players: []model.Player{}}
	code, _ := f.str("room_code")
	g.RoomCode = model.NormalizeRoomCode(code)
	g.GameMasterID, _ = f.str("game_master_id")
	if patch.Value.Phase != nil {
		g.Phase = *patch.Value.Phase
	}
	if patch.Value.CurrentNight != nil {
		g.CurrentNight = *patch.Value.CurrentNight
	}
	if patch.Value.Settings != nil {
		g.Settings = *patch.Value.Settings
	}
	if patch.Value.UpdatedAt != nil {
		g.UpdatedAt = *patch.Value.UpdatedAt
	}
	g.CreatedAt, _ = f.timestamp("created_at")

	return Decoded[model.Game]{Value: g}
}

// DecodeAction decodes a game_actions row. Unknown action types decode fine;
// the sync engine ignores them.
func DecodeAction(raw json.RawMessage) Decoded[model.GameAction] {
	f, err := parseFields(raw)
	if err != nil {
		return decodeFail[model.GameAction](remote.TableActions, "%v", err)
	}

	typ, ok := f.str("action_type")
	if !ok || typ == "" {
		return decodeFail[model.GameAction](remote.TableActions, "missing action_type")
	}

	a := model.GameAction{ActionType: model.ActionType(strings.ToLower(typ))}
	a.ID, _ = f.str("id")
	a.GameID, _ = f.str("game_id")
	a.PlayerID, _ = f.str("player_id")
	a.TargetID, _ = f.str("target_id")
	a.CreatedAt, _ = f.timestamp("created_at")
	if obj, ok := f.object("action_data"); ok {
		a.ActionData = obj
	}

	return Decoded[model.GameAction]{Value: a}
}

func decodeRow[T any](row any, decode func(json.RawMessage) Decoded[T]) Decoded[T] {
	raw, err := json.Marshal(row)
	if err != nil {
		return Decoded[T]{Err: err}
	}
	return decode(raw)
}

// GameFromRows assembles the full game from its games row and players rows,
// dropping any player row that does not decode.
func GameFromRows(row remote.GameRow, players []remote.PlayerRow) (*model.Game, error) {
	dg := decodeRow(row, DecodeGame)
	if !dg.OK() {
		return nil, dg.Err
	}
	g := dg.Value
	for _, pr := range players {
		dp := decodeRow(pr, DecodePlayer)
		if !dp.OK() {
			continue
		}
		g.Players = append(g.Players, dp.Value)
	}
	return &g, nil
}

func ActionFromRow(row remote.ActionRow) Decoded[model.GameAction] {
	return decodeRow(row, DecodeAction)
}
