// Package remote describes the remote store the session layer talks to: row
// CRUD over games, players and game_actions plus a change feed per
// (table, filter) pair.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("remote: not found")
	ErrConflict     = errors.New("remote: conflict")
	ErrClosed       = errors.New("remote: store closed")
	ErrUnknownField = errors.New("remote: unknown column")
)

type Table string

const (
	TableGames   Table = "games"
	TablePlayers Table = "players"
	TableActions Table = "game_actions"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row-level change. New and Old are the raw rows as the
// store serializes them; consumers must decode them defensively.
type ChangeEvent struct {
	Table Table           `json:"table"`
	Type  EventType       `json:"type"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Filter is an equality filter on one column. The zero Filter matches
// everything.
type Filter struct {
	Column string
	Value  string
}

func Eq(column, value string) Filter {
	return Filter{Column: column, Value: value}
}

func (f Filter) String() string {
	if f.Column == "" {
		return "*"
	}
	return fmt.Sprintf("%s=eq.%s", f.Column, f.Value)
}

// Matches reports whether the event's row (New, or Old for deletes) passes
// the filter. Values compare case-insensitively so room codes match however
// they were typed.
func (f Filter) Matches(ev ChangeEvent) bool {
	if f.Column == "" {
		return true
	}
	raw := ev.New
	if len(raw) == 0 {
		raw = ev.Old
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return false
	}
	v, ok := row[f.Column]
	if !ok || v == nil {
		return false
	}
	return strings.EqualFold(fmt.Sprint(v), f.Value)
}

// Subscription delivers change events in the store's commit order. Errors()
// yields at most one error, after which the subscription is dead and must be
// closed and reopened.
type Subscription interface {
	Events() <-chan ChangeEvent
	Errors() <-chan error
	Close() error
}

// Patch maps column names to new values. A nil value writes NULL.
type Patch map[string]any

type GameRow struct {
	ID           string          `json:"id" db:"id"`
	RoomCode     string          `json:"room_code" db:"room_code"`
	Phase        string          `json:"phase" db:"phase"`
	CurrentNight int             `json:"current_night" db:"current_night"`
	GameSettings json.RawMessage `json:"game_settings" db:"game_settings"`
	GameMasterID *string         `json:"game_master_id" db:"game_master_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

type PlayerRow struct {
	ID             string  `json:"id" db:"id"`
	GameID         string  `json:"game_id" db:"game_id"`
	Name           string  `json:"name" db:"name"`
	Role           *string `json:"role" db:"role"`
	Status         string  `json:"status" db:"status"`
	IsGameMaster   bool    `json:"is_game_master" db:"is_game_master"`
	IsLover        bool    `json:"is_lover" db:"is_lover"`
	LoverID        *string `json:"lover_id" db:"lover_id"`
	HasUsedAbility bool    `json:"has_used_ability" db:"has_used_ability"`
	VoteTarget     *string `json:"vote_target" db:"vote_target"`
}

type ActionRow struct {
	ID         string          `json:"id" db:"id"`
	GameID     string          `json:"game_id" db:"game_id"`
	ActionType string          `json:"action_type" db:"action_type"`
	PlayerID   string          `json:"player_id" db:"player_id"`
	TargetID   *string         `json:"target_id" db:"target_id"`
	ActionData json.RawMessage `json:"action_data" db:"action_data"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Updatable columns per table. Anything else in a Patch is rejected.
var (
	GameColumns   = []string{"phase", "current_night", "game_master_id"}
	PlayerColumns = []string{"name", "role", "status", "is_lover", "lover_id", "has_used_ability", "vote_target"}
)

func CheckPatch(p Patch, allowed []string) error {
	for col := range p {
		ok := false
		for _, a := range allowed {
			if a == col {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownField, col)
		}
	}
	return nil
}

// Store is the remote store contract.
type Store interface {
	CreateGame(ctx context.Context, row GameRow) (GameRow, error)
	GameByRoomCode(ctx context.Context, roomCode string) (GameRow, error)
	UpdateGame(ctx context.Context, gameID string, patch Patch) error

	ListPlayers(ctx context.Context, gameID string) ([]PlayerRow, error)
	InsertPlayer(ctx context.Context, row PlayerRow) (PlayerRow, error)
	UpdatePlayer(ctx context.Context, playerID string, patch Patch) error
	DeletePlayer(ctx context.Context, playerID string) error

	InsertAction(ctx context.Context, row ActionRow) (ActionRow, error)
	ListActions(ctx context.Context, gameID string, since time.Time) ([]ActionRow, error)

	Subscribe(ctx context.Context, table Table, filter Filter) (Subscription, error)

	Close() error
}

// StrPtr is a convenience for nullable text columns; empty means NULL.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
