package model

import (
	"encoding/json"
	"time"
)

type ActionType string

const (
	ActionVote              ActionType = "vote"
	ActionAbilityUse        ActionType = "ability_use"
	ActionPhaseChange       ActionType = "phase_change"
	ActionPlayerElimination ActionType = "player_elimination"
	ActionRoleReveal        ActionType = "role_reveal"
	ActionGameStart         ActionType = "game_start"
	ActionHeartbeat         ActionType = "heartbeat"
	ActionPing              ActionType = "ping"
	ActionStateBackup       ActionType = "state_backup"
	ActionStateRestore      ActionType = "state_restore"
)

// SystemPlayerID marks actions issued by the game master's automation.
const SystemPlayerID = "system"

// GameAction is an immutable entry of the game_actions log. CreatedAt is
// assigned by the remote store and is the only ordering key.
type GameAction struct {
	ID         string          `json:"id"`
	GameID     string          `json:"gameId"`
	ActionType ActionType      `json:"actionType"`
	PlayerID   string          `json:"playerId"`
	TargetID   string          `json:"targetId,omitempty"`
	ActionData json.RawMessage `json:"actionData,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// PhaseChangeData is the action_data of game_start and phase_change actions.
type PhaseChangeData struct {
	Phase        Phase `json:"phase"`
	CurrentNight *int  `json:"currentNight,omitempty"`
}

// RoleAssignment is one dealt role.
type RoleAssignment struct {
	PlayerID string `json:"playerId"`
	Role     Role   `json:"role"`
}

// GameStartData is the action_data of game_start actions. It carries the
// whole deal so the log alone can rebuild a started game.
type GameStartData struct {
	PhaseChangeData
	Roles []RoleAssignment `json:"roles,omitempty"`
}

type RoleRevealData struct {
	Role Role `json:"role"`
}

// NightActionData is the action_data of ability_use actions.
type NightActionData struct {
	Ability string          `json:"ability"`
	Night   int             `json:"night"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}
