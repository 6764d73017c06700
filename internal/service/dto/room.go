package dto

import "werewolf-session/internal/model"

type CreateGameRequest struct {
	PlayerCount int                `json:"player_count"`
	RoleCounts  map[model.Role]int `json:"role_counts"`
	MasterName  string             `json:"master_name"`
}

type CreateGameResponse struct {
	RoomCode string       `json:"room_code"`
	Master   model.Player `json:"master"`
	Game     *model.Game  `json:"game"`
}

// Joining by player_id rejoins as that player; otherwise a player with the
// same name is reused, and only then is a new player added.
type JoinGameRequest struct {
	RoomCode string `json:"room_code"`
	Name     string `json:"name"`
	PlayerID string `json:"player_id,omitempty"`
}

type JoinGameResponse struct {
	SessionID string       `json:"session_id"`
	Player    model.Player `json:"player"`
	Game      *model.Game  `json:"game"`
}

type GameStateResponse struct {
	Game   *model.Game   `json:"game"`
	Player *model.Player `json:"player,omitempty"`
	// Set only while the store holds a surfaced error.
	Error string `json:"error,omitempty"`
}
