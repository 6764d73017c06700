package dto

import (
	"time"

	"werewolf-session/internal/model"
)

// PlayerView is a roster entry as the UI shows it, with presence merged in.
type PlayerView struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Role         model.Role   `json:"role"`
	Status       model.Status `json:"status"`
	StatusLabel  string       `json:"status_label"`
	IsGameMaster bool         `json:"is_game_master"`
	Connected    bool         `json:"connected"`
	LastSeen     time.Time    `json:"last_seen,omitempty"`
}

type RosterResponse struct {
	Players []PlayerView `json:"players"`
	// alive participants; the game master is never counted
	Alive int `json:"alive"`
}
