package dto

import (
	"time"

	"werewolf-session/internal/model"
)

type VoteRequest struct {
	TargetID string `json:"target_id"`
}

type NightActionRequest struct {
	TargetID string                `json:"target_id"`
	Action   model.NightActionData `json:"action"`
}

type PhaseChangeRequest struct {
	Phase model.Phase `json:"phase"`
}

type EliminateRequest struct {
	PlayerID string `json:"player_id"`
}

type RevealRoleRequest struct {
	PlayerID string     `json:"player_id"`
	Role     model.Role `json:"role"`
}

type PhaseChangeResponse struct {
	Phase model.Phase `json:"phase"`
}

type ProbeResponse struct {
	Latency time.Duration `json:"latency"`
}

type ReplayResponse struct {
	Applied int `json:"applied"`
}

type BackupResponse struct {
	Key string `json:"key"`
}

type RestoreBackupRequest struct {
	Key string `json:"key"`
}
