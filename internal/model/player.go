package model

import "strings"

type Role string

const (
	RoleVillager   Role = "villager"
	RoleWerewolf   Role = "werewolf"
	RoleSeer       Role = "seer"
	RoleHunter     Role = "hunter"
	RoleCupid      Role = "cupid"
	RoleWitch      Role = "witch"
	RoleLittleGirl Role = "little-girl"
	RoleCaptain    Role = "captain"
	RoleThief      Role = "thief"
)

var knownRoles = []Role{
	RoleVillager,
	RoleWerewolf,
	RoleSeer,
	RoleHunter,
	RoleCupid,
	RoleWitch,
	RoleLittleGirl,
	RoleCaptain,
	RoleThief,
}

func KnownRoles() []Role {
	return append([]Role(nil), knownRoles...)
}

// ParseRole accepts any casing and either '-' or '_' as separator.
func ParseRole(s string) (Role, bool) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, r := range knownRoles {
		if string(r) == norm {
			return r, true
		}
	}
	return "", false
}

type Status string

const (
	StatusAlive      Status = "alive"
	StatusEliminated Status = "eliminated"
)

// ParseStatus maps the "dead" display label onto eliminated.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "alive":
		return StatusAlive, true
	case "eliminated", "dead":
		return StatusEliminated, true
	}
	return "", false
}

// DisplayLabel is what a UI may print; "dead" is only ever a label.
func (s Status) DisplayLabel() string {
	if s == StatusEliminated {
		return "dead"
	}
	return string(s)
}

type Player struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Role           Role   `json:"role"`
	Status         Status `json:"status"`
	IsGameMaster   bool   `json:"isGameMaster"`
	IsLover        bool   `json:"isLover"`
	LoverID        string `json:"loverId,omitempty"`
	HasUsedAbility bool   `json:"hasUsedAbility"`
	VoteTarget     string `json:"voteTarget,omitempty"`
}

// PlayerPatch carries the optional fields of a single-player update. Nil
// fields are left untouched.
type PlayerPatch struct {
	Name           *string `json:"name,omitempty"`
	Role           *Role   `json:"role,omitempty"`
	IsLover        *bool   `json:"isLover,omitempty"`
	LoverID        *string `json:"loverId,omitempty"`
	HasUsedAbility *bool   `json:"hasUsedAbility,omitempty"`
	VoteTarget     *string `json:"voteTarget,omitempty"`
}

func (pp PlayerPatch) Apply(p *Player) {
	if pp.Name != nil {
		p.Name = *pp.Name
	}
	if pp.Role != nil {
		p.Role = *pp.Role
	}
	if pp.IsLover != nil {
		p.IsLover = *pp.IsLover
	}
	if pp.LoverID != nil {
		p.LoverID = *pp.LoverID
	}
	if pp.HasUsedAbility != nil {
		p.HasUsedAbility = *pp.HasUsedAbility
	}
	if pp.VoteTarget != nil {
		p.VoteTarget = *pp.VoteTarget
	}
}
