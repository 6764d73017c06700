package model

import (
	"sort"
	"time"
)

// A game cycles through these phases. Waiting is the lobby, preparation is
// the short period after roles are dealt, then night/day/voting repeat until
// the game master ends the game.
type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhasePreparation Phase = "preparation"
	PhaseNight       Phase = "night"
	PhaseDay         Phase = "day"
	PhaseVoting      Phase = "voting"
	PhaseEnded       Phase = "ended"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseWaiting, PhasePreparation, PhaseNight, PhaseDay, PhaseVoting, PhaseEnded:
		return true
	}
	return false
}

// GameSettings is fixed once the game is created.
type GameSettings struct {
	RoleCounts map[Role]int `json:"roleCounts"`
	MinPlayers int          `json:"minPlayers"`
	MaxPlayers int          `json:"maxPlayers"`

	LoversEnabled     bool `json:"loversEnabled"`
	WitchEnabled      bool `json:"witchEnabled"`
	SeerEnabled       bool `json:"seerEnabled"`
	HunterEnabled     bool `json:"hunterEnabled"`
	LittleGirlEnabled bool `json:"littleGirlEnabled"`
	CaptainEnabled    bool `json:"captainEnabled"`
	ThiefEnabled      bool `json:"thiefEnabled"`
}

// NewGameSettings derives player bounds and feature flags from the role counts.
func NewGameSettings(roleCounts map[Role]int) GameSettings {
	counts := make(map[Role]int, len(roleCounts))
	total := 0
	for role, n := range roleCounts {
		if n == 0 {
			continue
		}
		counts[role] = n
		total += n
	}

	return GameSettings{
		RoleCounts:        counts,
		MinPlayers:        total,
		MaxPlayers:        total,
		LoversEnabled:     counts[RoleCupid] > 0,
		WitchEnabled:      counts[RoleWitch] > 0,
		SeerEnabled:       counts[RoleSeer] > 0,
		HunterEnabled:     counts[RoleHunter] > 0,
		LittleGirlEnabled: counts[RoleLittleGirl] > 0,
		CaptainEnabled:    counts[RoleCaptain] > 0,
		ThiefEnabled:      counts[RoleThief] > 0,
	}
}

// TotalRoles is the size of the role multiset.
func (s GameSettings) TotalRoles() int {
	total := 0
	for _, n := range s.RoleCounts {
		total += n
	}
	return total
}

// RoleDeck expands the role multiset into a slice in a stable order, ready to
// be shuffled.
func (s GameSettings) RoleDeck() []Role {
	roles := make([]Role, 0, len(s.RoleCounts))
	for role := range s.RoleCounts {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	deck := make([]Role, 0, s.TotalRoles())
	for _, role := range roles {
		for i := 0; i < s.RoleCounts[role]; i++ {
			deck = append(deck, role)
		}
	}
	return deck
}

func (s GameSettings) Clone() GameSettings {
	out := s
	if s.RoleCounts != nil {
		out.RoleCounts = make(map[Role]int, len(s.RoleCounts))
		for role, n := range s.RoleCounts {
			out.RoleCounts[role] = n
		}
	}
	return out
}

type Game struct {
	ID           string       `json:"id"`
	RoomCode     string       `json:"roomCode"`
	Phase        Phase        `json:"phase"`
	Players      []Player     `json:"players"`
	GameMasterID string       `json:"gameMasterId"`
	CurrentNight int          `json:"currentNight"`
	Settings     GameSettings `json:"gameSettings"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Clone returns a deep copy; callers outside the state store only ever see
// clones.
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	out := *g
	out.Settings = g.Settings.Clone()
	if g.Players != nil {
		out.Players = make([]Player, len(g.Players))
		copy(out.Players, g.Players)
	}
	return &out
}

func (g *Game) FindPlayer(playerID string) (int, bool) {
	for i := range g.Players {
		if g.Players[i].ID == playerID {
			return i, true
		}
	}
	return -1, false
}

func (g *Game) GameMaster() *Player {
	for i := range g.Players {
		if g.Players[i].IsGameMaster {
			return &g.Players[i]
		}
	}
	return nil
}

// Participants are the players that receive a role: everyone but the game
// master.
func (g *Game) Participants() []Player {
	out := make([]Player, 0, len(g.Players))
	for _, p := range g.Players {
		if !p.IsGameMaster {
			out = append(out, p)
		}
	}
	return out
}

// CountAlive counts alive participants, leaving out the game master.
func (g *Game) CountAlive() int {
	n := 0
	for _, p := range g.Players {
		if !p.IsGameMaster && p.Status == StatusAlive {
			n++
		}
	}
	return n
}
