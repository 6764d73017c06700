package model

import (
	"fmt"
	"strings"
)

const (
	MinSupportedPlayers = 4
	MaxSupportedPlayers = 18
)

// ValidationError is reported synchronously and aborts the operation without
// any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateRoleCounts accepts iff the counts add up to playerCount.
func ValidateRoleCounts(roleCounts map[Role]int, playerCount int) error {
	sum := 0
	for role, n := range roleCounts {
		if n < 0 {
			return invalid("roleCounts", "negative count %d for %s", n, role)
		}
		sum += n
	}
	if sum != playerCount {
		return invalid("roleCounts", "roles add up to %d but there are %d players", sum, playerCount)
	}
	return nil
}

// ValidateNewGame checks the settings requested for a new game.
func ValidateNewGame(roleCounts map[Role]int, playerCount int) error {
	if playerCount < MinSupportedPlayers || playerCount > MaxSupportedPlayers {
		return invalid("playerCount", "must be between %d and %d, got %d",
			MinSupportedPlayers, MaxSupportedPlayers, playerCount)
	}
	for role := range roleCounts {
		if _, ok := ParseRole(string(role)); !ok {
			return invalid("roleCounts", "unknown role %q", role)
		}
	}
	if roleCounts[RoleWerewolf] < 1 {
		return invalid("roleCounts", "at least one werewolf is required")
	}
	return ValidateRoleCounts(roleCounts, playerCount)
}

func ValidatePlayerName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalid("name", "must not be empty")
	}
	return nil
}

func ValidateRoomCode(code string) error {
	code = NormalizeRoomCode(code)
	if len(code) != RoomCodeLength {
		return invalid("roomCode", "must be %d characters", RoomCodeLength)
	}
	for _, c := range code {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return invalid("roomCode", "unexpected character %q", c)
		}
	}
	return nil
}
