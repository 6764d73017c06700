package model

import (
	"errors"
	"testing"
	"testing/quick"
)

func TestValidateRoleCounts_AcceptsIffSumMatches(t *testing.T) {
	property := func(wolves, villagers, seers uint8, playerCount uint8) bool {
		counts := map[Role]int{
			RoleWerewolf: int(wolves),
			RoleVillager: int(villagers),
			RoleSeer:     int(seers),
		}
		sum := int(wolves) + int(villagers) + int(seers)

		err := ValidateRoleCounts(counts, int(playerCount))
		return (err == nil) == (sum == int(playerCount))
	}

	if err := quick.Check(property, nil); err != nil {
		t.Fatalf("role-count property failed: %v", err)
	}
}

func TestValidateRoleCounts_ExactMatch(t *testing.T) {
	counts := map[Role]int{RoleWerewolf: 2, RoleVillager: 6}

	if err := ValidateRoleCounts(counts, 8); err != nil {
		t.Fatalf("8 roles for 8 players should pass, got: %v", err)
	}

	err := ValidateRoleCounts(counts, 9)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("want ValidationError, got %T (%v)", err, err)
	}
	if vErr.Field != "roleCounts" {
		t.Fatalf("want field roleCounts, got %q", vErr.Field)
	}
}

func TestValidateNewGame(t *testing.T) {
	cases := []struct {
		name   string
		counts map[Role]int
		total  int
		ok     bool
	}{
		{"classic eight", map[Role]int{RoleWerewolf: 2, RoleVillager: 6}, 8, true},
		{"too few players", map[Role]int{RoleWerewolf: 1, RoleVillager: 2}, 3, false},
		{"too many players", map[Role]int{RoleWerewolf: 4, RoleVillager: 15}, 19, false},
		{"no werewolf", map[Role]int{RoleVillager: 6}, 6, false},
		{"unknown role", map[Role]int{RoleWerewolf: 1, "jester": 4}, 5, false},
		{"sum mismatch", map[Role]int{RoleWerewolf: 1, RoleVillager: 4}, 6, false},
	}

	for _, tc := range cases {
		err := ValidateNewGame(tc.counts, tc.total)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: want ok=%v, got err=%v", tc.name, tc.ok, err)
		}
	}
}

func TestNewGameSettings_DerivesFlags(t *testing.T) {
	s := NewGameSettings(map[Role]int{RoleWerewolf: 2, RoleCupid: 1, RoleVillager: 5, RoleWitch: 0})

	if s.MinPlayers != 8 || s.MaxPlayers != 8 {
		t.Fatalf("want min=max=8, got %d/%d", s.MinPlayers, s.MaxPlayers)
	}
	if !s.LoversEnabled {
		t.Fatalf("cupid present, lovers should be enabled")
	}
	if s.WitchEnabled {
		t.Fatalf("witch count is zero, witch should be disabled")
	}
	if _, ok := s.RoleCounts[RoleWitch]; ok {
		t.Fatalf("zero counts should be dropped from the role multiset")
	}
}

func TestRoleDeck_ExpandsMultiset(t *testing.T) {
	s := NewGameSettings(map[Role]int{RoleWerewolf: 2, RoleVillager: 3, RoleSeer: 1})
	deck := s.RoleDeck()

	if len(deck) != 6 {
		t.Fatalf("want 6 cards, got %d", len(deck))
	}

	seen := make(map[Role]int)
	for _, r := range deck {
		seen[r]++
	}
	for role, n := range s.RoleCounts {
		if seen[role] != n {
			t.Fatalf("role %s: want %d cards, got %d", role, n, seen[role])
		}
	}
}

func TestParseStatus_DeadIsEliminated(t *testing.T) {
	st, ok := ParseStatus("DEAD")
	if !ok || st != StatusEliminated {
		t.Fatalf("dead should map to eliminated, got %q ok=%v", st, ok)
	}
	if StatusEliminated.DisplayLabel() != "dead" {
		t.Fatalf("eliminated should display as dead")
	}
	if _, ok := ParseStatus("zombie"); ok {
		t.Fatalf("unknown status should not parse")
	}
}

func TestParseRole_Casing(t *testing.T) {
	for _, in := range []string{"little_girl", "Little-Girl", " LITTLE-GIRL "} {
		r, ok := ParseRole(in)
		if !ok || r != RoleLittleGirl {
			t.Fatalf("%q: want little-girl, got %q ok=%v", in, r, ok)
		}
	}
}

func TestRoomCode(t *testing.T) {
	code := GenerateRoomCode()
	if err := ValidateRoomCode(code); err != nil {
		t.Fatalf("generated code %q should validate: %v", code, err)
	}
	if NormalizeRoomCode(" ab12cd ") != "AB12CD" {
		t.Fatalf("room codes should normalize to upper case")
	}
	if err := ValidateRoomCode("ab-1cd"); err == nil {
		t.Fatalf("punctuation should be rejected")
	}
}

func TestGameClone_IsDeep(t *testing.T) {
	g := &Game{
		ID:       "g1",
		Players:  []Player{{ID: "p1", Status: StatusAlive}},
		Settings: NewGameSettings(map[Role]int{RoleWerewolf: 1, RoleVillager: 3}),
	}

	c := g.Clone()
	c.Players[0].Status = StatusEliminated
	c.Settings.RoleCounts[RoleWerewolf] = 9

	if g.Players[0].Status != StatusAlive {
		t.Fatalf("clone shares players with the original")
	}
	if g.Settings.RoleCounts[RoleWerewolf] != 1 {
		t.Fatalf("clone shares role counts with the original")
	}
}
