package postgres

import (
	"strings"
	"testing"

	"werewolf-session/internal/remote"
)

func TestBuildSet_StableOrder(t *testing.T) {
	set, args := buildSet(remote.Patch{"status": "eliminated", "role": "seer"}, "p1")

	if got := strings.Join(set, ", "); got != "role = $2, status = $3" {
		t.Fatalf("unexpected SET clause: %s", got)
	}
	if len(args) != 3 || args[0] != "p1" || args[1] != "seer" || args[2] != "eliminated" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("unexpected quoting: %s", got)
	}
}

func TestSchemaDeclaresAllTables(t *testing.T) {
	for _, table := range []remote.Table{remote.TableGames, remote.TablePlayers, remote.TableActions} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+string(table)) {
			t.Fatalf("schema is missing table %s", table)
		}
	}
}
