package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"werewolf-session/internal/model"
	"werewolf-session/internal/remote"
	"werewolf-session/internal/storage"
)

type backupFixture struct {
	b     *BackupManager
	store *Store
	local *storage.MemoryStorage
	now   time.Time
}

func newBackupFixture(cfg Config) *backupFixture {
	f := &backupFixture{
		store: newFixtureStore(),
		local: storage.NewMemoryStorage(),
		now:   time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC),
	}
	f.b = NewBackupManager(cfg, f.store, f.local, remote.NewMemoryStore())
	f.b.now = func() time.Time { return f.now }
	return f
}

func (f *backupFixture) eliminate(t *testing.T, id string) {
	t.Helper()
	if _, err := f.store.UpdatePlayerStatus(id, model.StatusEliminated, nil); err != nil {
		t.Fatalf("eliminate %s: %v", id, err)
	}
}

func TestRestoreFromBackup_Freshness(t *testing.T) {
	f := newBackupFixture(testConfig())
	ctx := context.Background()

	if _, err := f.b.BackupNow(ctx); err != nil {
		t.Fatalf("backup: %v", err)
	}
	f.eliminate(t, "P3")

	f.now = f.now.Add(4 * time.Minute)
	restored, err := f.b.RestoreFromBackup(ctx)
	if err != nil || !restored {
		t.Fatalf("4 minute old backup: restored=%v err=%v", restored, err)
	}
	if got := findPlayer(t, f.store.CurrentGame(), "P3").Status; got != model.StatusAlive {
		t.Fatalf("backup not applied, P3 is %s", got)
	}

	f.eliminate(t, "P3")
	f.now = f.now.Add(2 * time.Minute)
	restored, err = f.b.RestoreFromBackup(ctx)
	if !errors.Is(err, ErrBackupStale) || restored {
		t.Fatalf("6 minute old backup: restored=%v err=%v", restored, err)
	}
	if got := findPlayer(t, f.store.CurrentGame(), "P3").Status; got != model.StatusEliminated {
		t.Fatalf("stale backup was applied")
	}
}

func TestRestoreFromBackup_DiscardsOtherVersion(t *testing.T) {
	f := newBackupFixture(testConfig())
	ctx := context.Background()

	snap := model.NewSnapshot(fixtureGame(), f.now)
	snap.Version = model.SnapshotVersion + 1
	if err := f.local.Set(ctx, snapshotKey("ABCDEF"), mustMarshal(snap)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	restored, err := f.b.RestoreFromBackup(ctx)
	if !errors.Is(err, ErrSnapshotVersion) || restored {
		t.Fatalf("restored=%v err=%v, want ErrSnapshotVersion", restored, err)
	}
	if _, err := f.local.Get(ctx, snapshotKey("ABCDEF")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unsupported snapshot was kept: %v", err)
	}
}

func TestRestoreFromBackup_Missing(t *testing.T) {
	f := newBackupFixture(testConfig())

	if _, err := f.b.RestoreFromBackup(context.Background()); !errors.Is(err, ErrNoBackup) {
		t.Fatalf("want ErrNoBackup, got %v", err)
	}

	f.store.Reset()
	if _, err := f.b.RestoreFromBackup(context.Background()); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("want ErrNoRoom, got %v", err)
	}
}

func TestBackupNow_Prunes(t *testing.T) {
	cfg := testConfig()
	cfg.BackupRetain = 3
	cfg.BackupMaxAge = time.Hour
	f := newBackupFixture(cfg)
	ctx := context.Background()

	ancient := backupKey("ABCDEF", f.now.Add(-2*time.Hour))
	if err := f.local.Set(ctx, ancient, mustMarshal(model.NewSnapshot(fixtureGame(), f.now))); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var keys []string
	for i := 0; i < 5; i++ {
		key, err := f.b.BackupNow(ctx)
		if err != nil {
			t.Fatalf("backup #%d: %v", i+1, err)
		}
		keys = append(keys, key)
		f.now = f.now.Add(time.Second)
	}

	list, err := f.b.ListBackups(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("want 3 retained backups, got %d: %+v", len(list), list)
	}
	for i, info := range list {
		if want := keys[len(keys)-1-i]; info.Key != want {
			t.Fatalf("backup #%d = %s, want %s", i, info.Key, want)
		}
		if i > 0 && !info.TakenAt.Before(list[i-1].TakenAt) {
			t.Fatalf("backups not listed newest first")
		}
	}
	if _, err := f.local.Get(ctx, ancient); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("backup older than the max age survived")
	}
}

func TestRestoreBackup(t *testing.T) {
	f := newBackupFixture(testConfig())
	ctx := context.Background()

	key, err := f.b.BackupNow(ctx)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	f.eliminate(t, "P2")

	// Listed backups restore regardless of age.
	f.now = f.now.Add(48 * time.Hour)
	if err := f.b.RestoreBackup(ctx, key); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := findPlayer(t, f.store.CurrentGame(), "P2").Status; got != model.StatusAlive {
		t.Fatalf("backup not applied, P2 is %s", got)
	}

	if err := f.b.RestoreBackup(ctx, "game-backup-ZZZZZZ-0000000000001"); !errors.Is(err, ErrSnapshotRoom) {
		t.Fatalf("want ErrSnapshotRoom, got %v", err)
	}
	if err := f.b.RestoreBackup(ctx, backupKey("ABCDEF", f.now)); !errors.Is(err, ErrNoBackup) {
		t.Fatalf("want ErrNoBackup, got %v", err)
	}
}

func TestExportImport(t *testing.T) {
	f := newBackupFixture(testConfig())
	ctx := context.Background()

	var buf bytes.Buffer
	if err := f.b.Export(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil || doc["version"] != float64(model.SnapshotVersion) {
		t.Fatalf("export is not a versioned snapshot: %s", buf.String())
	}

	f.eliminate(t, "P1")
	if err := f.b.Import(ctx, strings.NewReader(buf.String())); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := findPlayer(t, f.store.CurrentGame(), "P1").Status; got != model.StatusAlive {
		t.Fatalf("import not applied, P1 is %s", got)
	}
	if _, err := f.local.Get(ctx, snapshotKey("ABCDEF")); err != nil {
		t.Fatalf("imported snapshot not kept: %v", err)
	}

	if err := f.b.Import(ctx, strings.NewReader(`{"version":0}`)); !errors.Is(err, ErrSnapshotVersion) {
		t.Fatalf("want ErrSnapshotVersion, got %v", err)
	}
}

func countActions(t *testing.T, rs *remote.MemoryStore, types ...model.ActionType) int {
	t.Helper()
	rows, err := rs.ListActions(context.Background(), "g1", time.Time{})
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	n := 0
	for _, r := range rows {
		for _, typ := range types {
			if r.ActionType == string(typ) {
				n++
			}
		}
	}
	return n
}

func TestAudit_FollowsConfig(t *testing.T) {
	for _, audit := range []bool{true, false} {
		cfg := testConfig()
		cfg.BackupAudit = audit
		rs := seededRemote(t)
		b := NewBackupManager(cfg, newFixtureStore(), storage.NewMemoryStorage(), rs)
		ctx := context.Background()

		key, err := b.BackupNow(ctx)
		if err != nil {
			t.Fatalf("backup: %v", err)
		}
		if _, err := b.RestoreFromBackup(ctx); err != nil {
			t.Fatalf("restore from backup: %v", err)
		}
		if err := b.RestoreBackup(ctx, key); err != nil {
			t.Fatalf("restore %s: %v", key, err)
		}
		var buf bytes.Buffer
		if err := b.Export(&buf); err != nil {
			t.Fatalf("export: %v", err)
		}
		if err := b.Import(ctx, &buf); err != nil {
			t.Fatalf("import: %v", err)
		}

		backups := countActions(t, rs, model.ActionStateBackup)
		restores := countActions(t, rs, model.ActionStateRestore)
		if audit && (backups != 1 || restores != 3) {
			t.Fatalf("audit on: %d backup and %d restore rows, want 1 and 3", backups, restores)
		}
		if !audit && backups+restores != 0 {
			t.Fatalf("audit off: %d backup and %d restore rows written", backups, restores)
		}
	}
}
