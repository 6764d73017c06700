package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"werewolf-session/internal/model"
	"werewolf-session/internal/remote"
	"werewolf-session/internal/storage"

	"go.uber.org/zap"
)

const (
	snapshotKeyPrefix = "game-snapshot-"
	backupKeyPrefix   = "game-backup-"
)

func snapshotKey(roomCode string) string {
	return snapshotKeyPrefix + roomCode
}

func backupPrefix(roomCode string) string {
	return backupKeyPrefix + roomCode + "-"
}

// Millisecond timestamps are zero-padded so that key order is time order.
func backupKey(roomCode string, at time.Time) string {
	return fmt.Sprintf("%s%013d", backupPrefix(roomCode), at.UnixMilli())
}

func backupTime(key string) (time.Time, bool) {
	i := strings.LastIndexByte(key, '-')
	if i < 0 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

type BackupInfo struct {
	Key     string    `json:"key"`
	TakenAt time.Time `json:"takenAt"`
}

// BackupManager keeps recent local snapshots of the game. Snapshots are
// disposable: they are only ever restored into the State Store and never
// written back to the remote tables.
type BackupManager struct {
	cfg    Config
	store  *Store
	local  storage.Storage
	remote remote.Store
	now    func() time.Time

	mu   sync.Mutex
	tick *loop
}

func NewBackupManager(cfg Config, store *Store, local storage.Storage, rs remote.Store) *BackupManager {
	return &BackupManager{cfg: cfg, store: store, local: local, remote: rs, now: time.Now}
}

// Start begins the periodic backup. Ticks without a loaded game are skipped.
func (b *BackupManager) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tick != nil || b.cfg.BackupInterval <= 0 {
		return
	}
	b.tick = startLoop(func(ctx context.Context) {
		every(ctx, b.cfg.BackupInterval, func(ctx context.Context) {
			if b.store.GameID() == "" {
				return
			}
			if _, err := b.BackupNow(ctx); err != nil {
				zap.L().Warn("periodic backup failed", zap.Error(err))
			}
		})
	})
}

func (b *BackupManager) Stop() {
	b.mu.Lock()
	tick := b.tick
	b.tick = nil
	b.mu.Unlock()

	tick.stop()
}

// BackupNow writes the current game as both the latest snapshot and a new
// retained backup, then prunes old backups.
func (b *BackupManager) BackupNow(ctx context.Context) (string, error) {
	snap, err := b.store.GetGameStateSnapshot()
	if err != nil {
		return "", err
	}
	snap.UpdatedAt = b.now()

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := b.local.Set(ctx, snapshotKey(snap.RoomCode), data); err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	key := backupKey(snap.RoomCode, snap.UpdatedAt)
	if err := b.local.Set(ctx, key, data); err != nil {
		return "", fmt.Errorf("save backup: %w", err)
	}

	if err := b.prune(ctx, snap.RoomCode); err != nil {
		zap.L().Warn("failed to prune backups", zap.String("room_code", snap.RoomCode), zap.Error(err))
	}

	b.audit(ctx, model.ActionStateBackup, key)

	zap.L().Debug("game state backed up", zap.String("room_code", snap.RoomCode), zap.String("key", key))

	return key, nil
}

// prune keeps at most BackupRetain backups, dropping the oldest first, and
// drops any backup older than BackupMaxAge.
func (b *BackupManager) prune(ctx context.Context, roomCode string) error {
	keys, err := b.local.Keys(ctx, backupPrefix(roomCode))
	if err != nil {
		return err
	}

	now := b.now()
	var drop []string
	var keep []string
	for _, key := range keys {
		at, ok := backupTime(key)
		if !ok || (b.cfg.BackupMaxAge > 0 && now.Sub(at) > b.cfg.BackupMaxAge) {
			drop = append(drop, key)
			continue
		}
		keep = append(keep, key)
	}
	if b.cfg.BackupRetain > 0 && len(keep) > b.cfg.BackupRetain {
		drop = append(drop, keep[:len(keep)-b.cfg.BackupRetain]...)
	}

	for _, key := range drop {
		if err := b.local.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *BackupManager) load(ctx context.Context, key string) (model.Snapshot, error) {
	data, err := b.local.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Snapshot{}, ErrNoBackup
		}
		return model.Snapshot{}, err
	}
	return decodeSnapshot(data)
}

func decodeSnapshot(data []byte) (model.Snapshot, error) {
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != model.SnapshotVersion {
		return model.Snapshot{}, fmt.Errorf("%w: %d", ErrSnapshotVersion, snap.Version)
	}
	return snap, nil
}

// RestoreFromBackup applies the latest snapshot of the current room if it
// is fresher than BackupFreshness. It reports whether anything was restored.
func (b *BackupManager) RestoreFromBackup(ctx context.Context) (bool, error) {
	room := b.store.RoomCode()
	if room == "" {
		return false, ErrNoRoom
	}

	key := snapshotKey(room)
	snap, err := b.load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrSnapshotVersion) {
			zap.L().Warn("discarding snapshot with unsupported version", zap.String("key", key), zap.Error(err))
			_ = b.local.Delete(ctx, key)
		}
		return false, err
	}

	if age := snap.Age(b.now()); age > b.cfg.BackupFreshness {
		zap.L().Warn(
			"refusing stale backup",
			zap.String("room_code", room),
			zap.Duration("age", age),
			zap.Duration("freshness", b.cfg.BackupFreshness),
		)
		return false, fmt.Errorf("%w: %s old", ErrBackupStale, age.Round(time.Second))
	}

	if err := b.store.RestoreGameState(snap); err != nil {
		return false, err
	}
	b.audit(ctx, model.ActionStateRestore, key)

	return true, nil
}

// ListBackups returns the retained backups of the current room, newest first.
func (b *BackupManager) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	room := b.store.RoomCode()
	if room == "" {
		return nil, ErrNoRoom
	}

	keys, err := b.local.Keys(ctx, backupPrefix(room))
	if err != nil {
		return nil, err
	}
	slices.Reverse(keys)

	out := make([]BackupInfo, 0, len(keys))
	for _, key := range keys {
		at, ok := backupTime(key)
		if !ok {
			continue
		}
		out = append(out, BackupInfo{Key: key, TakenAt: at})
	}
	return out, nil
}

// RestoreBackup restores a listed backup regardless of its age.
func (b *BackupManager) RestoreBackup(ctx context.Context, key string) error {
	room := b.store.RoomCode()
	if room == "" {
		return ErrNoRoom
	}
	if !strings.HasPrefix(key, backupPrefix(room)) && key != snapshotKey(room) {
		return fmt.Errorf("%w: %s", ErrSnapshotRoom, key)
	}

	snap, err := b.load(ctx, key)
	if err != nil {
		return err
	}
	if err := b.store.RestoreGameState(snap); err != nil {
		return err
	}
	b.audit(ctx, model.ActionStateRestore, key)

	return nil
}

// Export writes the current game as a portable snapshot document.
func (b *BackupManager) Export(w io.Writer) error {
	snap, err := b.store.GetGameStateSnapshot()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Import restores an exported snapshot and keeps it as the latest local
// snapshot.
func (b *BackupManager) Import(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	if err := b.store.RestoreGameState(snap); err != nil {
		return err
	}

	room := model.NormalizeRoomCode(snap.Game.RoomCode)
	if err := b.local.Set(ctx, snapshotKey(room), data); err != nil {
		zap.L().Warn("failed to keep imported snapshot", zap.String("room_code", room), zap.Error(err))
	}
	b.audit(ctx, model.ActionStateRestore, "import")

	return nil
}

// audit logs a backup or restore to game_actions when BackupAudit is on.
func (b *BackupManager) audit(ctx context.Context, typ model.ActionType, key string) {
	if !b.cfg.BackupAudit {
		return
	}
	gameID := b.store.GameID()
	if gameID == "" {
		return
	}
	playerID := model.SystemPlayerID
	if p := b.store.CurrentPlayer(); p != nil {
		playerID = p.ID
	}

	data, _ := json.Marshal(map[string]string{"key": key})
	_, err := b.remote.InsertAction(ctx, remote.ActionRow{
		ID:         model.GenID(),
		GameID:     gameID,
		ActionType: string(typ),
		PlayerID:   playerID,
		ActionData: data,
	})
	if err != nil {
		zap.L().Warn("failed to write audit action", zap.String("action_type", string(typ)), zap.Error(err))
	}
}
