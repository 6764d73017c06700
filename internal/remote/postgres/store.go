package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"werewolf-session/internal/remote"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Store struct {
	db   *DB
	feed *listener
}

var _ remote.Store = (*Store)(nil)

func NewStore(db *DB) *Store {
	return &Store{db: db, feed: newListener(db.dialListener, db.Channel)}
}

func (s *Store) CreateGame(ctx context.Context, row remote.GameRow) (remote.GameRow, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.RoomCode = strings.ToUpper(row.RoomCode)

	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO games (id, room_code, phase, current_night, game_settings, game_master_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		row.ID, row.RoomCode, row.Phase, row.CurrentNight, row.GameSettings, row.GameMasterID,
	).Scan(&row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return remote.GameRow{}, fmt.Errorf("%w: room code %s", remote.ErrConflict, row.RoomCode)
		}
		return remote.GameRow{}, fmt.Errorf("create game: %w", err)
	}
	return row, nil
}

func (s *Store) GameByRoomCode(ctx context.Context, roomCode string) (remote.GameRow, error) {
	var g remote.GameRow
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, room_code, phase, current_night, game_settings, game_master_id, created_at, updated_at
		 FROM games
		 WHERE room_code = upper($1)`,
		roomCode,
	).Scan(&g.ID, &g.RoomCode, &g.Phase, &g.CurrentNight, &g.GameSettings, &g.GameMasterID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return remote.GameRow{}, remote.ErrNotFound
		}
		return remote.GameRow{}, fmt.Errorf("get game: %w", err)
	}
	return g, nil
}

func (s *Store) UpdateGame(ctx context.Context, gameID string, patch remote.Patch) error {
	if err := remote.CheckPatch(patch, remote.GameColumns); err != nil {
		return err
	}
	set, args := buildSet(patch, gameID)
	set = append(set, "updated_at = now()")

	tag, err := s.db.Pool.Exec(ctx,
		fmt.Sprintf(`UPDATE games SET %s WHERE id = $1`, strings.Join(set, ", ")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update game: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return remote.ErrNotFound
	}
	return nil
}

func (s *Store) ListPlayers(ctx context.Context, gameID string) ([]remote.PlayerRow, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, game_id, name, role, status, is_game_master, is_lover, lover_id, has_used_ability, vote_target
		 FROM players
		 WHERE game_id = $1
		 ORDER BY joined_at, id`,
		gameID,
	)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var out []remote.PlayerRow
	for rows.Next() {
		var p remote.PlayerRow
		if err := rows.Scan(&p.ID, &p.GameID, &p.Name, &p.Role, &p.Status, &p.IsGameMaster,
			&p.IsLover, &p.LoverID, &p.HasUsedAbility, &p.VoteTarget); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertPlayer(ctx context.Context, row remote.PlayerRow) (remote.PlayerRow, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Status == "" {
		row.Status = "alive"
	}

	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO players (id, game_id, name, role, status, is_game_master, is_lover, lover_id, has_used_ability, vote_target)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.ID, row.GameID, row.Name, row.Role, row.Status, row.IsGameMaster,
		row.IsLover, row.LoverID, row.HasUsedAbility, row.VoteTarget,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return remote.PlayerRow{}, fmt.Errorf("%w: player %s", remote.ErrConflict, row.ID)
			case "23503":
				return remote.PlayerRow{}, remote.ErrNotFound
			}
		}
		return remote.PlayerRow{}, fmt.Errorf("insert player: %w", err)
	}
	return row, nil
}

func (s *Store) UpdatePlayer(ctx context.Context, playerID string, patch remote.Patch) error {
	if err := remote.CheckPatch(patch, remote.PlayerColumns); err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}
	set, args := buildSet(patch, playerID)

	tag, err := s.db.Pool.Exec(ctx,
		fmt.Sprintf(`UPDATE players SET %s WHERE id = $1`, strings.Join(set, ", ")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return remote.ErrNotFound
	}
	return nil
}

func (s *Store) DeletePlayer(ctx context.Context, playerID string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM players WHERE id = $1`, playerID)
	if err != nil {
		return fmt.Errorf("delete player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return remote.ErrNotFound
	}
	return nil
}

func (s *Store) InsertAction(ctx context.Context, row remote.ActionRow) (remote.ActionRow, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}

	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO game_actions (id, game_id, action_type, player_id, target_id, action_data)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		row.ID, row.GameID, row.ActionType, row.PlayerID, row.TargetID, row.ActionData,
	).Scan(&row.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return remote.ActionRow{}, remote.ErrNotFound
		}
		return remote.ActionRow{}, fmt.Errorf("insert action: %w", err)
	}
	return row, nil
}

func (s *Store) ListActions(ctx context.Context, gameID string, since time.Time) ([]remote.ActionRow, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, game_id, action_type, player_id, target_id, action_data, created_at
		 FROM game_actions
		 WHERE game_id = $1 AND created_at > $2
		 ORDER BY created_at, id`,
		gameID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []remote.ActionRow
	for rows.Next() {
		var a remote.ActionRow
		if err := rows.Scan(&a.ID, &a.GameID, &a.ActionType, &a.PlayerID, &a.TargetID, &a.ActionData, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.feed.close()
	s.db.Close()
	return nil
}

// buildSet renders "col = $n" pairs; $1 is reserved for the row id. Columns
// are sorted so the statement text is stable.
func buildSet(patch remote.Patch, id string) ([]string, []any) {
	cols := make([]string, 0, len(patch))
	for col := range patch {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	set := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	args = append(args, id)
	for i, col := range cols {
		set = append(set, fmt.Sprintf("%s = $%d", col, i+2))
		args = append(args, patch[col])
	}
	return set, args
}
