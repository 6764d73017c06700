// Package postgres implements the remote store on PostgreSQL. Row triggers
// publish every change with pg_notify and subscriptions LISTEN on that
// channel.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultChannel is the NOTIFY channel used by the triggers in schema.sql.
const DefaultChannel = "werewolf_changes"

//go:embed schema.sql
var schema string

type DB struct {
	Pool    *pgxpool.Pool
	Channel string
}

func New(ctx context.Context, dsn, channel string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if channel == "" {
		channel = DefaultChannel
	}

	return &DB{Pool: pool, Channel: channel}, nil
}

// Migrate installs the tables and notify triggers. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schema, "'"+DefaultChannel+"'", "'"+db.Channel+"'")
	if _, err := db.Pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// dialListener opens a connection outside the pool with the pool's settings.
// A LISTENing connection must never be handed back to the pool.
func (db *DB) dialListener(ctx context.Context) (*pgx.Conn, error) {
	return pgx.ConnectConfig(ctx, db.Pool.Config().ConnConfig.Copy())
}

func (db *DB) Close() {
	db.Pool.Close()
}
