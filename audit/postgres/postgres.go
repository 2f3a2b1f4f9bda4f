// Package postgres provides the PostgreSQL-backed audit.Store
// implementation, using pgx/v5 and embedded golang-migrate migrations.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/comfy-gateway/gateway/audit"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements audit.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn. Safe to call
// multiple times — ErrNoChange is treated as success.
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

func (d *DB) RecordOutcome(ctx context.Context, o audit.Outcome) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO job_outcomes (request_id, prompt_id, workflow_id, state, error, submitted_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.RequestID, o.PromptID, o.WorkflowID, o.State, o.Error, o.SubmittedAt, o.FinishedAt)
	return err
}

func (d *DB) RecentOutcomes(ctx context.Context, limit int) ([]audit.Outcome, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, request_id, prompt_id, workflow_id, state, error, submitted_at, finished_at
		FROM job_outcomes
		ORDER BY finished_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []audit.Outcome
	for rows.Next() {
		var o audit.Outcome
		if err := rows.Scan(&o.ID, &o.RequestID, &o.PromptID, &o.WorkflowID, &o.State, &o.Error, &o.SubmittedAt, &o.FinishedAt); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (d *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx, `SELECT data FROM config WHERE id = 1`).Scan(&raw)
	if err == pgx.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO config (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = $1
	`, raw)
	return err
}
