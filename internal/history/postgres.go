package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresInitTimeout = 15 * time.Second

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS transcription_history (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		text TEXT NOT NULL,
		original TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		duration DOUBLE PRECISION,
		language TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_created ON transcription_history (created_at DESC, seq DESC)`,
}

// PostgresPersister shares history between machines through a Postgres
// database.
type PostgresPersister struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresPersister, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresInitTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, s := range postgresMigrations {
		if _, err := pool.Exec(ctx, strings.TrimSpace(s)); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return &PostgresPersister{pool: pool}, nil
}

func (p *PostgresPersister) Insert(ctx context.Context, rec Record) error {
	var original *string
	if rec.Original != "" {
		original = &rec.Original
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO transcription_history (id, text, original, created_at, duration, language)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Text, original, rec.Timestamp, rec.Duration, rec.Language)
	return err
}

func (p *PostgresPersister) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id::text, text, original, created_at, duration, language
		 FROM transcription_history ORDER BY created_at DESC, seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var original *string
		if err := rows.Scan(&rec.ID, &rec.Text, &original, &rec.Timestamp, &rec.Duration, &rec.Language); err != nil {
			return nil, err
		}
		if original != nil {
			rec.Original = *original
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *PostgresPersister) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM transcription_history
		 WHERE seq NOT IN (
		     SELECT seq FROM transcription_history ORDER BY created_at DESC, seq DESC LIMIT $1
		 )`, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresPersister) DeleteAll(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM transcription_history`)
	return err
}

func (p *PostgresPersister) Close() error {
	p.pool.Close()
	return nil
}
