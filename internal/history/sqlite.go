package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePersister stores records in a local SQLite file. Timestamps are kept
// as unix nanoseconds; seq breaks ties in insertion order.
type SQLitePersister struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLitePersister, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time; the store serializes writes anyway
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	p := &SQLitePersister{db: db}
	if err := p.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return p, nil
}

func (p *SQLitePersister) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS transcription_history (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    text TEXT NOT NULL,
    original TEXT,
    ts INTEGER NOT NULL,
    duration REAL,
    language TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_ts ON transcription_history(ts DESC, seq DESC);
`
	_, err := p.db.ExecContext(ctx, ddl)
	return err
}

func (p *SQLitePersister) Insert(ctx context.Context, rec Record) error {
	var original sql.NullString
	if rec.Original != "" {
		original = sql.NullString{String: rec.Original, Valid: true}
	}
	var duration sql.NullFloat64
	if rec.Duration != nil {
		duration = sql.NullFloat64{Float64: *rec.Duration, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO transcription_history(id, text, original, ts, duration, language)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Text, original, rec.Timestamp.UnixNano(), duration, rec.Language)
	return err
}

func (p *SQLitePersister) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, text, original, ts, duration, language
		 FROM transcription_history ORDER BY ts DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec      Record
			original sql.NullString
			ts       int64
			duration sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.Text, &original, &ts, &duration, &rec.Language); err != nil {
			return nil, err
		}
		rec.Original = original.String
		rec.Timestamp = time.Unix(0, ts)
		if duration.Valid {
			d := duration.Float64
			rec.Duration = &d
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *SQLitePersister) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM transcription_history
		 WHERE seq NOT IN (
		     SELECT seq FROM transcription_history ORDER BY ts DESC, seq DESC LIMIT ?
		 )`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *SQLitePersister) DeleteAll(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM transcription_history`)
	return err
}

func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
