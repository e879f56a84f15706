package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"llm-relay/internal/domain"
)

// SQLiteRecorder implements domain.UsageRecorder using SQLite.
type SQLiteRecorder struct {
	db *sql.DB
}

var _ domain.UsageRecorder = (*SQLiteRecorder)(nil)

// NewSQLiteRecorder opens (or creates) a SQLite database at dbPath and runs
// the schema migration. The parent directory is created on demand.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create recorder dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage db: %w", err)
	}
	return &SQLiteRecorder{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stream_usage (
			id          TEXT PRIMARY KEY,
			model       TEXT NOT NULL,
			vendor      TEXT NOT NULL,
			deltas      INTEGER NOT NULL,
			chars       INTEGER NOT NULL,
			status      TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS idx_stream_usage_started ON stream_usage (started_at)")
	return err
}

// Close closes the underlying database connection.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

// Record persists one usage record.
func (r *SQLiteRecorder) Record(ctx context.Context, rec domain.UsageRecord) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO stream_usage (id, model, vendor, deltas, chars, status, started_at, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.Model, rec.Vendor, rec.Deltas, rec.Chars, rec.Status,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.Duration.Milliseconds(),
	)
	return err
}

// Recent returns up to limit records, newest first.
func (r *SQLiteRecorder) Recent(ctx context.Context, limit int) ([]domain.UsageRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, model, vendor, deltas, chars, status, started_at, duration_ms FROM stream_usage ORDER BY started_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.UsageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// VendorTotals aggregates delta and character counts per vendor.
type VendorTotals struct {
	Vendor  string
	Streams int
	Deltas  int
	Chars   int
}

// Totals returns per-vendor aggregates over all recorded streams.
func (r *SQLiteRecorder) Totals(ctx context.Context) ([]VendorTotals, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT vendor, COUNT(*), SUM(deltas), SUM(chars) FROM stream_usage GROUP BY vendor ORDER BY vendor",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VendorTotals
	for rows.Next() {
		var t VendorTotals
		if err := rows.Scan(&t.Vendor, &t.Streams, &t.Deltas, &t.Chars); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (domain.UsageRecord, error) {
	var rec domain.UsageRecord
	var startedStr string
	var durationMS int64
	if err := rows.Scan(&rec.ID, &rec.Model, &rec.Vendor, &rec.Deltas, &rec.Chars, &rec.Status, &startedStr, &durationMS); err != nil {
		return domain.UsageRecord{}, err
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}
