package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS search_tasks (
	job_id    TEXT    NOT NULL,
	batch_id  INTEGER NOT NULL,
	ttl       INTEGER NOT NULL,
	mime_type TEXT    NOT NULL,
	results   BLOB    NOT NULL,
	PRIMARY KEY (job_id, batch_id)
);
CREATE INDEX IF NOT EXISTS idx_search_tasks_ttl ON search_tasks(ttl);
`

// SQLiteTable stores batch records in a local SQLite database.
type SQLiteTable struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteTable opens (and creates if needed) the database at path.
// Use ":memory:" for a private in-memory table.
func OpenSQLiteTable(ctx context.Context, path string) (*SQLiteTable, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteTable{db: db, now: time.Now}, nil
}

func (t *SQLiteTable) Put(ctx context.Context, r Record) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO search_tasks (job_id, batch_id, ttl, mime_type, results)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id, batch_id) DO UPDATE SET
			ttl = excluded.ttl,
			mime_type = excluded.mime_type,
			results = excluded.results`,
		r.JobID, r.BatchID, r.TTL.Unix(), r.MimeType, r.Results)
	if err != nil {
		return fmt.Errorf("put task %s/%d: %w", r.JobID, r.BatchID, err)
	}
	return nil
}

func (t *SQLiteTable) Query(ctx context.Context, jobID string) ([]Record, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT batch_id, ttl, mime_type, results
		FROM search_tasks
		WHERE job_id = ? AND ttl > ?
		ORDER BY batch_id`,
		jobID, t.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("query tasks of %s: %w", jobID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r := Record{JobID: jobID}
		var ttl int64
		if err := rows.Scan(&r.BatchID, &ttl, &r.MimeType, &r.Results); err != nil {
			return nil, fmt.Errorf("scan task of %s: %w", jobID, err)
		}
		r.TTL = time.Unix(ttl, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Purge deletes expired records and returns how many were removed.
func (t *SQLiteTable) Purge(ctx context.Context) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM search_tasks WHERE ttl <= ?`, t.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge expired tasks: %w", err)
	}
	return res.RowsAffected()
}

func (t *SQLiteTable) Close() error {
	return t.db.Close()
}
