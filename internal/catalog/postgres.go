package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Catalog using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgres connects to the catalog database and creates the schema if
// needed.
func NewPostgres(cfg Config) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{pool: pool, log: slog.With("component", "catalog")}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	p.log.Info("connected to PostgreSQL catalog")
	return p, nil
}

// initSchema creates the catalog tables if they don't exist.
func (p *Postgres) initSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// UpdateSearch upserts the search row; absent fields keep their value.
func (p *Postgres) UpdateSearch(ctx context.Context, u Update) error {
	query := `
		INSERT INTO cds_searches (
			search_id, step, error_message, n_batches, completed_batches,
			n_total_matches, started_at, finished_at
		)
		VALUES ($1, COALESCE(NULLIF($2, ''), 'in_progress'), NULLIF($3, ''), $4, $5, $6, $7, $8)
		ON CONFLICT (search_id)
		DO UPDATE SET
			step = COALESCE(NULLIF($2, ''), cds_searches.step),
			error_message = COALESCE(EXCLUDED.error_message, cds_searches.error_message),
			n_batches = COALESCE(EXCLUDED.n_batches, cds_searches.n_batches),
			completed_batches = COALESCE(EXCLUDED.completed_batches, cds_searches.completed_batches),
			n_total_matches = COALESCE(EXCLUDED.n_total_matches, cds_searches.n_total_matches),
			started_at = COALESCE(EXCLUDED.started_at, cds_searches.started_at),
			finished_at = COALESCE(EXCLUDED.finished_at, cds_searches.finished_at),
			updated_at = NOW()
	`

	_, err := p.pool.Exec(ctx, query,
		u.SearchID,
		string(u.Step),
		u.ErrorMessage,
		u.NBatches,
		u.CompletedBatches,
		u.NTotalMatches,
		u.Started,
		u.Finished,
	)
	if err != nil {
		return fmt.Errorf("update search %s: %w", u.SearchID, err)
	}

	p.log.Debug("updated search", "search_id", u.SearchID, "step", u.Step)
	return nil
}

// GetSearch returns the recorded state of a search.
func (p *Postgres) GetSearch(ctx context.Context, searchID string) (*Search, error) {
	query := `
		SELECT step, COALESCE(error_message, ''), n_batches, completed_batches,
		       n_total_matches, started_at, finished_at
		FROM cds_searches
		WHERE search_id = $1
	`

	s := Search{SearchID: searchID}
	var step string
	err := p.pool.QueryRow(ctx, query, searchID).Scan(
		&step, &s.ErrorMessage, &s.NBatches, &s.CompletedBatches,
		&s.NTotalMatches, &s.Started, &s.Finished,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSearchNotFound
		}
		return nil, fmt.Errorf("get search %s: %w", searchID, err)
	}
	s.Step = Step(step)
	return &s, nil
}

// RecordExport records an exported results file.
func (p *Postgres) RecordExport(ctx context.Context, e Export) error {
	query := `
		INSERT INTO cds_search_exports (search_id, uri, format, checksum, row_count, byte_size)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (search_id, uri)
		DO UPDATE SET
			format = EXCLUDED.format,
			checksum = EXCLUDED.checksum,
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			created_at = NOW()
	`

	_, err := p.pool.Exec(ctx, query,
		e.SearchID,
		e.URI,
		e.Format,
		e.Checksum,
		e.RowCount,
		e.ByteSize,
	)
	if err != nil {
		return fmt.Errorf("record export: %w", err)
	}

	p.log.Info("recorded export", "search_id", e.SearchID, "uri", e.URI, "rows", e.RowCount)
	return nil
}

// Close releases database connections.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
