// Package resultstore persists task results, the append-only cost ledger,
// and per-chunk embedding vectors in the shared relational store, and
// answers the budget queries derived from the ledger. Results are upserted
// on (share_id, task_type); costs are never updated; an embed re-run
// replaces all of a share's chunks atomically in the same transaction as
// the results upsert.
package resultstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store needs. Tests substitute a
// pgxmock pool.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ResultRecord is one task's persisted outcome.
type ResultRecord struct {
	ShareID      string
	TaskType     string
	ResultData   []byte // JSON document
	ModelVersion string
	ProcessingMs int
	CreatedAt    time.Time
}

// CostRecord is one append-only ledger row: a single provider call's spend.
type CostRecord struct {
	ShareID      string
	Service      string
	Model        string
	InputTokens  int
	OutputTokens int
	TotalCostUSD float64
	Backend      string // "api" or "local"
	ProcessingMs int
	CreatedAt    time.Time
}

// EmbeddingChunk is one chunk's vector for an embed task. Chunk indices are
// contiguous from 0 within a share.
type EmbeddingChunk struct {
	ChunkIndex   int
	Vector       []float32
	ModelVersion string
}

// Store reads and writes the results, costs, and embeddings tables.
type Store struct {
	db    DB
	clock func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (for tests).
func WithClock(c func() time.Time) Option {
	return func(s *Store) { s.clock = c }
}

// New builds a Store on db.
func New(db DB, opts ...Option) *Store {
	s := &Store{db: db, clock: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the tables and indexes if they do not exist. The vector
// column requires the pgvector extension; dimensionality follows the
// default embedding model and is widened per deployment, not per call.
func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ml_results (
			share_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			result_data JSONB NOT NULL,
			model_version TEXT NOT NULL DEFAULT '',
			processing_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (share_id, task_type)
		)`,
		`CREATE TABLE IF NOT EXISTS ml_costs (
			id BIGSERIAL PRIMARY KEY,
			share_id TEXT NOT NULL,
			service TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd NUMERIC(12,6) NOT NULL DEFAULT 0,
			backend TEXT NOT NULL DEFAULT 'api',
			processing_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ml_costs_created_at ON ml_costs (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ml_costs_backend ON ml_costs (backend)`,
		`CREATE TABLE IF NOT EXISTS ml_embeddings (
			share_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			vector vector(1536),
			model_version TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (share_id, chunk_index)
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

const upsertResultSQL = `INSERT INTO ml_results (share_id, task_type, result_data, model_version, processing_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (share_id, task_type) DO UPDATE SET
	result_data = EXCLUDED.result_data,
	model_version = EXCLUDED.model_version,
	processing_ms = EXCLUDED.processing_ms,
	created_at = EXCLUDED.created_at
RETURNING created_at`

// SaveResult upserts a result row, overwriting any previous result for the
// same (share_id, task_type). It returns the stored created_at.
func (s *Store) SaveResult(ctx context.Context, r ResultRecord) (time.Time, error) {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}
	var stored time.Time
	err := s.db.QueryRow(ctx, upsertResultSQL,
		r.ShareID, r.TaskType, r.ResultData, r.ModelVersion, r.ProcessingMs, createdAt,
	).Scan(&stored)
	if err != nil {
		return time.Time{}, err
	}
	return stored, nil
}

// SaveResultWithEmbeddings upserts the result row and replaces every
// embedding chunk for the share in a single transaction, so a re-run never
// leaves a mix of old and new chunks visible.
func (s *Store) SaveResultWithEmbeddings(ctx context.Context, r ResultRecord, chunks []EmbeddingChunk) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stored time.Time
	if err := tx.QueryRow(ctx, upsertResultSQL,
		r.ShareID, r.TaskType, r.ResultData, r.ModelVersion, r.ProcessingMs, createdAt,
	).Scan(&stored); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM ml_embeddings WHERE share_id = $1`, r.ShareID); err != nil {
		return err
	}
	for _, c := range chunks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ml_embeddings (share_id, chunk_index, vector, model_version, created_at) VALUES ($1, $2, $3, $4, $5)`,
			r.ShareID, c.ChunkIndex, c.Vector, c.ModelVersion, createdAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// RecordCost appends one ledger row. Rows are never updated; budget state
// is derived by aggregation.
func (s *Store) RecordCost(ctx context.Context, c CostRecord) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO ml_costs (share_id, service, model, input_tokens, output_tokens, total_cost_usd, backend, processing_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ShareID, c.Service, c.Model, c.InputTokens, c.OutputTokens, c.TotalCostUSD, c.Backend, c.ProcessingMs, createdAt,
	)
	return err
}

// GetResult fetches the stored result for (shareID, taskType), returning
// (nil, nil) when none exists.
func (s *Store) GetResult(ctx context.Context, shareID, taskType string) (*ResultRecord, error) {
	r := ResultRecord{ShareID: shareID, TaskType: taskType}
	err := s.db.QueryRow(ctx,
		`SELECT result_data, model_version, processing_ms, created_at FROM ml_results WHERE share_id = $1 AND task_type = $2`,
		shareID, taskType,
	).Scan(&r.ResultData, &r.ModelVersion, &r.ProcessingMs, &r.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CostTotals returns the API-backend spend for service over the past hour
// and past 24 hours, computed in one round trip.
func (s *Store) CostTotals(ctx context.Context, service string) (hourly, daily float64, err error) {
	now := s.clock()
	err = s.db.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(total_cost_usd) FILTER (WHERE created_at > $2), 0),
			COALESCE(SUM(total_cost_usd), 0)
		 FROM ml_costs
		 WHERE backend = 'api' AND service = $1 AND created_at > $3`,
		service, now.Add(-time.Hour), now.Add(-24*time.Hour),
	).Scan(&hourly, &daily)
	return hourly, daily, err
}
