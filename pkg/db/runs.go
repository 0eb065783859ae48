package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID          string    `db:"id"`
	Workflow    string    `db:"workflow"`
	StartedAt   time.Time `db:"started_at"`
	DurationMS  int64     `db:"duration_ms"`
	VUs         int       `db:"vus"`
	Planned     int       `db:"planned"`
	Total       int       `db:"total"`
	Passed      int       `db:"passed"`
	Failed      int       `db:"failed"`
	Interrupted int       `db:"interrupted"`

	// ErrorsByKind is stored as a jsonb object.
	ErrorsByKind string `db:"errors_by_kind"`
	ArchiveURL   string `db:"archive_url"`
}

// IterationRecord is one row of the iterations table.
type IterationRecord struct {
	RunID      string `db:"run_id"`
	Number     int    `db:"number"`
	VU         int    `db:"vu"`
	Status     string `db:"status"`
	DurationMS int64  `db:"duration_ms"`
	Kind       string `db:"kind"`
	Error      string `db:"error"`
}

// Errors decodes ErrorsByKind.
func (r RunRecord) Errors() (map[string]int, error) {
	if len(r.ErrorsByKind) == 0 {
		return nil, nil
	}
	out := map[string]int{}
	if err := json.Unmarshal([]byte(r.ErrorsByKind), &out); err != nil {
		return nil, fmt.Errorf("decode errors_by_kind of run %s: %w", r.ID, err)
	}
	return out, nil
}

// History reads and writes run records.
type History struct {
	pool *pgxpool.Pool
}

// NewHistory wraps a migrated pool.
func NewHistory(pool *pgxpool.Pool) (*History, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	return &History{pool: pool}, nil
}

const insertRun = `
INSERT INTO runs (id, workflow, started_at, duration_ms, vus, planned, total, passed, failed, interrupted, errors_by_kind, archive_url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
	duration_ms = EXCLUDED.duration_ms,
	total = EXCLUDED.total,
	passed = EXCLUDED.passed,
	failed = EXCLUDED.failed,
	interrupted = EXCLUDED.interrupted,
	errors_by_kind = EXCLUDED.errors_by_kind,
	archive_url = EXCLUDED.archive_url`

const insertIteration = `
INSERT INTO iterations (run_id, number, vu, status, duration_ms, kind, error)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (run_id, number) DO NOTHING`

// Save stores a run and its iterations in one transaction.
func (h *History) Save(ctx context.Context, run RunRecord, iterations []IterationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout+time.Duration(len(iterations))*100*time.Millisecond)
	defer cancel()

	return pgx.BeginFunc(ctx, h.pool, func(tx pgx.Tx) error {
		var errorsByKind any
		if run.ErrorsByKind != "" {
			errorsByKind = run.ErrorsByKind
		}
		if _, err := tx.Exec(ctx, insertRun,
			run.ID, run.Workflow, run.StartedAt, run.DurationMS, run.VUs, run.Planned,
			run.Total, run.Passed, run.Failed, run.Interrupted, errorsByKind, run.ArchiveURL,
		); err != nil {
			return fmt.Errorf("insert run %s: %w", run.ID, err)
		}

		batch := &pgx.Batch{}
		for _, it := range iterations {
			batch.Queue(insertIteration, run.ID, it.Number, it.VU, it.Status, it.DurationMS, it.Kind, it.Error)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert iterations of run %s: %w", run.ID, err)
		}
		return nil
	})
}

// Recent lists the latest runs, newest first. An empty workflow lists
// every workflow.
func (h *History) Recent(ctx context.Context, workflow string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []RunRecord
	err := Select(ctx, h.pool, &runs, `
SELECT id, workflow, started_at, duration_ms, vus, planned, total, passed, failed, interrupted,
	COALESCE(errors_by_kind::text, '') AS errors_by_kind, COALESCE(archive_url, '') AS archive_url
FROM runs
WHERE $1 = '' OR workflow = $1
ORDER BY started_at DESC
LIMIT $2`, workflow, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Run returns one run.
func (h *History) Run(ctx context.Context, id string) (RunRecord, error) {
	var run RunRecord
	err := Get(ctx, h.pool, &run, `
SELECT id, workflow, started_at, duration_ms, vus, planned, total, passed, failed, interrupted,
	COALESCE(errors_by_kind::text, '') AS errors_by_kind, COALESCE(archive_url, '') AS archive_url
FROM runs
WHERE id = $1`, id)
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// Iterations lists the iterations of a run in order.
func (h *History) Iterations(ctx context.Context, runID string) ([]IterationRecord, error) {
	var out []IterationRecord
	err := Select(ctx, h.pool, &out, `
SELECT run_id, number, vu, status, duration_ms, COALESCE(kind, '') AS kind, COALESCE(error, '') AS error
FROM iterations
WHERE run_id = $1
ORDER BY number`, runID)
	if err != nil {
		return nil, fmt.Errorf("list iterations of run %s: %w", runID, err)
	}
	return out, nil
}
