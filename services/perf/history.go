package perf

import (
	"context"
	"encoding/json"
	"fmt"

	"gwperf/pkg/db"
	"gwperf/services/loadrunner"
)

// historySaver is the write side of db.History.
type historySaver interface {
	Save(ctx context.Context, run db.RunRecord, iterations []db.IterationRecord) error
}

// historyRecorder stores run summaries in the run history.
type historyRecorder struct {
	history historySaver
}

func (h historyRecorder) Record(ctx context.Context, sum loadrunner.Summary) error {
	run, iterations, err := Records(sum)
	if err != nil {
		return err
	}
	return h.history.Save(ctx, run, iterations)
}

// Records converts a summary into history rows.
func Records(sum loadrunner.Summary) (db.RunRecord, []db.IterationRecord, error) {
	run := db.RunRecord{
		ID:          sum.RunID,
		Workflow:    sum.Workflow,
		StartedAt:   sum.Started.UTC(),
		DurationMS:  sum.Duration.Milliseconds(),
		VUs:         sum.VUs,
		Planned:     sum.Planned,
		Total:       sum.Total,
		Passed:      sum.Passed,
		Failed:      sum.Failed,
		Interrupted: sum.Interrupted,
		ArchiveURL:  sum.ArchiveURL,
	}
	if len(sum.ErrorsByKind) > 0 {
		raw, err := json.Marshal(sum.ErrorsByKind)
		if err != nil {
			return db.RunRecord{}, nil, fmt.Errorf("encode errors by kind: %w", err)
		}
		run.ErrorsByKind = string(raw)
	}

	iterations := make([]db.IterationRecord, 0, len(sum.Results))
	for _, r := range sum.Results {
		iterations = append(iterations, db.IterationRecord{
			RunID:      sum.RunID,
			Number:     r.Iteration,
			VU:         r.VU,
			Status:     string(r.Status),
			DurationMS: r.Duration.Milliseconds(),
			Kind:       r.Kind,
			Error:      r.Error,
		})
	}
	return run, iterations, nil
}
