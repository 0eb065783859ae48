package perf

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwperf/pkg/db"
	"gwperf/pkg/report"
	"gwperf/services/loadrunner"
)

type savedRun struct {
	run        db.RunRecord
	iterations []db.IterationRecord
}

type fakeHistory struct {
	saved []savedRun
}

func (f *fakeHistory) Save(_ context.Context, run db.RunRecord, iterations []db.IterationRecord) error {
	f.saved = append(f.saved, savedRun{run: run, iterations: iterations})
	return nil
}

func TestHistoryRecorder(t *testing.T) {
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	sum := loadrunner.Summary{
		RunID:        "run-9",
		Workflow:     "crud",
		Started:      started,
		Duration:     90 * time.Second,
		VUs:          2,
		Planned:      2,
		Total:        2,
		Passed:       1,
		Failed:       1,
		ErrorsByKind: map[string]int{"task_failed": 1},
		ArchiveURL:   "https://objects.example/runs/crud/run-9.tar.zst",
		Results: []loadrunner.Result{
			{Iteration: 1, VU: 1, Status: report.Passed, Duration: 40 * time.Second},
			{Iteration: 2, VU: 2, Status: report.Failed, Duration: 50 * time.Second, Kind: "task_failed", Error: "disk full"},
		},
	}

	h := &fakeHistory{}
	require.NoError(t, historyRecorder{history: h}.Record(context.Background(), sum))
	require.Len(t, h.saved, 1)

	run := h.saved[0].run
	assert.Equal(t, "run-9", run.ID)
	assert.Equal(t, started.UTC(), run.StartedAt)
	assert.Equal(t, int64(90000), run.DurationMS)
	assert.JSONEq(t, `{"task_failed": 1}`, run.ErrorsByKind)
	assert.Equal(t, sum.ArchiveURL, run.ArchiveURL)

	its := h.saved[0].iterations
	require.Len(t, its, 2)
	assert.Equal(t, db.IterationRecord{
		RunID:      "run-9",
		Number:     2,
		VU:         2,
		Status:     "failed",
		DurationMS: 50000,
		Kind:       "task_failed",
		Error:      "disk full",
	}, its[1])
}

func TestRecordsWithoutErrors(t *testing.T) {
	run, its, err := Records(loadrunner.Summary{RunID: "empty", Workflow: "crud"})
	require.NoError(t, err)
	assert.Empty(t, run.ErrorsByKind)
	assert.Empty(t, its)
}
