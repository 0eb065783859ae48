package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRecordErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]int
		wantErr bool
	}{
		{name: "empty", raw: ""},
		{name: "counts", raw: `{"task_failed": 2, "auth_failure": 1}`, want: map[string]int{"task_failed": 2, "auth_failure": 1}},
		{name: "malformed", raw: `{"task_failed":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RunRecord{ID: "r", ErrorsByKind: tt.raw}.Errors()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

// TestHistoryRoundTrip needs a scratch database named by
// GWPERF_TEST_DB_DSN.
func TestHistoryRoundTrip(t *testing.T) {
	dsn := os.Getenv("GWPERF_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("GWPERF_TEST_DB_DSN not set")
	}
	ctx := context.Background()
	pool, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool, zerolog.Nop()))

	h, err := NewHistory(pool)
	require.NoError(t, err)

	workflow := "test-" + uuid.NewString()[:8]
	run := RunRecord{
		ID:           uuid.NewString(),
		Workflow:     workflow,
		StartedAt:    time.Now().UTC().Truncate(time.Millisecond),
		DurationMS:   1500,
		VUs:          2,
		Planned:      3,
		Total:        3,
		Passed:       2,
		Failed:       1,
		ErrorsByKind: `{"task_failed": 1}`,
	}
	iterations := []IterationRecord{
		{Number: 1, VU: 1, Status: "passed", DurationMS: 400},
		{Number: 2, VU: 2, Status: "failed", DurationMS: 600, Kind: "task_failed", Error: "disk full"},
		{Number: 3, VU: 1, Status: "passed", DurationMS: 500},
	}
	require.NoError(t, h.Save(ctx, run, iterations))
	// Saving again is idempotent.
	require.NoError(t, h.Save(ctx, run, iterations))

	recent, err := h.Recent(ctx, workflow, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, run.ID, recent[0].ID)
	errs, err := recent[0].Errors()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"task_failed": 1}, errs)

	got, err := h.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Passed)

	its, err := h.Iterations(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, its, 3)
	assert.Equal(t, "disk full", its[1].Error)
}
