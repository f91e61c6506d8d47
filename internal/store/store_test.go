package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcheck/internal/effects"
	"callcheck/internal/report"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func suite(id string, started time.Time) *report.Suite {
	r := report.NewRecorder()
	r.Record(report.Spec{Name: "echo", Subcases: []report.Subcase{
		{Index: 0, ID: "a1", Argv: []string{"echo", "abc"}, Status: report.StatusPassed},
		{Index: 1, ID: "a2", Argv: []string{"echo", "xyz"}, Status: report.StatusFailed,
			Mismatches: []effects.Mismatch{{Kind: effects.OutputMismatch, Subject: "stdout", Expected: `equals("xyz\n")`, Actual: `""`}}},
	}})
	r.Record(report.Spec{Name: "cat", Error: "process spawn failed"})
	r.Record(report.Spec{Name: "zzz", Status: report.StatusSkipped})
	return r.Suite(report.Suite{RunID: id, Seed: 42, Trials: 2, Started: started, Duration: 1500 * time.Millisecond})
}

func TestRecordAndListRuns(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordSuite(ctx, suite("run-old", t0)))
	require.NoError(t, s.RecordSuite(ctx, suite("run-new", t0.Add(time.Hour))))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-new", runs[0].ID)
	assert.Equal(t, "run-old", runs[1].ID)

	r := runs[1]
	assert.Equal(t, t0, r.Started)
	assert.Equal(t, 1500*time.Millisecond, r.Duration)
	assert.Equal(t, int64(42), r.Seed)
	assert.Equal(t, 2, r.Trials)
	assert.False(t, r.Passed)
	assert.Equal(t, 1, r.Counts.Specs[report.StatusFailed])
	assert.Equal(t, 1, r.Counts.Subcases[report.StatusPassed])

	limited, err := s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestFailuresForRun(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.RecordSuite(ctx, suite("run-1", time.Now())))

	fails, err := s.FailuresForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, fails, 2)

	assert.Equal(t, "cat", fails[0].Spec)
	assert.Equal(t, -1, fails[0].Subcase)
	assert.Equal(t, report.StatusErrored, fails[0].Status)
	assert.Equal(t, "process spawn failed", fails[0].Error)

	assert.Equal(t, "echo", fails[1].Spec)
	assert.Equal(t, 1, fails[1].Subcase)
	assert.Equal(t, "a2", fails[1].ID)
	assert.Equal(t, []string{"echo", "xyz"}, fails[1].Argv)
	require.Len(t, fails[1].Mismatches, 1)
	assert.Equal(t, effects.OutputMismatch, fails[1].Mismatches[0].Kind)
}

func TestUnknownRun(t *testing.T) {
	s := openTemp(t)
	_, err := s.FailuresForRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestDuplicateRunIsRejected(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.RecordSuite(ctx, suite("dup", time.Now())))
	assert.Error(t, s.RecordSuite(ctx, suite("dup", time.Now())))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunIDIsRequired(t *testing.T) {
	s := openTemp(t)
	assert.Error(t, s.RecordSuite(context.Background(), &report.Suite{}))
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordSuite(context.Background(), suite("kept", time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	r, err := s.GetRun(context.Background(), "kept")
	require.NoError(t, err)
	assert.Equal(t, "kept", r.ID)
}
