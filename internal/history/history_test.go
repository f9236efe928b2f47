package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planesync/backend/plane"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	first, err := s.Record(ctx, Run{
		StartedAt: base, Project: "Web", ProjectID: "WEB", Template: "ai-context", Output: "plane.md",
		TotalTasks: 12, FilteredTasks: 5, FromCache: true, Duration: 1500 * time.Millisecond,
		Success: true, FilterSummary: "priority in [urgent]",
	})
	require.NoError(t, err)
	_, err = uuid.Parse(first.ID)
	assert.NoError(t, err, "generated ids are UUIDs")

	_, err = s.Record(ctx, Run{
		ID: "fixed-id", StartedAt: base.Add(time.Hour), Project: "Web",
		Success: false, ErrorType: "auth", Error: "plane auth: authentication failed",
	})
	require.NoError(t, err)

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "fixed-id", runs[0].ID, "newest first")
	assert.False(t, runs[0].Success)
	assert.Equal(t, "auth", runs[0].ErrorType)
	assert.Empty(t, runs[0].Template)

	got := runs[1]
	assert.Equal(t, first.ID, got.ID)
	assert.True(t, got.StartedAt.Equal(base))
	assert.Equal(t, "WEB", got.ProjectID)
	assert.Equal(t, 12, got.TotalTasks)
	assert.Equal(t, 5, got.FilteredTasks)
	assert.True(t, got.FromCache)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.Equal(t, "priority in [urgent]", got.FilterSummary)

	limited, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordDefaultsStartedAt(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	run, err := s.Record(context.Background(), Run{Success: true})
	require.NoError(t, err)
	assert.Equal(t, now, run.StartedAt)
}

func TestRecordDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Record(ctx, Run{ID: "same", Success: true})
	require.NoError(t, err)
	_, err = s.Record(ctx, Run{ID: "same", Success: true})
	assert.Error(t, err)
}

func TestCleanup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for _, age := range []time.Duration{time.Hour, 10 * 24 * time.Hour, 40 * 24 * time.Hour} {
		_, err := s.Record(ctx, Run{StartedAt: now.Add(-age), Success: true})
		require.NoError(t, err)
	}

	deleted, err := s.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = s.Cleanup(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	runs, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Record(context.Background(), Run{ID: "persisted", Success: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	runs, err := s.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "persisted", runs[0].ID)
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&plane.APIError{Kind: plane.KindRateLimited}, "rate_limited"},
		{errors.Wrap(&plane.APIError{Kind: plane.KindNotFound}, "sync"), "not_found"},
		{errors.Wrap(context.Canceled, "sync"), "canceled"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("project not found: XYZ"), "project"},
		{errors.New("template not found: weekly"), "template"},
		{errors.New("invalid order"), "validation"},
		{errors.New("disk full"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CategorizeError(tt.err), "%v", tt.err)
	}
}
