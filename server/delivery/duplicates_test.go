package delivery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievevm/helpers"
	"github.com/migadu/sievevm/pkg/metrics"
)

func newTestTracker(t *testing.T, path string) (*SQLiteDuplicateTracker, *time.Time) {
	t.Helper()
	tracker, err := NewSQLiteDuplicateTracker(path)
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	tracker.Now = func() time.Time { return now }
	return tracker, &now
}

func TestSQLiteDuplicateTrackerCheckAndMark(t *testing.T) {
	tracker, now := newTestTracker(t, "")
	ctx := context.Background()
	key := helpers.HashKey("vacation", "bob@example.com", "alice@example.org")

	seen, err := tracker.Check(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, tracker.Mark(ctx, key, now.Add(24*time.Hour)))
	hits := testutil.ToFloat64(metrics.DuplicateChecks.WithLabelValues("hit"))
	seen, err = tracker.Check(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, hits+1, testutil.ToFloat64(metrics.DuplicateChecks.WithLabelValues("hit")))

	other := helpers.HashKey("vacation", "bob@example.com", "carol@example.net")
	seen, err = tracker.Check(ctx, other)
	require.NoError(t, err)
	assert.False(t, seen)

	*now = now.Add(25 * time.Hour)
	seen, err = tracker.Check(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen, "expired entries do not count")
}

func TestSQLiteDuplicateTrackerMarkReplaces(t *testing.T) {
	tracker, now := newTestTracker(t, "")
	ctx := context.Background()
	key := []byte("duplicate-key")

	require.NoError(t, tracker.Mark(ctx, key, now.Add(time.Hour)))
	require.NoError(t, tracker.Mark(ctx, key, now.Add(48*time.Hour)))

	n, err := tracker.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	*now = now.Add(2 * time.Hour)
	seen, err := tracker.Check(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSQLiteDuplicateTrackerPurge(t *testing.T) {
	tracker, now := newTestTracker(t, "")
	ctx := context.Background()

	require.NoError(t, tracker.Mark(ctx, []byte("a"), now.Add(time.Hour)))
	require.NoError(t, tracker.Mark(ctx, []byte("b"), now.Add(time.Hour)))
	require.NoError(t, tracker.Mark(ctx, []byte("c"), now.Add(72*time.Hour)))

	*now = now.Add(2 * time.Hour)
	purged, err := tracker.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	n, err := tracker.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteDuplicateTrackerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "duplicates.db")
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	first, err := NewSQLiteDuplicateTracker(path)
	require.NoError(t, err)
	require.NoError(t, first.Mark(ctx, []byte("k"), expires))
	require.NoError(t, first.Close())

	second, err := NewSQLiteDuplicateTracker(path)
	require.NoError(t, err)
	defer second.Close()
	seen, err := second.Check(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSQLiteDuplicateTrackerFeedsCollector(t *testing.T) {
	tracker, now := newTestTracker(t, "")
	ctx := context.Background()
	require.NoError(t, tracker.Mark(ctx, []byte("old"), now.Add(-time.Minute)))
	require.NoError(t, tracker.Mark(ctx, []byte("new"), now.Add(time.Hour)))

	purgedBefore := testutil.ToFloat64(metrics.DuplicatePurged)
	c := metrics.NewCollector(tracker, time.Hour)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(ctx)
	}()
	defer func() {
		c.Stop()
		<-done
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.DuplicatePurged) == purgedBefore+1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.DuplicateEntries) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
