package inflight

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"container-job-runner/internal/compute/computetest"
	"container-job-runner/internal/orchestrator"
)

var _ orchestrator.Tracker = (*Tracker)(nil)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return NewTracker(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
}

func TestTracker_TrackExpireForget(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	now := time.Now()

	require.NoError(t, tr.Track(ctx, "job-old", now.Add(-time.Minute)))
	require.NoError(t, tr.Track(ctx, "job-new", now.Add(time.Hour)))

	expired, err := tr.Expired(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-old"}, expired)

	require.NoError(t, tr.Forget(ctx, "job-old"))
	n, err := tr.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Extend only touches existing members.
	require.NoError(t, tr.Extend(ctx, "job-gone", now))
	n, _ = tr.Count(ctx)
	assert.EqualValues(t, 1, n)
}

func TestSweeper_DeletesExpiredAndRetriesFailures(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	now := time.Now()
	require.NoError(t, tr.Track(ctx, "job-orphan", now.Add(-time.Second)))
	require.NoError(t, tr.Track(ctx, "job-live", now.Add(time.Hour)))

	p := &computetest.Provider{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sw := NewSweeper(tr, p, time.Minute, time.Second, logger)

	deleted, err := sw.SweepOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-orphan"}, deleted)
	assert.Equal(t, []string{"job-orphan"}, p.Deleted)

	require.NoError(t, tr.Track(ctx, "job-stuck", now.Add(-time.Second)))
	p.DeleteErr = errors.New("provider unavailable")
	deleted, err = sw.SweepOnce(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	// rescheduled one interval later
	expired, err := tr.Expired(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
	expired, err = tr.Expired(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-stuck"}, expired)
}
