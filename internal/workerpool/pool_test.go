package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-realtime/internal/logging"
)

func TestPoolRunsJobsAndDrainsOnStop(t *testing.T) {
	p := New("test", 2, 16, logging.Discard())
	var n int64
	for i := 0; i < 10; i++ {
		require.NoError(t, p.TrySubmit(func(ctx context.Context) { atomic.AddInt64(&n, 1) }))
	}
	p.Stop()
	assert.Equal(t, int64(10), atomic.LoadInt64(&n))
	assert.ErrorIs(t, p.TrySubmit(func(context.Context) {}), ErrStopped)
}

func TestPoolTrySubmitRejectsWhenFull(t *testing.T) {
	p := New("full", 1, 1, logging.Discard())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.TrySubmit(func(context.Context) { close(started); <-release }))
	<-started
	require.NoError(t, p.TrySubmit(func(context.Context) {}))
	assert.ErrorIs(t, p.TrySubmit(func(context.Context) {}), ErrQueueFull)
	assert.Equal(t, 1, p.QueueDepth())
	close(release)
	p.Stop()
}

func TestPoolSubmitHonoursContext(t *testing.T) {
	p := New("ctx", 1, 1, logging.Discard())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.TrySubmit(func(context.Context) { close(started); <-release }))
	<-started
	require.NoError(t, p.TrySubmit(func(context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, func(context.Context) {}), context.DeadlineExceeded)
	close(release)
	p.Stop()
}

func TestPoolSurvivesPanickingJob(t *testing.T) {
	p := New("panic", 1, 4, logging.Discard())
	done := make(chan struct{})
	require.NoError(t, p.TrySubmit(func(context.Context) { panic("boom") }))
	require.NoError(t, p.TrySubmit(func(context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from panic")
	}
	p.Stop()
}
