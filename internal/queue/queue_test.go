package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKind = "test.job"

func fastOptions() Options {
	return Options{
		Workers:         2,
		MaxAttempts:     3,
		RetryBackoff:    5 * time.Millisecond,
		MaxRetryBackoff: 20 * time.Millisecond,
		IdlePoll:        10 * time.Millisecond,
	}
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestQueue_RunsEnqueuedJobs(t *testing.T) {
	q := New(fastOptions(), nil)
	var mu sync.Mutex
	var seen []string
	q.Register(testKind, func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(job.Payload))
		return nil
	})
	startQueue(t, q)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind, Payload: []byte(p)}))
	}

	require.NoError(t, q.WaitEmpty(context.Background(), 2*time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_EnqueueAssignsIDAndTimestamp(t *testing.T) {
	q := New(fastOptions(), nil)
	var got Job
	q.Register(testKind, func(ctx context.Context, job Job) error {
		got = job
		return nil
	})
	startQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind}))
	require.NoError(t, q.WaitEmpty(context.Background(), time.Second))

	assert.NotEqual(t, uuid.Nil, got.ID)
	assert.False(t, got.EnqueuedAt.IsZero())
	assert.Equal(t, 1, got.Attempt)
}

func TestQueue_UnknownKindRejected(t *testing.T) {
	q := New(fastOptions(), nil)
	err := q.Enqueue(context.Background(), Job{Kind: "nope"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := New(fastOptions(), nil)
	q.Register(testKind, func(context.Context, Job) error { return nil })
	q.Close()
	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{Kind: testKind}), ErrClosed)
}

func TestQueue_NotBeforeDelaysExecution(t *testing.T) {
	q := New(fastOptions(), nil)
	ran := make(chan time.Time, 1)
	q.Register(testKind, func(ctx context.Context, job Job) error {
		ran <- time.Now()
		return nil
	})
	startQueue(t, q)

	start := time.Now()
	require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind, NotBefore: start.Add(50 * time.Millisecond)}))
	require.NoError(t, q.WaitEmpty(context.Background(), 2*time.Second))

	at := <-ran
	assert.GreaterOrEqual(t, at.Sub(start), 50*time.Millisecond)
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	q := New(fastOptions(), nil)
	var calls atomic.Int32
	q.Register(testKind, func(ctx context.Context, job Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	startQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind}))
	require.NoError(t, q.WaitEmpty(context.Background(), 2*time.Second))

	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, q.DeadLetters())
}

func TestQueue_ExhaustedJobsAreDeadLettered(t *testing.T) {
	q := New(fastOptions(), nil)
	var calls atomic.Int32
	q.Register(testKind, func(ctx context.Context, job Job) error {
		calls.Add(1)
		return errors.New("always fails")
	})
	startQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind, Class: "request"}))
	require.NoError(t, q.WaitEmpty(context.Background(), 2*time.Second))

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempt)
	assert.Equal(t, "always fails", dead[0].LastError)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, Stats{Dead: 1}, q.Stats())
}

func TestQueue_PermanentSkipsRetries(t *testing.T) {
	q := New(fastOptions(), nil)
	var calls atomic.Int32
	q.Register(testKind, func(ctx context.Context, job Job) error {
		calls.Add(1)
		return Permanent(errors.New("unknown recipient"))
	})
	startQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind}))
	require.NoError(t, q.WaitEmpty(context.Background(), 2*time.Second))

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, q.DeadLetters(), 1)
}

func TestQueue_PanicIsRecovered(t *testing.T) {
	opts := fastOptions()
	opts.MaxAttempts = 1
	q := New(opts, nil)
	q.Register(testKind, func(ctx context.Context, job Job) error {
		panic("boom")
	})
	startQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind}))
	require.NoError(t, q.WaitEmpty(context.Background(), 2*time.Second))

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "boom")
}

func TestQueue_RequeueDeadLetters(t *testing.T) {
	q := New(fastOptions(), nil)
	var fail atomic.Bool
	fail.Store(true)
	var successes atomic.Int32
	q.Register(testKind, func(ctx context.Context, job Job) error {
		if fail.Load() {
			return Permanent(errors.New("down"))
		}
		successes.Add(1)
		return nil
	})
	startQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind}))
	require.NoError(t, q.WaitEmpty(context.Background(), 2*time.Second))
	require.Len(t, q.DeadLetters(), 1)

	fail.Store(false)
	assert.Equal(t, 1, q.RequeueDeadLetters())
	require.NoError(t, q.WaitEmpty(context.Background(), 2*time.Second))

	assert.Empty(t, q.DeadLetters())
	assert.Equal(t, int32(1), successes.Load())
}

func TestQueue_WaitEmptyTimesOut(t *testing.T) {
	q := New(fastOptions(), nil)
	q.Register(testKind, func(context.Context, Job) error { return nil })
	// No workers running, so the job stays pending.
	require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind}))

	err := q.WaitEmpty(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_WaitEmptyOnEmptyQueue(t *testing.T) {
	q := New(fastOptions(), nil)
	assert.NoError(t, q.WaitEmpty(context.Background(), time.Millisecond))
}

func TestQueue_Backoff(t *testing.T) {
	q := New(Options{RetryBackoff: time.Second, MaxRetryBackoff: 5 * time.Second}, nil)
	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, 5*time.Second, q.backoff(4))
	assert.Equal(t, 5*time.Second, q.backoff(10))
}

func TestQueue_PendingOrderedByNotBefore(t *testing.T) {
	q := New(fastOptions(), nil)
	q.Register(testKind, func(context.Context, Job) error { return nil })
	now := time.Now()
	require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind, Payload: []byte("late"), NotBefore: now.Add(time.Hour)}))
	require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind, Payload: []byte("early"), NotBefore: now.Add(-time.Second)}))

	job, _, ok := q.lease()
	require.True(t, ok)
	assert.Equal(t, "early", string(job.Payload))

	_, wait, ok := q.lease()
	assert.False(t, ok)
	assert.LessOrEqual(t, wait, fastOptions().IdlePoll)
}

func TestQueue_RateLimit(t *testing.T) {
	opts := fastOptions()
	opts.MaxJobsPerSecond = 20
	q := New(opts, nil)
	q.Register(testKind, func(context.Context, Job) error { return nil })
	startQueue(t, q)

	start := time.Now()
	for i := 0; i < 60; i++ {
		require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind}))
	}
	require.NoError(t, q.WaitEmpty(context.Background(), 10*time.Second))
	// Burst of 20, then 40 more at 20/s.
	assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)
}

func TestPermanent(t *testing.T) {
	base := errors.New("base")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestSweeper(t *testing.T) {
	_, err := NewSweeper("not a schedule", New(fastOptions(), nil), nil)
	require.Error(t, err)

	q := New(fastOptions(), nil)
	q.Register(testKind, func(context.Context, Job) error { return Permanent(errors.New("x")) })
	startQueue(t, q)
	require.NoError(t, q.Enqueue(context.Background(), Job{Kind: testKind}))
	require.NoError(t, q.WaitEmpty(context.Background(), time.Second))
	require.Len(t, q.DeadLetters(), 1)

	s, err := NewSweeper("@every 1h", q, nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	s.Sweep()
	require.NoError(t, q.WaitEmpty(context.Background(), time.Second))
	// The handler still fails, so the job is dead again after one more attempt.
	assert.Len(t, q.DeadLetters(), 1)
}
