// Package queue is an in-memory work queue with delayed jobs, leasing,
// retry with exponential backoff, and a dead-letter list.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calsched/internal/config"
	"gitea.jw6.us/james/calsched/internal/logging"
	"gitea.jw6.us/james/calsched/internal/metrics"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue closed")
	// ErrUnknownKind is returned when no handler is registered for a job kind.
	ErrUnknownKind = errors.New("no handler registered for job kind")
)

// Job is one unit of queued work.
type Job struct {
	ID         uuid.UUID
	Kind       string
	Class      string
	Payload    []byte
	NotBefore  time.Time
	EnqueuedAt time.Time
	Attempt    int
	LastError  string
}

// Handler executes a job. Returning Permanent(err) skips remaining retries.
type Handler func(ctx context.Context, job Job) error

// Options tunes the workers.
type Options struct {
	Workers          int
	MaxAttempts      int
	RetryBackoff     time.Duration
	MaxRetryBackoff  time.Duration
	MaxJobsPerSecond float64
	// IdlePoll bounds how long an idle worker sleeps between checks.
	IdlePoll time.Duration
}

// OptionsFromConfig maps work queue settings onto Options.
func OptionsFromConfig(wq config.WorkQueues) Options {
	return Options{
		Workers:          wq.Workers,
		MaxAttempts:      wq.MaxAttempts,
		RetryBackoff:     wq.RetryBackoff,
		MaxRetryBackoff:  wq.MaxRetryBackoff,
		MaxJobsPerSecond: wq.MaxJobsPerSecond,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.MaxRetryBackoff < o.RetryBackoff {
		o.MaxRetryBackoff = o.RetryBackoff
	}
	if o.IdlePoll <= 0 {
		o.IdlePoll = time.Second
	}
	return o
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Dead     int `json:"dead"`
}

// Queue is safe for concurrent producers and consumers.
type Queue struct {
	opts    Options
	logger  logging.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
	pending  []Job // ordered by NotBefore
	inFlight int
	dead     []Job
	closed   bool
	// idle is closed whenever nothing is pending or in flight.
	idle   chan struct{}
	signal chan struct{}
}

// New returns an empty queue. Call Run to start workers.
func New(opts Options, logger logging.Logger) *Queue {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logging.Discard()
	}
	q := &Queue{
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string]Handler),
		idle:     make(chan struct{}),
		signal:   make(chan struct{}, 1),
	}
	close(q.idle)
	if opts.MaxJobsPerSecond > 0 {
		burst := int(opts.MaxJobsPerSecond)
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(opts.MaxJobsPerSecond), burst)
	}
	return q
}

// Register sets the handler for a job kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue adds a job. A zero ID is replaced with a random one and EnqueuedAt
// is stamped. The job becomes eligible at NotBefore.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.handlers[job.Kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.EnqueuedAt = q.now()
	q.insertLocked(job)
	return nil
}

func (q *Queue) insertLocked(job Job) {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
	i := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].NotBefore.After(job.NotBefore)
	})
	q.pending = append(q.pending, Job{})
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = job
	q.publishLocked()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) publishLocked() {
	metrics.SetQueueDepth(len(q.pending), q.inFlight, len(q.dead))
}

// lease takes the first ready job. When none is ready it returns how long to
// wait before the next one is due.
func (q *Queue) lease() (Job, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Job{}, q.opts.IdlePoll, false
	}
	now := q.now()
	next := q.pending[0]
	if wait := next.NotBefore.Sub(now); wait > 0 {
		if wait > q.opts.IdlePoll {
			wait = q.opts.IdlePoll
		}
		return Job{}, wait, false
	}
	q.pending[0] = Job{}
	q.pending = q.pending[1:]
	q.inFlight++
	next.Attempt++
	q.publishLocked()
	if len(q.pending) > 0 && !q.pending[0].NotBefore.After(now) {
		q.notify()
	}
	return next, 0, true
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) work(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		job, wait, ok := q.lease()
		if ok {
			q.process(ctx, job)
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		case <-timer.C:
		}
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			q.requeue(job, false)
			return
		}
	}

	q.mu.Lock()
	h := q.handlers[job.Kind]
	q.mu.Unlock()

	err := runHandler(ctx, h, job)
	if err == nil {
		q.complete()
		q.logger.Debug(ctx, "job completed", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		return
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		q.requeue(job, false)
		return
	}

	job.LastError = err.Error()
	if IsPermanent(err) || job.Attempt >= q.opts.MaxAttempts {
		q.bury(job)
		q.logger.Error(ctx, "job moved to dead letters", "job_id", job.ID, "kind", job.Kind, "class", job.Class, "attempt", job.Attempt, "error", err)
		return
	}
	delay := q.backoff(job.Attempt)
	job.NotBefore = q.now().Add(delay)
	q.requeue(job, true)
	q.logger.Warn(ctx, "job failed, retrying", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "retry_in", delay, "error", err)
}

func runHandler(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// backoff is RetryBackoff * 2^(attempt-1), capped at MaxRetryBackoff.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.MaxRetryBackoff {
			return q.opts.MaxRetryBackoff
		}
	}
	return d
}

func (q *Queue) complete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	q.settleLocked()
}

func (q *Queue) requeue(job Job, counted bool) {
	if !counted {
		job.Attempt--
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	q.insertLocked(job)
}

func (q *Queue) bury(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	q.dead = append(q.dead, job)
	q.settleLocked()
}

func (q *Queue) settleLocked() {
	q.publishLocked()
	if len(q.pending) == 0 && q.inFlight == 0 {
		select {
		case <-q.idle:
		default:
			close(q.idle)
		}
	}
}

// WaitEmpty blocks until no job is pending or in flight. Dead letters do not
// count. It fails when timeout elapses or ctx ends first.
func (q *Queue) WaitEmpty(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("queue not drained after %s: %d jobs outstanding", timeout, q.Len())
	}
}

// Len is the number of pending and in-flight jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.inFlight
}

// Stats reports queue sizes.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.pending), InFlight: q.inFlight, Dead: len(q.dead)}
}

// DeadLetters returns a copy of the jobs that exhausted their attempts.
func (q *Queue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// RequeueDeadLetters moves every dead job back to pending with a fresh
// attempt budget and returns how many were moved.
func (q *Queue) RequeueDeadLetters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	dead := q.dead
	q.dead = nil
	now := q.now()
	for _, job := range dead {
		job.Attempt = 0
		job.NotBefore = now
		q.insertLocked(job)
	}
	q.publishLocked()
	return len(dead)
}

// Close stops accepting new jobs. Pending jobs still run while Run is active.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
