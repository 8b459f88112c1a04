package quote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-quotecall/pkg/convai"
	"github.com/teslashibe/go-quotecall/pkg/store"
)

// Queue errors.
var (
	ErrQueueClosed = errors.New("quote: queue closed")
	ErrQueueFull   = errors.New("quote: queue full")
)

// Job asks for one conversation to be post-processed no earlier than
// NotBefore.
type Job struct {
	ID             string
	ConversationID string
	CorrelationKey string
	NotBefore      time.Time
	SubmittedAt    time.Time
}

// JobHandler runs a job.
type JobHandler func(ctx context.Context, job Job) error

// JobError reports a failed job on Queue.Errors.
type JobError struct {
	Job Job
	Err error
}

func (e JobError) Error() string {
	return "quote: job " + e.Job.ID + " (" + e.Job.ConversationID + "): " + e.Err.Error()
}

// Reason classifies the failure: "no_record", "no_transcript", "timeout",
// "cancelled" or "error".
func (e JobError) Reason() string {
	switch {
	case errors.Is(e.Err, store.ErrNotFound):
		return "no_record"
	case errors.Is(e.Err, convai.ErrNotFound):
		return "no_transcript"
	case errors.Is(e.Err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(e.Err, context.Canceled):
		return "cancelled"
	}
	return "error"
}

// QueueStats counts jobs.
type QueueStats struct {
	Submitted int64
	Succeeded int64
	Failed    int64
	Pending   int
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers sets the worker count.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithJobTimeout bounds each job run, not counting the NotBefore wait.
func WithJobTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.timeout = d }
}

// WithCapacity sets how many jobs may wait for a worker.
func WithCapacity(n int) QueueOption {
	return func(q *Queue) { q.capacity = n }
}

// WithQueueLogger sets the structured logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// Queue runs post-processing jobs on a fixed worker pool, detached from
// the sessions that submitted them.
type Queue struct {
	handler  JobHandler
	workers  int
	capacity int
	timeout  time.Duration
	logger   *slog.Logger

	jobs   chan Job
	errs   chan JobError
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewQueue starts workers that call handler for each submitted job.
func NewQueue(handler JobHandler, opts ...QueueOption) *Queue {
	q := &Queue{
		handler:  handler,
		workers:  4,
		capacity: 256,
		timeout:  2 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "quote.queue")
	q.jobs = make(chan Job, q.capacity)
	q.errs = make(chan JobError, q.capacity)
	q.ctx, q.cancel = context.WithCancel(context.Background())

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit queues a job without blocking.
func (q *Queue) Submit(job Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.SubmittedAt = time.Now()

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		q.submitted.Add(1)
		q.logger.Debug("job queued", "job_id", job.ID, "conversation_id", job.ConversationID,
			"delay", time.Until(job.NotBefore).Round(time.Millisecond))
		return nil
	default:
		return ErrQueueFull
	}
}

// Errors delivers failed jobs and is closed once Close has stopped every
// worker. Failures are dropped when nobody reads and the channel is full.
func (q *Queue) Errors() <-chan JobError {
	return q.errs
}

// Stats returns job counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Submitted: q.submitted.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Pending:   len(q.jobs),
	}
}

// Close stops accepting jobs and waits for queued ones to finish. If ctx
// ends first, in-flight jobs are cancelled and ctx.Err() is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(q.errs)
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(job)
	}
}

func (q *Queue) run(job Job) {
	logger := q.logger.With("job_id", job.ID, "conversation_id", job.ConversationID)

	if wait := time.Until(job.NotBefore); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.ctx.Done():
			timer.Stop()
			q.fail(logger, job, q.ctx.Err())
			return
		}
	}

	ctx := q.ctx
	var cancel context.CancelFunc = func() {}
	if q.timeout > 0 {
		ctx, cancel = context.WithTimeout(q.ctx, q.timeout)
	}
	defer cancel()

	start := time.Now()
	if err := q.handler(ctx, job); err != nil {
		q.fail(logger, job, err)
		return
	}
	q.succeeded.Add(1)
	logger.Info("post-processing done", "duration", time.Since(start).Round(time.Millisecond))
}

func (q *Queue) fail(logger *slog.Logger, job Job, err error) {
	q.failed.Add(1)
	logger.Debug("post-processing failed", "error", err)
	select {
	case q.errs <- JobError{Job: job, Err: err}:
	default:
	}
}
