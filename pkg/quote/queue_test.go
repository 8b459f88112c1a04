package quote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-quotecall/internal/log"
	"github.com/teslashibe/go-quotecall/pkg/convai"
	"github.com/teslashibe/go-quotecall/pkg/store"
)

func TestQueueRunsAfterNotBefore(t *testing.T) {
	var (
		mu    sync.Mutex
		runAt time.Time
	)
	done := make(chan struct{})
	q := NewQueue(func(ctx context.Context, job Job) error {
		mu.Lock()
		runAt = time.Now()
		mu.Unlock()
		close(done)
		return nil
	}, WithQueueLogger(log.Discard()))
	defer q.Close(context.Background())

	notBefore := time.Now().Add(100 * time.Millisecond)
	if err := q.Submit(Job{ConversationID: "ai-1", NotBefore: notBefore}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	if runAt.Before(notBefore) {
		t.Errorf("job ran %v early", notBefore.Sub(runAt))
	}
}

func TestQueueErrors(t *testing.T) {
	boom := errors.New("transcript missing")
	q := NewQueue(func(ctx context.Context, job Job) error {
		return boom
	}, WithQueueLogger(log.Discard()))
	defer q.Close(context.Background())

	if err := q.Submit(Job{ID: "job-1", ConversationID: "ai-1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case jerr := <-q.Errors():
		if jerr.Job.ID != "job-1" || !errors.Is(jerr.Err, boom) {
			t.Errorf("got %+v", jerr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	if s := q.Stats(); s.Failed != 1 || s.Submitted != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	var ran atomic.Int32
	q := NewQueue(func(ctx context.Context, job Job) error {
		ran.Add(1)
		return nil
	}, WithWorkers(2), WithQueueLogger(log.Discard()))

	for i := 0; i < 10; i++ {
		if err := q.Submit(Job{ConversationID: "ai"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ran.Load() != 10 {
		t.Errorf("ran %d jobs, want 10", ran.Load())
	}
	if err := q.Submit(Job{}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestQueueCloseDeadlineCancelsWaiting(t *testing.T) {
	q := NewQueue(func(ctx context.Context, job Job) error {
		return nil
	}, WithQueueLogger(log.Discard()))

	if err := q.Submit(Job{ConversationID: "ai", NotBefore: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if s := q.Stats(); s.Failed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue(func(ctx context.Context, job Job) error {
		<-block
		return nil
	}, WithWorkers(1), WithCapacity(1), WithQueueLogger(log.Discard()))
	defer func() {
		close(block)
		q.Close(context.Background())
	}()

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = q.Submit(Job{ConversationID: "ai"})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueueJobTimeout(t *testing.T) {
	got := make(chan error, 1)
	q := NewQueue(func(ctx context.Context, job Job) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}, WithJobTimeout(20*time.Millisecond), WithQueueLogger(log.Discard()))
	defer q.Close(context.Background())

	q.Submit(Job{ConversationID: "ai"})
	select {
	case err := <-got:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was not bounded")
	}
}

func TestJobErrorReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("quote: resolve record: %w", store.ErrNotFound), "no_record"},
		{fmt.Errorf("quote: fetch transcript: %w", &convai.NotFoundError{ConversationID: "ai-1"}), "no_transcript"},
		{fmt.Errorf("quote: extract: %w", context.DeadlineExceeded), "timeout"},
		{context.Canceled, "cancelled"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := (JobError{Err: tt.err}).Reason(); got != tt.want {
				t.Errorf("Reason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorsClosedAfterClose(t *testing.T) {
	q := NewQueue(func(context.Context, Job) error { return errors.New("boom") },
		WithWorkers(1), WithQueueLogger(log.Discard()))
	if err := q.Submit(Job{ID: "job-1", ConversationID: "ai-1"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got []string
	for jerr := range q.Errors() {
		got = append(got, jerr.Job.ID)
	}
	if len(got) != 1 || got[0] != "job-1" {
		t.Errorf("errors = %v", got)
	}
}
