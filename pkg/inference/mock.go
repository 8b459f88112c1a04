package inference

import (
	"context"
	"sync"
)

// Mock is a Provider for tests. ChatFunc answers; every request is kept.
type Mock struct {
	ChatFunc func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	mu       sync.Mutex
	requests []*ChatRequest
	closed   bool
}

// NewMock answers every request with content.
func NewMock(content string) *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{Content: content, FinishReason: "stop", Model: req.Model}, nil
		},
	}
}

// WithError fails every request with err.
func WithError(err error) *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return nil, err
		},
	}
}

func (m *Mock) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.ChatFunc == nil {
		return nil, ErrEmptyResponse
	}
	return m.ChatFunc(ctx, req)
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Calls returns how many chat requests were made.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil.
func (m *Mock) LastRequest() *ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

var _ Provider = (*Mock)(nil)
