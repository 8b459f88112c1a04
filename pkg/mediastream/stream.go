package mediastream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pingPeriod keeps idle carrier sockets from being reaped by proxies
	pingPeriod = 30 * time.Second

	// flushWait bounds how long Close waits for queued frames
	flushWait = 2 * time.Second

	sendBuffer = 256
)

// Sentinel errors.
var (
	// ErrClosed is returned after the stream was closed by either side.
	ErrClosed = errors.New("mediastream: stream closed")

	// ErrMissingStreamSID is returned when an outbound frame has no address.
	ErrMissingStreamSID = errors.New("mediastream: stream sid is required")
)

// TransportError is a read or write failure on the socket.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mediastream: %s failed: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// WSConn is the websocket surface the stream needs. Both gorilla and
// gofiber/contrib websocket connections satisfy it.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// WithPingPeriod sets the websocket ping interval. Zero disables pings.
func WithPingPeriod(d time.Duration) Option {
	return func(s *Stream) { s.pingPeriod = d }
}

// WithCloseClassifier decides which read errors are orderly closes. The
// default recognizes gorilla close errors with codes 1000 and 1001.
func WithCloseClassifier(fn func(error) bool) Option {
	return func(s *Stream) { s.isClose = fn }
}

// Stream is the server side of one carrier media socket. Next must be
// called from a single goroutine. Sends are safe for concurrent use and
// are written in call order by a single write pump.
type Stream struct {
	conn       WSConn
	logger     *slog.Logger
	pingPeriod time.Duration
	isClose    func(error) bool

	send     chan []byte
	pumpDone chan struct{}
	pumpErr  atomic.Pointer[TransportError]

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	received atomic.Int64
	sent     atomic.Int64
	skipped  atomic.Int64
}

// Stats counts frames on a stream.
type Stats struct {
	Received int64
	Sent     int64
	Skipped  int64
}

// NewStream wraps conn and starts its write pump.
func NewStream(conn WSConn, opts ...Option) *Stream {
	s := &Stream{
		conn:       conn,
		logger:     slog.Default(),
		pingPeriod: pingPeriod,
		isClose: func(err error) bool {
			return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
		},
		send:     make(chan []byte, sendBuffer),
		pumpDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "mediastream.stream")

	go s.writePump()
	return s
}

// Next blocks for the next inbound event, skipping malformed frames.
func (s *Stream) Next() (Event, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() || s.isClose(err) {
				return nil, ErrClosed
			}
			return nil, &TransportError{Op: "read", Cause: err}
		}
		s.received.Add(1)

		ev, err := Parse(data)
		if err != nil {
			s.skipped.Add(1)
			s.logger.Warn("skipping malformed message", "error", err, "bytes", len(data))
			continue
		}
		return ev, nil
	}
}

// SendMedia queues an outbound audio payload for streamSID.
func (s *Stream) SendMedia(streamSID, payload string) error {
	return s.enqueue(outbound{Event: "media", StreamSID: streamSID, Media: &mediaPayload{Payload: payload}})
}

// SendClear tells the carrier to drop buffered, unplayed audio.
func (s *Stream) SendClear(streamSID string) error {
	return s.enqueue(outbound{Event: "clear", StreamSID: streamSID})
}

// SendMark asks the carrier to echo name back once playback reaches it.
func (s *Stream) SendMark(streamSID, name string) error {
	return s.enqueue(outbound{Event: "mark", StreamSID: streamSID, Mark: &markPayload{Name: name}})
}

func (s *Stream) enqueue(msg outbound) error {
	if msg.StreamSID == "" {
		return ErrMissingStreamSID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mediastream: marshal failed: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	select {
	case s.send <- data:
		return nil
	case <-s.pumpDone:
		if perr := s.pumpErr.Load(); perr != nil {
			return perr
		}
		return ErrClosed
	}
}

// writePump owns every write to the socket.
func (s *Stream) writePump() {
	var tick <-chan time.Time
	if s.pingPeriod > 0 {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		s.conn.Close()
		close(s.pumpDone)
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.pumpErr.Store(&TransportError{Op: "write", Cause: err})
				s.logger.Debug("write failed", "error", err)
				return
			}
			s.sent.Add(1)

		case <-tick:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.pumpErr.Store(&TransportError{Op: "ping", Cause: err})
				return
			}
		}
	}
}

// Close flushes queued frames, sends a close frame and closes the socket.
// Calling it again is a no-op.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()

		select {
		case <-s.pumpDone:
		case <-time.After(flushWait):
			s.logger.Warn("flush timed out, closing socket")
			s.conn.Close()
		}
	})
	return nil
}

// Done is closed once the socket has been released.
func (s *Stream) Done() <-chan struct{} {
	return s.pumpDone
}

// Skipped returns how many malformed frames Next has dropped.
func (s *Stream) Skipped() int64 {
	return s.skipped.Load()
}

// Stats returns frame counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Received: s.received.Load(),
		Sent:     s.sent.Load(),
		Skipped:  s.skipped.Load(),
	}
}

func (s *Stream) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
