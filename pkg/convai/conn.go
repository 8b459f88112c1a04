package convai

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

// Conn is one live agent session. Next must be called from a single
// goroutine; the Send methods are safe for concurrent use.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	initiated atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	sent     atomic.Int64
	received atomic.Int64
	skipped  atomic.Int64
}

// ConnStats counts frames on a connection.
type ConnStats struct {
	Sent     int64
	Received int64
	Skipped  int64
}

func newConn(ws *websocket.Conn, cfg *Config, logger *slog.Logger) *Conn {
	return &Conn{
		ws:           ws,
		logger:       logger.With("component", "convai.conn"),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

// SendInit sends the conversation initiation override. It must be the
// first message on the connection and may be sent only once.
func (c *Conn) SendInit(in Initiation) error {
	if !c.initiated.CompareAndSwap(false, true) {
		return ErrAlreadyInitiated
	}
	if err := c.write(newInitiationMessage(in)); err != nil {
		c.initiated.Store(false)
		return err
	}
	c.logger.Debug("sent initiation", "prompt_len", len(in.Prompt), "tools", len(in.Tools))
	return nil
}

// SendUserAudio forwards one base64 caller audio chunk verbatim.
func (c *Conn) SendUserAudio(chunk string) error {
	if !c.initiated.Load() {
		return ErrNotInitiated
	}
	return c.write(userAudioMessage{Type: typeUserAudioChunk, Chunk: chunk})
}

// SendPong answers a Ping.
func (c *Conn) SendPong(eventID int) error {
	if !c.initiated.Load() {
		return ErrNotInitiated
	}
	return c.write(pongMessage{Type: typePong, EventID: eventID})
}

func (c *Conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("convai: marshal failed: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return &TransportError{Op: "write", Cause: err}
	}
	c.sent.Add(1)
	return nil
}

// Next blocks for the next inbound event. Malformed frames are logged and
// skipped. It returns ErrClosed after an orderly close from either side
// and a *TransportError for anything else.
func (c *Conn) Next() (Event, error) {
	for {
		if c.readTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, &TransportError{Op: "read", Cause: err}
		}
		c.received.Add(1)

		ev, err := ParseEvent(data)
		if err != nil {
			c.skipped.Add(1)
			c.logger.Warn("skipping malformed message", "error", err, "bytes", len(data))
			continue
		}
		return ev, nil
	}
}

// Close sends a close frame and closes the socket. Calling it again is a
// no-op.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		deadline := time.Now().Add(time.Second)
		err := c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("close frame not sent", "error", err)
		}
		c.ws.Close()
	})
	return nil
}

// Skipped returns how many malformed frames Next has dropped.
func (c *Conn) Skipped() int64 {
	return c.skipped.Load()
}

// Stats returns frame counters.
func (c *Conn) Stats() ConnStats {
	return ConnStats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Skipped:  c.skipped.Load(),
	}
}
