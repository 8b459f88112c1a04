// Package bridge relays one phone call between the carrier media stream
// and a conversational agent, then hands the finished conversation off for
// quote extraction.
//
// A Bridge walks a fixed state machine:
//
//	Idle -> Starting -> Active -> Closing -> PostProcessing -> Done
//
// with Errored reachable from any non-terminal state when setup fails.
// While Active, two relay tasks run: caller -> agent forwards inbound
// audio, agent -> caller forwards agent audio and control. Either task
// ending closes both connections.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-quotecall/pkg/convai"
	"github.com/teslashibe/go-quotecall/pkg/mediastream"
	"github.com/teslashibe/go-quotecall/pkg/quote"
)

// Defaults.
const (
	DefaultGracePeriod     = 5 * time.Second
	DefaultSetupTimeout    = 15 * time.Second
	DefaultAnnotateTimeout = 10 * time.Second
)

// State is a bridge lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateClosing
	StatePostProcessing
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StatePostProcessing:
		return "post_processing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored
}

// AgentConn is one live agent connection. *convai.Conn satisfies it.
type AgentConn interface {
	SendInit(convai.Initiation) error
	SendUserAudio(chunk string) error
	SendPong(eventID int) error
	Next() (convai.Event, error)
	Close() error
}

// AgentDialer opens authorized agent connections.
type AgentDialer interface {
	DialAgent(ctx context.Context) (AgentConn, error)
}

// CallerStream is the carrier side of the call. *mediastream.Stream
// satisfies it.
type CallerStream interface {
	Next() (mediastream.Event, error)
	SendMedia(streamSID, payload string) error
	SendClear(streamSID string) error
	SendMark(streamSID, name string) error
	Close() error
}

// Annotator records the conversation id on the correlating record. It must
// never create records. store.Store satisfies it.
type Annotator interface {
	SetConversationID(ctx context.Context, key, conversationID string) error
}

// Scheduler accepts post-processing jobs. *quote.Queue satisfies it.
type Scheduler interface {
	Submit(job quote.Job) error
}

// Deps are the collaborators shared by all bridges.
type Deps struct {
	Dialer AgentDialer

	// Annotator and Scheduler are optional; without them the session is
	// relayed but nothing is recorded.
	Annotator Annotator
	Scheduler Scheduler
}

// ErrNoDialer is returned by Run when Deps has no Dialer.
var ErrNoDialer = errors.New("bridge: agent dialer is required")

// SetupError wraps a failure to bring the agent side up.
type SetupError struct {
	Op    string
	Cause error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("bridge: setup %s: %v", e.Op, e.Cause)
}

func (e *SetupError) Unwrap() error {
	return e.Cause
}

// relay end reasons
var (
	errCallerStopped = errors.New("caller sent stop")
	errCallerClosed  = errors.New("caller closed stream")
	errAgentClosed   = errors.New("agent closed connection")
)

// Session is the session-scoped state of one bridge.
type Session struct {
	ID               string            `json:"id"`
	Script           string            `json:"script"`
	State            string            `json:"state"`
	StreamSID        string            `json:"stream_sid,omitempty"`
	CallSID          string            `json:"call_sid,omitempty"`
	CustomParameters map[string]string `json:"-"`
	CorrelationKey   string            `json:"correlation_key,omitempty"`
	ConversationID   string            `json:"conversation_id,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          time.Time         `json:"ended_at,omitzero"`
	EndReason        string            `json:"end_reason,omitempty"`

	CallerFrames      int64 `json:"caller_frames"`
	AgentFrames       int64 `json:"agent_frames"`
	EarlyMediaDropped int64 `json:"early_media_dropped"`
	MalformedSkipped  int64 `json:"malformed_skipped"`
	PlaybackMarks     int64 `json:"playback_marks"`
	Scheduled         bool  `json:"scheduled"`
}

// skipCounter is implemented by connections that count the malformed frames
// they drop.
type skipCounter interface {
	Skipped() int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithGracePeriod sets how long after hangup post-processing may start.
func WithGracePeriod(d time.Duration) Option {
	return func(b *Bridge) { b.grace = d }
}

// WithSetupTimeout bounds signed-session fetch plus dial.
func WithSetupTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.setupTimeout = d }
}

// WithAnnotateTimeout bounds the conversation id write.
func WithAnnotateTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.annotateTimeout = d }
}

// Bridge owns one call session. It is not reusable.
type Bridge struct {
	script          CallScript
	deps            Deps
	logger          *slog.Logger
	grace           time.Duration
	setupTimeout    time.Duration
	annotateTimeout time.Duration

	state atomic.Int32

	mu       sync.Mutex
	session  Session
	counters []skipCounter

	annotations sync.WaitGroup

	callerFrames      atomic.Int64
	agentFrames       atomic.Int64
	earlyMediaDropped atomic.Int64
	playbackMarks     atomic.Int64
}

// New creates a bridge for one call using script.
func New(script CallScript, deps Deps, opts ...Option) *Bridge {
	b := &Bridge{
		script:          script,
		deps:            deps,
		logger:          slog.Default(),
		grace:           DefaultGracePeriod,
		setupTimeout:    DefaultSetupTimeout,
		annotateTimeout: DefaultAnnotateTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.session = Session{
		ID:        uuid.New().String(),
		Script:    script.Name,
		StartedAt: time.Now(),
	}
	b.logger = b.logger.With("component", "bridge", "session_id", b.session.ID, "script", script.Name)
	return b
}

// ID returns the local session id.
func (b *Bridge) ID() string {
	return b.session.ID
}

// State returns the current state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Snapshot returns a copy of the session.
func (b *Bridge) Snapshot() Session {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()

	s.State = b.State().String()
	s.CallerFrames = b.callerFrames.Load()
	s.AgentFrames = b.agentFrames.Load()
	s.EarlyMediaDropped = b.earlyMediaDropped.Load()
	s.MalformedSkipped = b.malformedSkipped()
	s.PlaybackMarks = b.playbackMarks.Load()
	return s
}

func (b *Bridge) track(conn any) {
	if sc, ok := conn.(skipCounter); ok {
		b.mu.Lock()
		b.counters = append(b.counters, sc)
		b.mu.Unlock()
	}
}

func (b *Bridge) malformedSkipped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, sc := range b.counters {
		n += sc.Skipped()
	}
	return n
}

func (b *Bridge) setState(s State) {
	prev := State(b.state.Swap(int32(s)))
	if prev != s {
		b.logger.Debug("state", "from", prev, "to", s)
	}
}

// Run drives the session over caller until it ends. It returns an error
// only when the session ends in Errored; failures after the session became
// Active are logged.
func (b *Bridge) Run(ctx context.Context, caller CallerStream) error {
	if b.deps.Dialer == nil {
		b.finish(StateErrored, ErrNoDialer.Error())
		caller.Close()
		return ErrNoDialer
	}

	b.track(caller)

	// Unblock any pending caller read when the server shuts down.
	stopWatch := context.AfterFunc(ctx, func() { caller.Close() })
	defer stopWatch()

	start, err := b.awaitStart(caller)
	if err != nil {
		caller.Close()
		if errors.Is(err, errCallerStopped) || errors.Is(err, errCallerClosed) {
			b.logger.Info("call ended before stream start")
			b.finish(StateDone, err.Error())
			return nil
		}
		b.logger.Error("caller stream failed before start", "error", err)
		b.finish(StateErrored, err.Error())
		return err
	}

	b.setState(StateStarting)
	b.begin(start)
	logger := b.logger.With("stream_sid", start.StreamSID, "call_sid", start.CallSID)
	logger.Info("stream started", "correlation_key", b.script.CorrelationKey(start.CustomParameters))

	agent, err := b.setup(ctx, start)
	if err != nil {
		logger.Error("agent setup failed", "error", err)
		caller.Close()
		b.finish(StateErrored, err.Error())
		return err
	}
	b.track(agent)

	b.setState(StateActive)
	logger.Info("bridge active")
	reason := b.relay(ctx, caller, agent, start.StreamSID)

	b.setState(StateClosing)
	agent.Close()
	caller.Close()
	b.waitAnnotation()
	logger.Info("bridge closed", "reason", reason)

	b.setState(StatePostProcessing)
	b.handoff(logger)

	b.finish(StateDone, reason)
	return nil
}

// awaitStart reads until the carrier announces the stream. Media before
// start has nowhere to go and is dropped.
func (b *Bridge) awaitStart(caller CallerStream) (mediastream.Start, error) {
	for {
		ev, err := caller.Next()
		if err != nil {
			if errors.Is(err, mediastream.ErrClosed) {
				return mediastream.Start{}, errCallerClosed
			}
			return mediastream.Start{}, err
		}
		switch ev := ev.(type) {
		case mediastream.Start:
			return ev, nil
		case mediastream.Media:
			b.earlyMediaDropped.Add(1)
			b.logger.Debug("dropping media before start", "chunk", ev.Chunk)
		case mediastream.Stop:
			return mediastream.Start{}, errCallerStopped
		default:
			b.logger.Debug("caller event before start", "event", mediastream.EventName(ev))
		}
	}
}

func (b *Bridge) begin(start mediastream.Start) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session.StreamSID = start.StreamSID
	b.session.CallSID = start.CallSID
	b.session.CustomParameters = start.CustomParameters
	b.session.CorrelationKey = b.script.CorrelationKey(start.CustomParameters)
}

func (b *Bridge) setup(ctx context.Context, start mediastream.Start) (AgentConn, error) {
	sctx, cancel := context.WithTimeout(ctx, b.setupTimeout)
	defer cancel()

	agent, err := b.deps.Dialer.DialAgent(sctx)
	if err != nil {
		return nil, &SetupError{Op: "dial agent", Cause: err}
	}
	if err := agent.SendInit(b.script.Initiation(start.CustomParameters)); err != nil {
		agent.Close()
		return nil, &SetupError{Op: "send init", Cause: err}
	}
	return agent, nil
}

// relay runs both directions until one ends and returns why.
func (b *Bridge) relay(ctx context.Context, caller CallerStream, agent AgentConn, streamSID string) string {
	g, gctx := errgroup.WithContext(ctx)

	// Closing both sides unblocks whichever task is still reading.
	stop := context.AfterFunc(gctx, func() {
		agent.Close()
		caller.Close()
	})
	defer stop()

	g.Go(func() error { return b.callerToAgent(caller, agent) })
	g.Go(func() error { return b.agentToCaller(ctx, caller, agent, streamSID) })

	err := g.Wait()
	switch {
	case errors.Is(err, errCallerStopped), errors.Is(err, errCallerClosed), errors.Is(err, errAgentClosed):
		return err.Error()
	case err == nil:
		return "cancelled"
	default:
		b.logger.Warn("relay ended by transport error", "error", err)
		return err.Error()
	}
}

func (b *Bridge) callerToAgent(caller CallerStream, agent AgentConn) error {
	for {
		ev, err := caller.Next()
		if err != nil {
			if errors.Is(err, mediastream.ErrClosed) {
				return errCallerClosed
			}
			return err
		}

		switch ev := ev.(type) {
		case mediastream.Media:
			if err := agent.SendUserAudio(ev.Payload); err != nil {
				if errors.Is(err, convai.ErrClosed) {
					return errAgentClosed
				}
				return err
			}
			b.callerFrames.Add(1)
		case mediastream.Stop:
			return errCallerStopped
		case mediastream.Start:
			b.logger.Warn("ignoring repeated start", "stream_sid", ev.StreamSID)
		case mediastream.Mark:
			b.playbackMarks.Add(1)
			b.logger.Debug("agent audio played", "mark", ev.Name)
		case mediastream.DTMF:
			b.logger.Debug("caller pressed digit", "digit", ev.Digit)
		default:
			b.logger.Debug("caller event", "event", mediastream.EventName(ev))
		}
	}
}

func (b *Bridge) agentToCaller(ctx context.Context, caller CallerStream, agent AgentConn, streamSID string) error {
	for {
		ev, err := agent.Next()
		if err != nil {
			if errors.Is(err, convai.ErrClosed) {
				return errAgentClosed
			}
			return err
		}

		switch ev := ev.(type) {
		case convai.Metadata:
			b.captureConversation(ctx, ev.ConversationID)
		case convai.Audio:
			if ev.Chunk == "" {
				continue
			}
			if err := caller.SendMedia(streamSID, ev.Chunk); err != nil {
				if errors.Is(err, mediastream.ErrClosed) {
					return errCallerClosed
				}
				return err
			}
			b.agentFrames.Add(1)
			if err := caller.SendMark(streamSID, playbackMark(ev.EventID)); err != nil {
				if errors.Is(err, mediastream.ErrClosed) {
					return errCallerClosed
				}
				return err
			}
		case convai.Interruption:
			if err := caller.SendClear(streamSID); err != nil {
				if errors.Is(err, mediastream.ErrClosed) {
					return errCallerClosed
				}
				return err
			}
		case convai.Ping:
			if err := agent.SendPong(ev.EventID); err != nil {
				if errors.Is(err, convai.ErrClosed) {
					return errAgentClosed
				}
				return err
			}
		case convai.AgentResponse:
			b.logger.Debug("agent said", "text", ev.Text)
		case convai.UserTranscript:
			b.logger.Debug("caller said", "text", ev.Text)
		default:
			b.logger.Debug("agent event", "type", convai.EventType(ev))
		}
	}
}

// captureConversation stores the conversation id and annotates the record
// once per session. A repeated id is a no-op.
func (b *Bridge) captureConversation(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}

	b.mu.Lock()
	if current := b.session.ConversationID; current != "" {
		b.mu.Unlock()
		if current != conversationID {
			b.logger.Warn("ignoring second conversation id", "conversation_id", current, "other", conversationID)
		}
		return
	}
	b.session.ConversationID = conversationID
	key := b.session.CorrelationKey
	b.mu.Unlock()

	logger := b.logger.With("conversation_id", conversationID, "correlation_key", key)
	logger.Info("conversation started")

	if b.deps.Annotator == nil {
		return
	}
	if key == "" {
		logger.Warn("no correlation key on stream; record not annotated")
		return
	}

	b.annotations.Add(1)
	go func() {
		defer b.annotations.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.annotateTimeout)
		defer cancel()
		if err := b.deps.Annotator.SetConversationID(actx, key, conversationID); err != nil {
			logger.Warn("record annotation failed", "error", err)
			return
		}
		logger.Debug("record annotated")
	}()
}

func (b *Bridge) waitAnnotation() {
	done := make(chan struct{})
	go func() {
		b.annotations.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.annotateTimeout):
		b.logger.Warn("gave up waiting for record annotation")
	}
}

func (b *Bridge) handoff(logger *slog.Logger) {
	b.mu.Lock()
	conversationID := b.session.ConversationID
	key := b.session.CorrelationKey
	b.mu.Unlock()

	if conversationID == "" {
		logger.Info("no conversation id captured; no quote")
		return
	}
	if b.deps.Scheduler == nil {
		logger.Debug("no scheduler; skipping post-processing", "conversation_id", conversationID)
		return
	}

	err := b.deps.Scheduler.Submit(quote.Job{
		ConversationID: conversationID,
		CorrelationKey: key,
		NotBefore:      time.Now().Add(b.grace),
	})
	if err != nil {
		logger.Error("post-processing not scheduled", "conversation_id", conversationID, "error", err)
		return
	}

	b.mu.Lock()
	b.session.Scheduled = true
	b.mu.Unlock()
	logger.Info("post-processing scheduled", "conversation_id", conversationID, "grace", b.grace)
}

func (b *Bridge) finish(s State, reason string) {
	b.mu.Lock()
	b.session.EndedAt = time.Now()
	b.session.EndReason = reason
	b.mu.Unlock()
	b.setState(s)
}

// playbackMark names the mark that follows an agent audio chunk; the carrier
// echoes it once the chunk has played.
func playbackMark(eventID int) string {
	return fmt.Sprintf("agent-%d", eventID)
}
