// Package server exposes the HTTP control surface and the carrier
// media-stream websocket on a Fiber app.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-quotecall/pkg/bridge"
	"github.com/teslashibe/go-quotecall/pkg/convai"
	"github.com/teslashibe/go-quotecall/pkg/quote"
	"github.com/teslashibe/go-quotecall/pkg/store"
	"github.com/teslashibe/go-quotecall/pkg/telephony"
)

// CallPlacer originates outbound calls. *telephony.Caller satisfies it.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req telephony.CallRequest) (*telephony.Call, error)
}

// ConversationProcessor runs post-processing on demand. *quote.Processor
// satisfies it.
type ConversationProcessor interface {
	Process(ctx context.Context, conversationID string) (*quote.Result, error)
}

// JobStats reports post-processing counters. *quote.Queue satisfies it.
type JobStats interface {
	Stats() quote.QueueStats
}

// Config holds server settings.
type Config struct {
	// PublicHost is the externally reachable host used in TwiML URLs.
	// When empty the request Host header is used.
	PublicHost string

	// Persona fills the caller fields of every prompt.
	Persona bridge.Persona

	Version string
}

// Deps are the server's collaborators. Caller, Processor, Store and Jobs
// may be nil; the routes that need them then answer 503.
type Deps struct {
	Scripts       bridge.Scripts
	Bridge        bridge.Deps
	BridgeOptions []bridge.Option
	Registry      *bridge.Registry

	Caller    CallPlacer
	Processor ConversationProcessor
	Store     store.Store
	Jobs      JobStats

	Logger *slog.Logger
}

// Server serves one process worth of calls.
type Server struct {
	cfg  Config
	deps Deps

	logger *slog.Logger

	// bridges run under ctx so Shutdown can end live calls
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	live     sync.WaitGroup
}

// New creates a server.
func New(cfg Config, deps Deps) *Server {
	if deps.Scripts == nil {
		deps.Scripts = bridge.DefaultScripts()
	}
	if deps.Registry == nil {
		deps.Registry = bridge.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "server"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Registry returns the live-call registry.
func (s *Server) Registry() *bridge.Registry {
	return s.deps.Registry
}

// Shutdown ends all live bridges and refuses new media streams. The ended
// sessions still hand off to post-processing; Wait reports when they have.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until every media-stream handler has returned, so each
// session has finished its hand-off, or until ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// join registers a media-stream handler. It fails once Shutdown was called.
func (s *Server) join() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.live.Add(1)
	return true
}

// RegisterRoutes registers every route on app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	s.registerStreamRoutes(app)

	app.Post("/outbound-call", s.handleOutboundCall)
	app.Get("/outbound-call-twiml", s.handleTwiML)
	app.Post("/process-conversation", s.handleProcessConversation)

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)

	s.RegisterAPIRoutes(app.Group("/api"))
}

// RegisterAPIRoutes registers the JSON API.
func (s *Server) RegisterAPIRoutes(api fiber.Router) {
	api.Get("/businesses", s.handleListBusinesses)
	api.Post("/businesses", s.handleUpsertBusinesses)

	api.Get("/calls", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"calls": s.deps.Registry.Sessions(),
			"count": s.deps.Registry.Count(),
			"stats": s.deps.Registry.Stats(),
		})
	})
	api.Get("/calls/:id", func(c *fiber.Ctx) error {
		b, ok := s.deps.Registry.Get(c.Params("id"))
		if !ok {
			return errorJSON(c, fiber.StatusNotFound, "call not found")
		}
		return c.JSON(b.Snapshot())
	})
	api.Get("/scripts", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"scripts": s.deps.Scripts.Names()})
	})
}

func errorJSON(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"success": false, "error": msg})
}

type outboundCallRequest struct {
	BusinessNumber     string `json:"business_number"`
	BusinessURL        string `json:"business_url"`
	BusinessName       string `json:"business_name"`
	ServiceDescription string `json:"service_description"`
	UserLocation       string `json:"user_location"`
	Detail             string `json:"detail"`
	Script             string `json:"script"`
	Language           string `json:"language"`
}

func (s *Server) handleOutboundCall(c *fiber.Ctx) error {
	if s.deps.Caller == nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "calling is not configured")
	}

	var req outboundCallRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.BusinessNumber) == "" {
		return errorJSON(c, fiber.StatusBadRequest, "Business number is required")
	}
	if strings.TrimSpace(req.BusinessURL) == "" {
		return errorJSON(c, fiber.StatusBadRequest, "Business url is required")
	}
	script, ok := s.deps.Scripts.Lookup(req.Script)
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "unknown script "+req.Script)
	}

	target := bridge.Target{
		Name:        req.BusinessName,
		URL:         req.BusinessURL,
		PhoneNumber: req.BusinessNumber,
		Service:     req.ServiceDescription,
		Detail:      req.Detail,
		Location:    req.UserLocation,
		Language:    req.Language,
	}
	logger := s.logger.With("business_url", target.URL, "script", script.Name)

	// The bridge only annotates existing records, so make sure one exists.
	if s.deps.Store != nil {
		_, err := s.deps.Store.Upsert(c.UserContext(), store.Business{
			Name:        target.Name,
			URL:         target.URL,
			PhoneNumber: target.PhoneNumber,
		})
		if err != nil {
			logger.Warn("record upsert failed", "error", err)
		}
	}

	twimlURL := "https://" + s.host(c) + "/outbound-call-twiml?" + script.Query(target, s.cfg.Persona).Encode()
	call, err := s.deps.Caller.PlaceCall(c.UserContext(), telephony.CallRequest{
		To:       req.BusinessNumber,
		TwiMLURL: twimlURL,
	})
	if err != nil {
		logger.Error("call not placed", "error", err)
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to initiate call")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Call initiated",
		"callSid": call.SID,
	})
}

func (s *Server) handleTwiML(c *fiber.Ctx) error {
	vars := c.Queries()

	script, ok := s.deps.Scripts.Lookup(vars[bridge.ParamScript])
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "unknown script "+vars[bridge.ParamScript])
	}

	prompt, err := script.RenderPrompt(vars)
	if err != nil {
		s.logger.Error("prompt render failed", "script", script.Name, "error", err)
		return errorJSON(c, fiber.StatusInternalServerError, "failed to render prompt")
	}

	params := map[string]string{
		bridge.ParamPrompt:      prompt,
		script.CorrelationParam: vars[script.CorrelationParam],
		bridge.ParamScript:      script.Name,
	}
	for _, k := range []string{script.NameParam, bridge.ParamLanguage} {
		if v := vars[k]; k != "" && v != "" {
			params[k] = v
		}
	}

	twiml, err := telephony.StreamTwiML(telephony.StreamSpec{
		URL:        "wss://" + s.host(c) + streamPath(script.Name),
		Parameters: params,
	})
	if err != nil {
		s.logger.Error("twiml render failed", "error", err)
		return errorJSON(c, fiber.StatusInternalServerError, "failed to render twiml")
	}

	c.Set(fiber.HeaderContentType, "text/xml")
	return c.SendString(twiml)
}

// streamPath maps a script to its media-stream route; the business script
// keeps the bare /outbound-media-stream path.
func streamPath(script string) string {
	if script == bridge.ScriptBusinessQuote {
		return "/outbound-media-stream"
	}
	return "/media-stream/" + url.PathEscape(script)
}

func (s *Server) host(c *fiber.Ctx) string {
	if s.cfg.PublicHost != "" {
		return s.cfg.PublicHost
	}
	return string(c.Request().Host())
}

func (s *Server) handleProcessConversation(c *fiber.Ctx) error {
	if s.deps.Processor == nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "post-processing is not configured")
	}

	id := c.Query("conversation_id")
	if id == "" {
		var body struct {
			ConversationID string `json:"conversation_id"`
		}
		if len(c.Body()) > 0 && c.BodyParser(&body) == nil {
			id = body.ConversationID
		}
	}
	if id == "" {
		return errorJSON(c, fiber.StatusBadRequest, "conversation_id is required")
	}

	res, err := s.deps.Processor.Process(c.UserContext(), id)
	if err != nil {
		s.logger.Warn("manual post-processing failed", "conversation_id", id, "error", err)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, convai.ErrNotFound) {
			return errorJSON(c, fiber.StatusNotFound, err.Error())
		}
		return errorJSON(c, fiber.StatusBadGateway, err.Error())
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"transcript": res.Transcript,
		"quote":      res.Quote,
		"notes":      res.Notes,
		"business":   res.Business,
	})
}

func (s *Server) handleListBusinesses(c *fiber.Ctx) error {
	if s.deps.Store == nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "store is not configured")
	}
	list, err := s.deps.Store.List(c.UserContext())
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"businesses": list, "count": len(list)})
}

func (s *Server) handleUpsertBusinesses(c *fiber.Ctx) error {
	if s.deps.Store == nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "store is not configured")
	}

	var body struct {
		Businesses []store.Business `json:"businesses"`
	}
	if err := c.BodyParser(&body); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	if len(body.Businesses) == 0 {
		return errorJSON(c, fiber.StatusBadRequest, "businesses is required")
	}

	saved, err := s.deps.Store.Upsert(c.UserContext(), body.Businesses...)
	if err != nil {
		if errors.Is(err, store.ErrInvalidBusiness) {
			return errorJSON(c, fiber.StatusBadRequest, err.Error())
		}
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"success": true, "businesses": saved, "count": len(saved)})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":       "ok",
		"version":      s.cfg.Version,
		"active_calls": s.deps.Registry.Count(),
	})
}
