package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-quotecall/pkg/bridge"
	"github.com/teslashibe/go-quotecall/pkg/mediastream"
)

func (s *Server) registerStreamRoutes(app *fiber.App) {
	upgrade := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
	app.Use("/outbound-media-stream", upgrade)
	app.Use("/media-stream", upgrade)

	app.Get("/outbound-media-stream", websocket.New(s.handleMediaStream))
	app.Get("/media-stream/:script", websocket.New(s.handleMediaStream))
}

// handleMediaStream runs one bridge for the lifetime of the carrier socket.
func (s *Server) handleMediaStream(c *websocket.Conn) {
	if !s.join() {
		s.logger.Warn("media stream refused during shutdown")
		c.Close()
		return
	}
	defer s.live.Done()

	name := c.Params("script")
	script, ok := s.deps.Scripts.Lookup(name)
	if !ok {
		s.logger.Warn("media stream for unknown script", "script", name)
		c.Close()
		return
	}

	stream := mediastream.NewStream(c,
		mediastream.WithLogger(s.deps.Logger),
		mediastream.WithCloseClassifier(isCarrierClose),
	)

	opts := append([]bridge.Option{bridge.WithLogger(s.deps.Logger)}, s.deps.BridgeOptions...)
	b := bridge.New(script, s.deps.Bridge, opts...)

	s.deps.Registry.Add(b)
	defer s.deps.Registry.Remove(b)

	s.logger.Debug("carrier connected", "session_id", b.ID(), "script", script.Name)
	if err := b.Run(s.ctx, stream); err != nil {
		s.logger.Error("call session failed", "session_id", b.ID(), "error", err)
	}
	<-stream.Done()
}

func isCarrierClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
