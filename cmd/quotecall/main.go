// quotecall: places outbound calls, bridges them to a conversational agent
// and extracts the quoted price from each finished call.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlog "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/teslashibe/go-quotecall/internal/config"
	"github.com/teslashibe/go-quotecall/internal/log"
	"github.com/teslashibe/go-quotecall/pkg/bridge"
	"github.com/teslashibe/go-quotecall/pkg/convai"
	"github.com/teslashibe/go-quotecall/pkg/inference"
	"github.com/teslashibe/go-quotecall/pkg/quote"
	"github.com/teslashibe/go-quotecall/pkg/report"
	"github.com/teslashibe/go-quotecall/pkg/server"
	"github.com/teslashibe/go-quotecall/pkg/store"
	"github.com/teslashibe/go-quotecall/pkg/telephony"
)

// sessionDrainTimeout bounds how long shutdown waits for ended calls to
// flush audio, record their conversation id and hand off post-processing.
const sessionDrainTimeout = 15 * time.Second

var (
	version   = "1.0.0"
	port      = flag.Int("port", config.DefaultPort, "HTTP server port")
	debug     = flag.Bool("debug", false, "Enable debug logging")
	envFile   = flag.String("env", ".env", "Path to .env file")
	storePath = flag.String("store", config.DefaultStorePath, "JSON record store path (ignored when DATABASE_URL is set)")
)

func main() {
	flag.Parse()

	envErr := godotenv.Load(*envFile)

	cfg := config.DefaultConfig()
	cfg.Port = *port
	cfg.Debug = *debug
	cfg.StorePath = *storePath
	cfg.LoadEnvConfig()
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	log.Init(cfg.LogLevel, cfg.LogFormat)
	logger := log.L()

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn("could not load env file", "path", *envFile, "error", envErr)
	}

	fmt.Println()
	fmt.Println("📞 quotecall v" + version)
	fmt.Println("   Outbound quote calls over a conversational agent")
	fmt.Println()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger := log.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, err := store.Open(ctx, cfg.DatabaseURL, cfg.StorePath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer records.Close()

	agent, err := convai.NewClient(
		convai.WithAPIKey(cfg.ElevenLabsAPIKey),
		convai.WithAgentID(cfg.ElevenLabsAgentID),
		convai.WithBaseURL(cfg.ElevenLabsBaseURL),
		convai.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("agent client: %w", err)
	}

	llm, err := inference.NewClient(
		inference.WithBaseURL(cfg.OpenAIBaseURL),
		inference.WithAPIKey(cfg.OpenAIKey),
		inference.WithModel(cfg.ExtractionModel),
		inference.WithTemperature(0),
		inference.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("inference client: %w", err)
	}
	defer llm.Close()

	var publishers []quote.Publisher
	if cfg.ReportEnabled() {
		docs, err := report.NewDocsPublisher(ctx, cfg.GoogleCredentialsFile, cfg.QuoteReportDocID, logger)
		if err != nil {
			return fmt.Errorf("quote report: %w", err)
		}
		publishers = append(publishers, docs)
		logger.Info("quote report enabled", "doc_id", cfg.QuoteReportDocID)
	}

	processor := quote.NewProcessor(agent, records,
		quote.NewLLMExtractor(llm, cfg.ExtractionModel, logger),
		quote.WithPublishers(publishers...),
		quote.WithProcessorLogger(logger),
	)
	queue := quote.NewQueue(processor.Handle,
		quote.WithWorkers(cfg.PostProcessWorkers),
		quote.WithJobTimeout(cfg.PostProcessTimeout),
		quote.WithQueueLogger(logger),
	)
	failuresDone := reportFailures(queue.Errors(), logger)

	caller, err := telephony.NewCaller(
		telephony.WithCredentials(cfg.TwilioAccountSID, cfg.TwilioAuthToken),
		telephony.WithPhoneNumber(cfg.TwilioPhoneNumber),
		telephony.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("telephony: %w", err)
	}

	srv := server.New(server.Config{
		PublicHost: cfg.PublicHost,
		Persona: bridge.Persona{
			Name:        cfg.CallerName,
			PhoneNumber: cfg.CallerPhoneNumber,
			Location:    cfg.CallerLocation,
		},
		Version: version,
	}, server.Deps{
		Bridge: bridge.Deps{
			Dialer:    bridge.NewConvAIDialer(agent),
			Annotator: records,
			Scheduler: queue,
		},
		BridgeOptions: []bridge.Option{bridge.WithGracePeriod(cfg.PostProcessGrace)},
		Caller:        caller,
		Processor:     processor,
		Store:         records,
		Jobs:          queue,
		Logger:        logger,
	})

	app := fiber.New(fiber.Config{
		AppName:               "quotecall",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.Debug {
		app.Use(fiberlog.New())
	}
	srv.RegisterRoutes(app)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info("starting server", "addr", addr, "agent_id", agent.AgentID(), "from", caller.From())
		errCh <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down", "active_calls", srv.Registry().Count())

	srv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Websocket handlers are not tracked by Fiber once hijacked; wait for
	// the cancelled calls to schedule their jobs before closing the queue.
	waitCtx, cancelWait := context.WithTimeout(context.Background(), sessionDrainTimeout)
	defer cancelWait()
	if err := srv.Wait(waitCtx); err != nil {
		logger.Warn("calls still closing at shutdown", "error", err, "active_calls", srv.Registry().Count())
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.PostProcessGrace+cfg.PostProcessTimeout)
	defer cancelDrain()
	if err := queue.Close(drainCtx); err != nil {
		logger.Warn("post-processing queue did not drain", "error", err, "stats", queue.Stats())
	}
	<-failuresDone
	return nil
}

// reportFailures logs every failed post-processing job until errs is closed.
func reportFailures(errs <-chan quote.JobError, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for jerr := range errs {
			logger.Error("no quote for call",
				"reason", jerr.Reason(),
				"conversation_id", jerr.Job.ConversationID,
				"business_url", jerr.Job.CorrelationKey,
				"error", jerr.Err,
			)
		}
	}()
	return done
}
