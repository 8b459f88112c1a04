package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-quotecall/internal/log"
	"github.com/teslashibe/go-quotecall/pkg/bridge"
	"github.com/teslashibe/go-quotecall/pkg/convai"
	"github.com/teslashibe/go-quotecall/pkg/inference"
	"github.com/teslashibe/go-quotecall/pkg/quote"
	"github.com/teslashibe/go-quotecall/pkg/store"
)

// fakeElevenLabs serves the signed-url, agent websocket and conversation
// endpoints.
type fakeElevenLabs struct {
	srv *httptest.Server

	mu      sync.Mutex
	initMsg map[string]any
	audio   []string
	got     chan string
}

func newFakeElevenLabs(t *testing.T) *fakeElevenLabs {
	t.Helper()
	f := &fakeElevenLabs{got: make(chan string, 16)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/convai/conversation/get_signed_url", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/agent"
		json.NewEncoder(w).Encode(map[string]string{"signed_url": wsURL})
	})
	mux.HandleFunc("/agent", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var initMsg map[string]any
		if err := ws.ReadJSON(&initMsg); err != nil {
			return
		}
		f.mu.Lock()
		f.initMsg = initMsg
		f.mu.Unlock()

		ws.WriteJSON(map[string]any{
			"type":                                   "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]any{"conversation_id": "ai-42"},
		})
		ws.WriteJSON(map[string]any{
			"type":        "audio",
			"audio_event": map[string]any{"audio_base_64": "QQ==", "event_id": 1},
		})

		for {
			var msg map[string]any
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			if chunk, ok := msg["user_audio_chunk"].(string); ok {
				f.mu.Lock()
				f.audio = append(f.audio, chunk)
				f.mu.Unlock()
				f.got <- chunk
			}
		}
	})
	mux.HandleFunc("/convai/conversations/ai-42", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"conversation_id":"ai-42","status":"done","transcript":[
			{"role":"agent","message":"Hi"},
			{"role":"user","message":"Sure, $500"}
		]}`))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func TestCallEndToEnd(t *testing.T) {
	ctx := context.Background()
	eleven := newFakeElevenLabs(t)

	client, err := convai.NewClient(
		convai.WithAPIKey("test-key"),
		convai.WithAgentID("agent-1"),
		convai.WithBaseURL(eleven.srv.URL),
		convai.WithLogger(log.Discard()),
	)
	if err != nil {
		t.Fatal(err)
	}

	records := newTestStore(t)
	if _, err := records.Upsert(ctx, store.Business{Name: "Bay Plumbing", URL: "http://x.test"}); err != nil {
		t.Fatal(err)
	}

	model := inference.NewMock(`{"quote_amount": 500, "notes": "negotiated standard rate"}`)
	processor := quote.NewProcessor(client, records,
		quote.NewLLMExtractor(model, "", log.Discard()),
		quote.WithProcessorLogger(log.Discard()))
	queue := quote.NewQueue(processor.Handle, quote.WithQueueLogger(log.Discard()))
	defer queue.Close(ctx)

	srv := New(Config{}, Deps{
		Bridge: bridge.Deps{
			Dialer:    bridge.NewConvAIDialer(client),
			Annotator: records,
			Scheduler: queue,
		},
		BridgeOptions: []bridge.Option{bridge.WithGracePeriod(20 * time.Millisecond)},
		Store:         records,
		Processor:     processor,
		Jobs:          queue,
		Logger:        log.Discard(),
	})
	defer srv.Shutdown()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	srv.RegisterRoutes(app)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go app.Listener(ln)
	defer app.Shutdown()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/outbound-media-stream", nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer ws.Close()

	ws.WriteJSON(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	ws.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "S1",
		"start": map[string]any{
			"streamSid":        "S1",
			"callSid":          "CA1",
			"customParameters": map[string]string{"business_url": "http://x.test", "prompt": "Hi"},
		},
	})

	// Agent audio arrives addressed to the stream.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := ws.ReadJSON(&out); err != nil {
		t.Fatalf("read agent audio: %v", err)
	}
	if out.Event != "media" || out.StreamSID != "S1" || out.Media.Payload != "QQ==" {
		t.Errorf("carrier got %+v", out)
	}

	// Caller audio reaches the agent.
	ws.WriteJSON(map[string]any{"event": "media", "streamSid": "S1", "media": map[string]any{"track": "inbound", "payload": "AA=="}})
	select {
	case chunk := <-eleven.got:
		if chunk != "AA==" {
			t.Errorf("agent got %q", chunk)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("caller audio never reached the agent")
	}

	if got := srv.Registry().Count(); got != 1 {
		t.Errorf("active calls = %d", got)
	}

	ws.WriteJSON(map[string]any{"event": "stop", "streamSid": "S1", "stop": map[string]any{"callSid": "CA1"}})

	deadline := time.Now().Add(5 * time.Second)
	var b *store.Business
	for time.Now().Before(deadline) {
		b, err = records.GetByURL(ctx, "http://x.test")
		if err == nil && b.Quote != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if b == nil || b.Quote == nil {
		t.Fatalf("quote never stored: %+v", b)
	}
	if *b.Quote != 500 || b.Notes == nil || *b.Notes != "negotiated standard rate" || b.ConversationID != "ai-42" {
		t.Errorf("record = %+v", b)
	}

	eleven.mu.Lock()
	initMsg := eleven.initMsg
	eleven.mu.Unlock()
	if initMsg["type"] != "conversation_initiation_client_data" {
		t.Errorf("init = %v", initMsg)
	}
	prompt := initMsg["conversation_config_override"].(map[string]any)["agent"].(map[string]any)["prompt"].(map[string]any)
	if prompt["prompt"] != "Hi" {
		t.Errorf("prompt = %v", prompt["prompt"])
	}
	if vars, _ := initMsg["dynamic_variables"].(map[string]any); vars["business_url"] != "http://x.test" || vars["prompt"] != nil {
		t.Errorf("dynamic_variables = %v", initMsg["dynamic_variables"])
	}

	req := model.LastRequest()
	if req == nil || req.Messages[1].Content != "agent: Hi\n\nuser: Sure, $500\n\n" {
		t.Errorf("extraction request = %+v", req)
	}

	var stats bridge.Stats
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		if stats = srv.Registry().Stats(); stats.Completed == 1 {
			break
		}
	}
	if stats.Completed != 1 || stats.Scheduled != 1 || stats.AgentFrames != 1 || stats.CallerFrames != 1 {
		t.Errorf("registry stats = %+v", stats)
	}
}

func TestShutdownSchedulesLiveCalls(t *testing.T) {
	ctx := context.Background()
	eleven := newFakeElevenLabs(t)

	client, err := convai.NewClient(
		convai.WithAPIKey("test-key"),
		convai.WithAgentID("agent-1"),
		convai.WithBaseURL(eleven.srv.URL),
		convai.WithLogger(log.Discard()),
	)
	if err != nil {
		t.Fatal(err)
	}

	records := newTestStore(t)
	if _, err := records.Upsert(ctx, store.Business{URL: "http://x.test"}); err != nil {
		t.Fatal(err)
	}

	var (
		mu      sync.Mutex
		handled []string
	)
	queue := quote.NewQueue(func(_ context.Context, job quote.Job) error {
		mu.Lock()
		handled = append(handled, job.ConversationID)
		mu.Unlock()
		return nil
	}, quote.WithQueueLogger(log.Discard()))

	srv := New(Config{}, Deps{
		Bridge: bridge.Deps{
			Dialer:    bridge.NewConvAIDialer(client),
			Annotator: records,
			Scheduler: queue,
		},
		BridgeOptions: []bridge.Option{bridge.WithGracePeriod(10 * time.Millisecond)},
		Store:         records,
		Logger:        log.Discard(),
	})

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	srv.RegisterRoutes(app)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go app.Listener(ln)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/outbound-media-stream", nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer ws.Close()

	ws.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "S1",
		"start": map[string]any{
			"streamSid":        "S1",
			"callSid":          "CA1",
			"customParameters": map[string]string{"business_url": "http://x.test"},
		},
	})
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read agent audio: %v", err)
	}

	// The call is still live when the process shuts down.
	if got := srv.Registry().Count(); got != 1 {
		t.Fatalf("active calls = %d", got)
	}

	srv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		t.Fatalf("app shutdown: %v", err)
	}
	if err := srv.Wait(shutdownCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := queue.Close(shutdownCtx); err != nil {
		t.Fatalf("queue close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0] != "ai-42" {
		t.Errorf("handled jobs = %v", handled)
	}
	if s := srv.Registry().Stats(); s.Active != 0 || s.Scheduled != 1 {
		t.Errorf("registry stats = %+v", s)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	srv := New(Config{}, Deps{Logger: log.Discard()})
	if !srv.join() {
		t.Fatal("join refused before shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := srv.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait = %v, want deadline", err)
	}

	srv.Shutdown()
	if srv.join() {
		t.Error("join accepted after shutdown")
	}
	srv.live.Done()
	if err := srv.Wait(context.Background()); err != nil {
		t.Errorf("Wait after drain = %v", err)
	}
}
