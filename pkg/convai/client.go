package convai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-quotecall/internal/httpc"
)

// Client issues REST calls and dials agent sessions.
type Client struct {
	config *Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client. API key and agent id are required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &Client{
		config: cfg,
		http:   httpc.NewClient(cfg.HTTPTimeout),
		logger: cfg.Logger.With("component", "convai.client"),
	}, nil
}

// AgentID returns the configured agent.
func (c *Client) AgentID() string {
	return c.config.AgentID
}

// SignedURL returns a single-use websocket URL for the configured agent.
// Any non-200 response, or a 200 without a URL, is an *AuthError. There are
// no retries.
func (c *Client) SignedURL(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/convai/conversation/get_signed_url?agent_id=%s",
		c.config.BaseURL, url.QueryEscape(c.config.AgentID))

	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return "", &AuthError{Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{StatusCode: resp.StatusCode, Body: httpc.ErrorBody(resp)}
	}
	body, _ := io.ReadAll(resp.Body)

	var result struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.SignedURL == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Body: "response carried no signed_url"}
	}

	c.logger.Debug("obtained signed url", "agent_id", c.config.AgentID)
	return result.SignedURL, nil
}

// Dial opens the agent websocket at target. The handshake is bounded by
// the configured HandshakeTimeout and by ctx.
func (c *Client) Dial(ctx context.Context, target string) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		cerr := &ConnectError{Cause: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
			resp.Body.Close()
		}
		return nil, cerr
	}

	c.logger.Debug("agent websocket open")
	return newConn(ws, c.config, c.logger), nil
}

// Conversation fetches a conversation resource.
func (c *Client) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	endpoint := fmt.Sprintf("%s/convai/conversations/%s", c.config.BaseURL, url.PathEscape(conversationID))

	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{ConversationID: conversationID, Reason: "unknown conversation"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: httpc.ErrorBody(resp)}
	}

	var conv Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, fmt.Errorf("convai: decode conversation: %w", err)
	}
	if conv.ID == "" {
		conv.ID = conversationID
	}
	return &conv, nil
}

// Transcript returns the ordered turns of a finished conversation. An
// unknown id or a conversation with no transcript yet is a *NotFoundError.
func (c *Client) Transcript(ctx context.Context, conversationID string) ([]Turn, error) {
	if conversationID == "" {
		return nil, &NotFoundError{Reason: "empty conversation id"}
	}

	conv, err := c.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(conv.Transcript) == 0 {
		return nil, &NotFoundError{ConversationID: conversationID, Reason: "transcript not available (status " + conv.Status + ")"}
	}
	return conv.Transcript, nil
}

func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("convai: create request: %w", err)
	}
	req.Header.Set("xi-api-key", c.config.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("convai: request failed: %w", err)
	}
	return resp, nil
}
