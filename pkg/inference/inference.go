// Package inference asks an OpenAI-compatible chat model for short,
// structured answers. It backs quote extraction, where every request is a
// system instruction plus one transcript and the answer is a JSON object.
package inference

import (
	"context"
	"time"
)

// Provider answers chat requests. *Client and *Mock satisfy it.
type Provider interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Close() error
}

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role
	Content string
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ResponseFormat constrains the shape of the answer.
type ResponseFormat string

const (
	FormatText ResponseFormat = ""
	FormatJSON ResponseFormat = "json_object"
)

// ChatRequest is a single completion request. Zero fields fall back to the
// client defaults.
type ChatRequest struct {
	Messages       []Message
	Model          string
	MaxTokens      int
	Temperature    float64
	ResponseFormat ResponseFormat
}

// ChatResponse is the first choice of a completion.
type ChatResponse struct {
	Content      string
	FinishReason string
	Model        string
	Tokens       int
	Latency      time.Duration
}

// Truncated reports whether the model stopped at the token limit.
func (r *ChatResponse) Truncated() bool {
	return r.FinishReason == "length"
}
