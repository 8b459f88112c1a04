package bridge

import (
	"context"

	"github.com/teslashibe/go-quotecall/pkg/convai"
)

// ConvAIDialer opens agent connections through a signed session URL.
type ConvAIDialer struct {
	Client *convai.Client
}

// NewConvAIDialer wraps client.
func NewConvAIDialer(client *convai.Client) *ConvAIDialer {
	return &ConvAIDialer{Client: client}
}

// DialAgent fetches a single-use signed URL and dials it. A refused
// session is a *convai.AuthError; a failed handshake a *convai.ConnectError.
func (d *ConvAIDialer) DialAgent(ctx context.Context) (AgentConn, error) {
	target, err := d.Client.SignedURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := d.Client.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
