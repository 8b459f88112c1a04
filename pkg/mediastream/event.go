// Package mediastream speaks the Twilio Media Streams websocket protocol
// from the server side: it parses carrier events and writes media, clear
// and mark frames back, addressed by stream SID.
package mediastream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage marks an inbound frame that could not be parsed.
var ErrMalformedMessage = errors.New("mediastream: malformed message")

// Event is one inbound carrier message: Connected, Start, Media, Stop,
// Mark or DTMF.
type Event interface {
	eventName() string
}

// Connected is the first frame the carrier sends on a new socket.
type Connected struct {
	Protocol string
	Version  string
}

// MediaFormat describes the audio on the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Start opens a stream. CustomParameters carries the <Parameter> values
// from the call-setup markup.
type Start struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

// Media is one inbound base64 audio chunk.
type Media struct {
	Track     string
	Chunk     string
	Timestamp string
	Payload   string
}

// Stop ends the stream.
type Stop struct {
	CallSID    string
	AccountSID string
}

// Mark echoes a mark previously sent with SendMark once playback reaches it.
type Mark struct {
	Name string
}

// DTMF is a keypress on the far end.
type DTMF struct {
	Digit string
}

func (Connected) eventName() string { return "connected" }
func (Start) eventName() string     { return "start" }
func (Media) eventName() string     { return "media" }
func (Stop) eventName() string      { return "stop" }
func (Mark) eventName() string      { return "mark" }
func (DTMF) eventName() string      { return "dtmf" }

// EventName returns the wire event name of ev.
func EventName(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventName()
}

type inbound struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Protocol  string `json:"protocol"`
	Version   string `json:"version"`

	Start *struct {
		StreamSID        string            `json:"streamSid"`
		AccountSID       string            `json:"accountSid"`
		CallSID          string            `json:"callSid"`
		Tracks           []string          `json:"tracks"`
		MediaFormat      MediaFormat       `json:"mediaFormat"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`

	Media *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media,omitempty"`

	Stop *struct {
		AccountSID string `json:"accountSid"`
		CallSID    string `json:"callSid"`
	} `json:"stop,omitempty"`

	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`

	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`
}

// Parse decodes one inbound frame into a typed Event.
func Parse(data []byte) (Event, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Event {
	case "connected":
		return Connected{Protocol: msg.Protocol, Version: msg.Version}, nil

	case "start":
		if msg.Start == nil {
			return nil, fmt.Errorf("%w: start without body", ErrMalformedMessage)
		}
		sid := msg.Start.StreamSID
		if sid == "" {
			sid = msg.StreamSID
		}
		if sid == "" {
			return nil, fmt.Errorf("%w: start without streamSid", ErrMalformedMessage)
		}
		params := msg.Start.CustomParameters
		if params == nil {
			params = map[string]string{}
		}
		return Start{
			StreamSID:        sid,
			CallSID:          msg.Start.CallSID,
			AccountSID:       msg.Start.AccountSID,
			Tracks:           msg.Start.Tracks,
			MediaFormat:      msg.Start.MediaFormat,
			CustomParameters: params,
		}, nil

	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return nil, fmt.Errorf("%w: media without payload", ErrMalformedMessage)
		}
		return Media{
			Track:     msg.Media.Track,
			Chunk:     msg.Media.Chunk,
			Timestamp: msg.Media.Timestamp,
			Payload:   msg.Media.Payload,
		}, nil

	case "stop":
		ev := Stop{}
		if msg.Stop != nil {
			ev.CallSID = msg.Stop.CallSID
			ev.AccountSID = msg.Stop.AccountSID
		}
		return ev, nil

	case "mark":
		if msg.Mark == nil {
			return nil, fmt.Errorf("%w: mark without name", ErrMalformedMessage)
		}
		return Mark{Name: msg.Mark.Name}, nil

	case "dtmf":
		if msg.DTMF == nil {
			return nil, fmt.Errorf("%w: dtmf without digit", ErrMalformedMessage)
		}
		return DTMF{Digit: msg.DTMF.Digit}, nil

	case "":
		return nil, fmt.Errorf("%w: missing event", ErrMalformedMessage)

	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrMalformedMessage, msg.Event)
	}
}

// Outbound frames.

type outbound struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}
