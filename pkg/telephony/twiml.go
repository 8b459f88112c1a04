package telephony

import (
	"errors"
	"sort"

	"github.com/twilio/twilio-go/twiml"
)

// ErrMissingStreamURL is returned when a StreamSpec has no URL.
var ErrMissingStreamURL = errors.New("telephony: stream url is required")

// StreamSpec describes a bidirectional media stream.
type StreamSpec struct {
	// URL is the wss:// endpoint the carrier connects to.
	URL string

	// Parameters arrive as customParameters on the stream start event.
	Parameters map[string]string
}

// StreamTwiML renders <Connect><Stream> markup for spec. Parameters are
// emitted in key order.
func StreamTwiML(spec StreamSpec) (string, error) {
	if spec.URL == "" {
		return "", ErrMissingStreamURL
	}

	keys := make([]string, 0, len(spec.Parameters))
	for k := range spec.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]twiml.Element, 0, len(keys))
	for _, k := range keys {
		params = append(params, twiml.VoiceParameter{Name: k, Value: spec.Parameters[k]})
	}

	stream := twiml.VoiceStream{
		Url:           spec.URL,
		InnerElements: params,
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	return twiml.Voice([]twiml.Element{connect})
}
