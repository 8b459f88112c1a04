package convai

import (
	"encoding/json"
	"fmt"
)

// Inbound and outbound message types.
const (
	typeInitiationClientData = "conversation_initiation_client_data"
	typeMetadata             = "conversation_initiation_metadata"
	typeAudio                = "audio"
	typeInterruption         = "interruption"
	typePing                 = "ping"
	typePong                 = "pong"
	typeAgentResponse        = "agent_response"
	typeUserTranscript       = "user_transcript"
	typeClientToolCall       = "client_tool_call"
	typeUserAudioChunk       = "user_audio_chunk"
)

type incoming struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`

	// Older agents send {"audio": {"chunk": "..."}}.
	Audio json.RawMessage `json:"audio,omitempty"`

	InterruptionEvent *struct {
		EventID int `json:"event_id"`
	} `json:"interruption_event,omitempty"`

	PingEvent *struct {
		EventID int `json:"event_id"`
		PingMs  int `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	ClientToolCall *struct {
		ToolName   string         `json:"tool_name"`
		ToolCallID string         `json:"tool_call_id"`
		Parameters map[string]any `json:"parameters"`
	} `json:"client_tool_call,omitempty"`
}

// ParseEvent decodes one inbound frame. Frames that are not JSON objects,
// lack a type, or lack the payload their type requires yield an error
// wrapping ErrMalformedMessage.
func ParseEvent(data []byte) (Event, error) {
	var msg incoming
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	switch msg.Type {
	case typeMetadata:
		if msg.Metadata == nil || msg.Metadata.ConversationID == "" {
			return nil, fmt.Errorf("%w: metadata without conversation_id", ErrMalformedMessage)
		}
		return Metadata{
			ConversationID:    msg.Metadata.ConversationID,
			AgentOutputFormat: msg.Metadata.AgentOutputAudioFormat,
			UserInputFormat:   msg.Metadata.UserInputAudioFormat,
		}, nil

	case typeAudio:
		if msg.AudioEvent != nil && msg.AudioEvent.AudioBase64 != "" {
			return Audio{Chunk: msg.AudioEvent.AudioBase64, EventID: msg.AudioEvent.EventID}, nil
		}
		if chunk := legacyChunk(msg.Audio); chunk != "" {
			return Audio{Chunk: chunk}, nil
		}
		return nil, fmt.Errorf("%w: audio without payload", ErrMalformedMessage)

	case typeInterruption:
		ev := Interruption{}
		if msg.InterruptionEvent != nil {
			ev.EventID = msg.InterruptionEvent.EventID
		}
		return ev, nil

	case typePing:
		if msg.PingEvent == nil {
			return nil, fmt.Errorf("%w: ping without ping_event", ErrMalformedMessage)
		}
		return Ping{EventID: msg.PingEvent.EventID, PingMs: msg.PingEvent.PingMs}, nil

	case typeAgentResponse:
		if msg.AgentResponseEvent == nil {
			return nil, fmt.Errorf("%w: agent_response without event", ErrMalformedMessage)
		}
		return AgentResponse{Text: msg.AgentResponseEvent.AgentResponse}, nil

	case typeUserTranscript:
		if msg.UserTranscriptionEvent == nil {
			return nil, fmt.Errorf("%w: user_transcript without event", ErrMalformedMessage)
		}
		return UserTranscript{Text: msg.UserTranscriptionEvent.UserTranscript}, nil

	case typeClientToolCall:
		if msg.ClientToolCall == nil {
			return nil, fmt.Errorf("%w: client_tool_call without event", ErrMalformedMessage)
		}
		return ToolCall{
			ID:         msg.ClientToolCall.ToolCallID,
			Name:       msg.ClientToolCall.ToolName,
			Parameters: msg.ClientToolCall.Parameters,
		}, nil

	default:
		return Unknown{Type: msg.Type}, nil
	}
}

func legacyChunk(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Chunk string `json:"chunk"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Chunk != "" {
		return obj.Chunk
	}
	var flat string
	if json.Unmarshal(raw, &flat) == nil {
		return flat
	}
	return ""
}

// Outbound messages.

type initiationMessage struct {
	Type             string            `json:"type"`
	Override         *configOverride   `json:"conversation_config_override,omitempty"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

type configOverride struct {
	Agent agentOverride `json:"agent"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
	Language     string          `json:"language,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
	Tools  []Tool `json:"tools,omitempty"`
}

func newInitiationMessage(in Initiation) initiationMessage {
	msg := initiationMessage{
		Type:             typeInitiationClientData,
		DynamicVariables: in.DynamicVariables,
	}

	agent := agentOverride{FirstMessage: in.FirstMessage, Language: in.Language}
	if in.Prompt != "" || len(in.Tools) > 0 {
		agent.Prompt = &promptOverride{Prompt: in.Prompt, Tools: in.Tools}
	}
	if agent.Prompt != nil || agent.FirstMessage != "" || agent.Language != "" {
		msg.Override = &configOverride{Agent: agent}
	}
	return msg
}

type userAudioMessage struct {
	Type  string `json:"type"`
	Chunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}
