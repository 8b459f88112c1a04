// Package convai talks to the ElevenLabs Conversational AI platform: it
// obtains signed session URLs, runs the duplex agent websocket, and fetches
// finished transcripts.
//
// A session looks like:
//
//	client, _ := convai.NewClient(convai.WithAPIKey(key), convai.WithAgentID(agent))
//	target, _ := client.SignedURL(ctx)
//	conn, _ := client.Dial(ctx, target)
//	defer conn.Close()
//
//	conn.SendInit(convai.Initiation{Prompt: "..."})
//	for {
//	    ev, err := conn.Next()
//	    if err != nil {
//	        break
//	    }
//	    switch ev := ev.(type) {
//	    case convai.Audio:
//	        play(ev.Chunk)
//	    case convai.Ping:
//	        conn.SendPong(ev.EventID)
//	    }
//	}
package convai

// Event is one inbound message from the agent websocket. The concrete type
// is one of Metadata, Audio, Interruption, Ping, AgentResponse,
// UserTranscript, ToolCall or Unknown.
type Event interface {
	eventType() string
}

// Metadata is sent once, early, and carries the conversation id.
type Metadata struct {
	ConversationID    string
	AgentOutputFormat string
	UserInputFormat   string
}

// Audio is a base64 payload already in the telephony encoding.
type Audio struct {
	Chunk   string
	EventID int
}

// Interruption means the caller barged in; buffered agent audio is stale.
type Interruption struct {
	EventID int
}

// Ping must be answered with SendPong(EventID).
type Ping struct {
	EventID int
	PingMs  int
}

// AgentResponse is the text of what the agent said.
type AgentResponse struct {
	Text string
}

// UserTranscript is the recognized text of what the caller said.
type UserTranscript struct {
	Text string
}

// ToolCall is a client tool invocation requested by the agent.
type ToolCall struct {
	ID         string
	Name       string
	Parameters map[string]any
}

// Unknown is a well-formed message of a type this package does not model.
type Unknown struct {
	Type string
}

func (Metadata) eventType() string       { return typeMetadata }
func (Audio) eventType() string          { return typeAudio }
func (Interruption) eventType() string   { return typeInterruption }
func (Ping) eventType() string           { return typePing }
func (AgentResponse) eventType() string  { return typeAgentResponse }
func (UserTranscript) eventType() string { return typeUserTranscript }
func (ToolCall) eventType() string       { return typeClientToolCall }
func (u Unknown) eventType() string      { return u.Type }

// EventType returns the wire type name of ev.
func EventType(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventType()
}

// Tool is a tool declaration sent with the initiation message.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SystemTool declares a built-in platform tool such as "end_call".
func SystemTool(name, description string) Tool {
	return Tool{Type: "system", Name: name, Description: description}
}

// EndCallTool lets the agent hang up once its goal is met.
func EndCallTool(description string) Tool {
	return SystemTool("end_call", description)
}

// Initiation is the per-session override sent as the first message.
type Initiation struct {
	// Prompt replaces the agent's system prompt.
	Prompt string

	// FirstMessage, when set, is what the agent says on pickup.
	FirstMessage string

	// Language overrides the agent language (e.g. "en").
	Language string

	// Tools are declared inside the prompt override.
	Tools []Tool

	// DynamicVariables fill {{placeholders}} configured on the agent.
	DynamicVariables map[string]string
}

// Turn is one entry of a finished conversation transcript.
type Turn struct {
	Role           string  `json:"role"`
	Message        string  `json:"message"`
	TimeInCallSecs float64 `json:"time_in_call_secs"`
}

// Conversation is the subset of the conversation resource used here.
type Conversation struct {
	ID         string `json:"conversation_id"`
	AgentID    string `json:"agent_id"`
	Status     string `json:"status"`
	Transcript []Turn `json:"transcript"`
}
