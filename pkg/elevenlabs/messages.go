package elevenlabs

// Wire messages for the Conversational AI WebSocket protocol.

// Inbound message types discriminated by the "type" field.
const (
	MessageAgentResponse  = "agent_response"
	MessageUserTranscript = "user_transcript"
	MessageAudio          = "audio"
	MessageInterruption   = "interruption"
	MessagePing           = "ping"
)

// InitiationMessage is the first message sent after the conversation
// socket opens. It overrides the agent's configured prompt and greeting
// for this conversation only.
type InitiationMessage struct {
	Type                       string         `json:"type"`
	ConversationConfigOverride ConfigOverride `json:"conversation_config_override"`
}

// ConfigOverride carries per-conversation agent overrides.
type ConfigOverride struct {
	Agent AgentOverride `json:"agent"`
}

// AgentOverride sets the system prompt and the first message the agent speaks.
type AgentOverride struct {
	Prompt       PromptOverride `json:"prompt"`
	FirstMessage string         `json:"first_message"`
}

// PromptOverride wraps the prompt text.
type PromptOverride struct {
	Prompt string `json:"prompt"`
}

// NewInitiationMessage builds a conversation initiation message.
func NewInitiationMessage(prompt, firstMessage string) InitiationMessage {
	return InitiationMessage{
		Type: "conversation_initiation_client_data",
		ConversationConfigOverride: ConfigOverride{
			Agent: AgentOverride{
				Prompt:       PromptOverride{Prompt: prompt},
				FirstMessage: firstMessage,
			},
		},
	}
}

// UserAudioChunk carries one base64 audio chunk from the caller to the agent.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// Message is a decoded inbound message from the conversation socket.
// Only the event payload matching Type is populated.
type Message struct {
	Type string `json:"type"`

	AgentResponseEvent     *AgentResponseEvent     `json:"agent_response_event,omitempty"`
	UserTranscriptionEvent *UserTranscriptionEvent `json:"user_transcription_event,omitempty"`
	Audio                  *AudioPayload           `json:"audio,omitempty"`
	AudioEvent             *AudioEvent             `json:"audio_event,omitempty"`
	PingEvent              *PingEvent              `json:"ping_event,omitempty"`
}

// AgentResponseEvent carries text the agent spoke.
type AgentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

// UserTranscriptionEvent carries transcribed caller speech.
type UserTranscriptionEvent struct {
	UserTranscript string `json:"user_transcript"`
}

// AudioPayload is one of the two spellings the protocol uses for agent audio.
type AudioPayload struct {
	Chunk string `json:"chunk"`
}

// AudioEvent is the other spelling for agent audio.
type AudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
}

// PingEvent requests a pong carrying the same event id.
type PingEvent struct {
	EventID int `json:"event_id"`
}

// AudioChunk returns the base64 audio payload regardless of which of the
// two field spellings the provider used, or "" if the message carried none.
func (m *Message) AudioChunk() string {
	if m.Audio != nil && m.Audio.Chunk != "" {
		return m.Audio.Chunk
	}
	if m.AudioEvent != nil {
		return m.AudioEvent.AudioBase64
	}
	return ""
}

// Pong answers a ping.
type Pong struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

// NewPong builds the pong reply for a ping event.
func NewPong(eventID int) Pong {
	return Pong{Type: "pong", EventID: eventID}
}
