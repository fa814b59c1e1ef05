package telephony

// Wire frames for the Twilio Media Streams WebSocket protocol, plus the
// events mirrored to transcript observers.

// Media stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventClear     = "clear"
)

// StreamFrame is a frame on the media-stream socket, inbound or outbound.
// Inbound frames carry Start or Media depending on Event; outbound media
// frames must be tagged with the StreamSid captured at stream start.
type StreamFrame struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid,omitempty"`
	Start     *StartFrame `json:"start,omitempty"`
	Media     *MediaFrame `json:"media,omitempty"`
}

// StartFrame announces a new media stream. StreamSid and CallSid are
// assigned by the telephony provider; CustomParameters carries the
// prompt/greeting forwarded from the call-control document.
type StartFrame struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaFrame carries one base64-encoded audio payload.
type MediaFrame struct {
	Payload string `json:"payload"`
}

// NewMediaFrame builds an outbound media frame for the given stream.
func NewMediaFrame(streamSid, payload string) StreamFrame {
	return StreamFrame{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &MediaFrame{Payload: payload},
	}
}

// NewClearFrame builds the control frame that flushes buffered audio on
// the telephony side, sent when the caller interrupts the agent.
func NewClearFrame(streamSid string) StreamFrame {
	return StreamFrame{Event: EventClear, StreamSid: streamSid}
}

// Transcript speakers.
const (
	SpeakerAgent = "Agent"
	SpeakerUser  = "User"
)

// TranscriptEvent is pushed to the observer registered for a call.
type TranscriptEvent struct {
	Event   string `json:"event"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// NewTranscriptEvent builds a transcript event for the observer stream.
func NewTranscriptEvent(speaker, text string) TranscriptEvent {
	return TranscriptEvent{Event: "transcript", Speaker: speaker, Text: text}
}
