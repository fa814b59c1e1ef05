package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flatbush-harlem/ampersand-server/pkg/elevenlabs"
)

// ============================================
// MEDIA BRIDGE
// Per-call relay between a telephony media stream and an AI conversation
// ============================================

// BridgeState tracks the lifecycle of one bridged call.
type BridgeState int

const (
	// StateAwaitingStart: telephony socket open, only control events accepted.
	StateAwaitingStart BridgeState = iota
	// StateAIConnecting: start received, signed-URL fetch and AI dial in flight.
	StateAIConnecting
	// StateActive: both legs open, bidirectional translation live.
	StateActive
	// StateClosing: one side ended, the other is being shut down.
	StateClosing
	// StateClosed: terminal, all translation is a no-op.
	StateClosed
)

func (s BridgeState) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateAIConnecting:
		return "ai_connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SessionFetcher obtains a signed conversation URL for a new AI session.
// Implemented by elevenlabs.Client.
type SessionFetcher interface {
	SignedURL(ctx context.Context) (string, error)
}

// BridgeConfig carries per-server bridge settings.
type BridgeConfig struct {
	// DefaultPrompt and DefaultFirstMessage apply when the stream's custom
	// parameters carry no override.
	DefaultPrompt       string
	DefaultFirstMessage string

	// SetupTimeout bounds the signed-URL fetch plus the AI-side dial.
	SetupTimeout time.Duration
}

const (
	defaultPrompt       = "You are a helpful assistant taking a phone call. Keep responses brief and conversational."
	defaultFirstMessage = "Hello! How can I help you today?"
	defaultSetupTimeout = 10 * time.Second
)

// Bridge owns one telephony-side connection and, once the stream starts,
// one AI-side connection, translating messages between them until either
// side closes. Each accepted media stream gets its own Bridge.
type Bridge struct {
	id       string
	cfg      BridgeConfig
	sessions SessionFetcher
	registry *Registry
	store    CallStore
	logger   *zap.Logger

	mu        sync.Mutex
	state     BridgeState
	callSid   string
	streamSid string
	params    map[string]string
	telephony *peerConn
	ai        *peerConn
}

// peerConn wraps a websocket connection with a write mutex and an
// idempotent close, the same discipline on both legs.
type peerConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var errPeerClosed = errors.New("peer connection closed")

func (p *peerConn) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errPeerClosed
	}
	return p.conn.WriteJSON(v)
}

func (p *peerConn) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	p.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	p.conn.Close()
}

// NewBridge wraps an accepted telephony media-stream connection.
func NewBridge(conn *websocket.Conn, sessions SessionFetcher, registry *Registry, store CallStore, cfg BridgeConfig, logger *zap.Logger) *Bridge {
	if cfg.DefaultPrompt == "" {
		cfg.DefaultPrompt = defaultPrompt
	}
	if cfg.DefaultFirstMessage == "" {
		cfg.DefaultFirstMessage = defaultFirstMessage
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}
	if store == nil {
		store = NopCallStore{}
	}

	id := uuid.New().String()
	return &Bridge{
		id:        id,
		cfg:       cfg,
		sessions:  sessions,
		registry:  registry,
		store:     store,
		logger:    logger.Named("bridge").With(zap.String("bridge_id", id)),
		state:     StateAwaitingStart,
		telephony: &peerConn{conn: conn},
	}
}

// State reports the bridge's current lifecycle state.
func (b *Bridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Run drives the telephony-side receive loop until the stream stops or
// either connection fails. It blocks for the lifetime of the call.
func (b *Bridge) Run(ctx context.Context) {
	defer b.teardown()

	for {
		_, raw, err := b.telephony.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warn("telephony read error", zap.Error(err))
			} else {
				b.logger.Info("telephony connection closed")
			}
			return
		}

		var frame StreamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Per-message decode failures never end the session.
			b.logger.Warn("unparseable telephony frame", zap.Error(err))
			continue
		}

		switch frame.Event {
		case EventStart:
			b.handleStart(ctx, frame.Start)
		case EventMedia:
			b.handleMedia(frame.Media)
		case EventStop:
			b.logger.Info("stop event received", zap.String("call_sid", b.callSid))
			return
		case EventConnected:
			b.logger.Debug("telephony connected event")
		default:
			b.logger.Debug("unhandled telephony event", zap.String("event", frame.Event))
		}
	}
}

// handleStart captures the stream identifiers and parameters and kicks off
// AI-leg setup off the read loop, so the telephony side keeps draining while
// the signed-URL fetch and dial are in flight. Media arriving in that window
// hits handleMedia in AI_CONNECTING and is dropped, never queued behind a
// blocked read.
func (b *Bridge) handleStart(ctx context.Context, start *StartFrame) {
	if start == nil {
		b.logger.Warn("start event without start payload")
		return
	}

	b.mu.Lock()
	if b.state != StateAwaitingStart {
		b.mu.Unlock()
		b.logger.Warn("start event in unexpected state", zap.String("state", b.state.String()))
		return
	}
	b.state = StateAIConnecting
	b.callSid = start.CallSid
	b.streamSid = start.StreamSid
	b.params = start.CustomParameters
	b.mu.Unlock()

	b.logger.Info("media stream started",
		zap.String("call_sid", start.CallSid),
		zap.String("stream_sid", start.StreamSid),
	)

	go b.connectAI(ctx, start)
}

// connectAI fetches a signed session URL, opens the AI leg and publishes it
// to the media path. Any setup failure is fatal to the call: the telephony
// leg is torn down rather than held open without an AI peer.
func (b *Bridge) connectAI(ctx context.Context, start *StartFrame) {
	if err := b.store.RecordStreamStarted(ctx, start.CallSid, start.StreamSid); err != nil {
		b.logger.Warn("failed to record stream start", zap.Error(err))
	}

	setupCtx, cancel := context.WithTimeout(ctx, b.cfg.SetupTimeout)
	defer cancel()

	signedURL, err := b.sessions.SignedURL(setupCtx)
	if err != nil {
		b.logger.Error("signed-url fetch failed, ending call", zap.Error(err))
		b.teardown()
		return
	}

	aiConn, _, err := websocket.DefaultDialer.DialContext(setupCtx, signedURL, nil)
	if err != nil {
		b.logger.Error("ai dial failed, ending call", zap.Error(err))
		b.teardown()
		return
	}
	ai := &peerConn{conn: aiConn}

	prompt := start.CustomParameters["prompt"]
	if prompt == "" {
		prompt = b.cfg.DefaultPrompt
	}
	firstMessage := start.CustomParameters["first_message"]
	if firstMessage == "" {
		firstMessage = b.cfg.DefaultFirstMessage
	}

	// The initiation message is the first payload on a fresh connection,
	// before the AI leg is published to the media path.
	if err := ai.writeJSON(elevenlabs.NewInitiationMessage(prompt, firstMessage)); err != nil {
		b.logger.Error("ai initiation failed, ending call", zap.Error(err))
		ai.close()
		b.teardown()
		return
	}

	b.mu.Lock()
	if b.state != StateAIConnecting {
		// Torn down while dialing: discard the fresh AI connection.
		b.mu.Unlock()
		ai.close()
		return
	}
	b.ai = ai
	b.state = StateActive
	b.mu.Unlock()

	b.logger.Info("bridge active", zap.String("call_sid", start.CallSid))

	go b.aiLoop(ai)
}

// handleMedia forwards caller audio to the AI leg. Frames arriving before
// the AI connection is open are dropped, never buffered: real-time audio
// has no retroactive value.
func (b *Bridge) handleMedia(media *MediaFrame) {
	if media == nil {
		return
	}

	b.mu.Lock()
	ai := b.ai
	active := b.state == StateActive
	b.mu.Unlock()

	if !active || ai == nil {
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		b.logger.Warn("undecodable media payload", zap.Error(err))
		return
	}

	chunk := elevenlabs.UserAudioChunk{
		UserAudioChunk: base64.StdEncoding.EncodeToString(decoded),
	}
	if err := ai.writeJSON(chunk); err != nil {
		b.logger.Warn("failed to forward caller audio", zap.Error(err))
	}
}

// aiLoop drives the AI-side receive loop. A connection-level failure on
// this leg tears down the telephony leg as well.
func (b *Bridge) aiLoop(ai *peerConn) {
	defer b.teardown()

	for {
		_, raw, err := ai.conn.ReadMessage()
		if err != nil {
			b.logger.Info("ai connection closed", zap.String("call_sid", b.callSid))
			return
		}
		b.handleAIMessage(ai, raw)
	}
}

// handleAIMessage translates one AI message. Decode failures are logged
// and skipped; translation resumes on the next message.
func (b *Bridge) handleAIMessage(ai *peerConn, raw []byte) {
	var msg elevenlabs.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.logger.Warn("unparseable ai message", zap.Error(err))
		return
	}

	switch msg.Type {
	case elevenlabs.MessagePing:
		if msg.PingEvent != nil {
			if err := ai.writeJSON(elevenlabs.NewPong(msg.PingEvent.EventID)); err != nil {
				b.logger.Warn("pong write failed", zap.Error(err))
			}
		}

	case elevenlabs.MessageAgentResponse:
		if msg.AgentResponseEvent != nil {
			b.registry.Send(b.callSid, NewTranscriptEvent(SpeakerAgent, msg.AgentResponseEvent.AgentResponse))
		}

	case elevenlabs.MessageUserTranscript:
		if msg.UserTranscriptionEvent != nil {
			b.registry.Send(b.callSid, NewTranscriptEvent(SpeakerUser, msg.UserTranscriptionEvent.UserTranscript))
		}

	case elevenlabs.MessageAudio:
		chunk := msg.AudioChunk()
		if chunk == "" {
			b.logger.Warn("audio message without payload")
			return
		}
		b.forwardAgentAudio(chunk)

	case elevenlabs.MessageInterruption:
		b.forwardClear()

	default:
		b.logger.Debug("unhandled ai message", zap.String("type", msg.Type))
	}
}

// forwardAgentAudio emits a telephony media frame tagged with the stream
// SID captured at start, mirroring the same frame to the observer.
func (b *Bridge) forwardAgentAudio(chunk string) {
	if b.streamSid == "" {
		b.logger.Warn("dropping agent audio, stream sid unknown")
		return
	}

	frame := NewMediaFrame(b.streamSid, chunk)
	if err := b.telephony.writeJSON(frame); err != nil {
		b.logger.Warn("failed to forward agent audio", zap.Error(err))
	}
	b.registry.Send(b.callSid, frame)
}

// forwardClear flushes the telephony side's buffered audio after an
// interruption, mirroring the control frame to the observer.
func (b *Bridge) forwardClear() {
	if b.streamSid == "" {
		b.logger.Warn("dropping clear, stream sid unknown")
		return
	}

	frame := NewClearFrame(b.streamSid)
	if err := b.telephony.writeJSON(frame); err != nil {
		b.logger.Warn("failed to forward clear", zap.Error(err))
	}
	b.registry.Send(b.callSid, frame)
}

// teardown closes whichever legs remain open and releases the session.
// Safe to call from any goroutine, any number of times.
func (b *Bridge) teardown() {
	b.mu.Lock()
	if b.state == StateClosing || b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.state = StateClosing
	tel := b.telephony
	ai := b.ai
	callSid := b.callSid
	b.mu.Unlock()

	if ai != nil {
		ai.close()
	}
	tel.close()

	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()

	if callSid != "" {
		if err := b.store.RecordCompleted(context.Background(), callSid); err != nil {
			b.logger.Warn("failed to record call completion", zap.Error(err))
		}
	}

	b.logger.Info("bridge closed", zap.String("call_sid", callSid))
}
