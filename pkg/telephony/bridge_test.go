package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flatbush-harlem/ampersand-server/pkg/elevenlabs"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type fetcherFunc func(ctx context.Context) (string, error)

func (f fetcherFunc) SignedURL(ctx context.Context) (string, error) { return f(ctx) }

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// wsPair returns both ends of a live websocket connection.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()

	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of websocket pair never arrived")
	}
	return client, server
}

// bridgeHarness runs a bridge behind a real websocket server. The test
// plays both peers: tel acts as the telephony provider, and the conn
// returned by sendStart acts as the AI agent.
type bridgeHarness struct {
	t        *testing.T
	registry *Registry
	tel      *websocket.Conn
	aiConns  chan *websocket.Conn
	bridges  chan *Bridge
}

// newAIServer stands in for the AI provider: every accepted websocket
// connection is handed to the test through the returned channel.
func newAIServer(t *testing.T) (chan *websocket.Conn, string) {
	t.Helper()

	aiConns := make(chan *websocket.Conn, 1)
	aiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		aiConns <- conn
	}))
	t.Cleanup(aiSrv.Close)
	return aiConns, wsURL(aiSrv.URL)
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()

	aiConns, aiURL := newAIServer(t)
	fetcher := fetcherFunc(func(context.Context) (string, error) {
		return aiURL, nil
	})
	return newBridgeHarnessWithFetcher(t, fetcher, aiConns)
}

func newBridgeHarnessWithFetcher(t *testing.T, fetcher SessionFetcher, aiConns chan *websocket.Conn) *bridgeHarness {
	t.Helper()

	logger := zap.NewNop()
	registry := NewRegistry(logger)

	bridges := make(chan *Bridge, 1)
	telSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b := NewBridge(conn, fetcher, registry, nil, BridgeConfig{SetupTimeout: 2 * time.Second}, logger)
		bridges <- b
		b.Run(r.Context())
	}))
	t.Cleanup(telSrv.Close)

	tel, _, err := websocket.DefaultDialer.Dial(wsURL(telSrv.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { tel.Close() })

	return &bridgeHarness{
		t:        t,
		registry: registry,
		tel:      tel,
		aiConns:  aiConns,
		bridges:  bridges,
	}
}

func (h *bridgeHarness) bridge() *Bridge {
	h.t.Helper()
	select {
	case b := <-h.bridges:
		return b
	case <-time.After(2 * time.Second):
		h.t.Fatal("bridge was never created")
		return nil
	}
}

// sendStart emits the provider's start event and returns the AI-side
// connection together with the initiation message the bridge sent on it.
func (h *bridgeHarness) sendStart(streamSid, callSid string, params map[string]string) (*websocket.Conn, elevenlabs.InitiationMessage) {
	h.t.Helper()

	err := h.tel.WriteJSON(StreamFrame{
		Event: EventStart,
		Start: &StartFrame{
			StreamSid:        streamSid,
			CallSid:          callSid,
			CustomParameters: params,
		},
	})
	require.NoError(h.t, err)

	var ai *websocket.Conn
	select {
	case ai = <-h.aiConns:
	case <-time.After(2 * time.Second):
		h.t.Fatal("AI connection was never opened")
	}

	ai.SetReadDeadline(time.Now().Add(2 * time.Second))
	var init elevenlabs.InitiationMessage
	require.NoError(h.t, ai.ReadJSON(&init))
	require.Equal(h.t, "conversation_initiation_client_data", init.Type)
	return ai, init
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) StreamFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var frame StreamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestMediaBeforeStartIsDropped(t *testing.T) {
	h := newBridgeHarness(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.tel.WriteJSON(StreamFrame{
			Event: EventMedia,
			Media: &MediaFrame{Payload: "QUJD"},
		}))
	}

	ai, _ := h.sendStart("ST1", "CA1", nil)

	// Nothing may arrive on the AI leg: pre-start audio is dropped, not queued.
	ai.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := ai.ReadMessage()
	require.Error(t, err)
}

func TestMediaDuringAISetupIsDropped(t *testing.T) {
	release := make(chan struct{})
	aiConns, aiURL := newAIServer(t)
	fetcher := fetcherFunc(func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return aiURL, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	h := newBridgeHarnessWithFetcher(t, fetcher, aiConns)
	b := h.bridge()

	require.NoError(t, h.tel.WriteJSON(StreamFrame{
		Event: EventStart,
		Start: &StartFrame{StreamSid: "ST1", CallSid: "CA1"},
	}))
	require.Eventually(t, func() bool {
		return b.State() == StateAIConnecting
	}, 2*time.Second, 10*time.Millisecond)

	// Caller audio while the signed-URL fetch is still held open.
	for i := 0; i < 3; i++ {
		require.NoError(t, h.tel.WriteJSON(StreamFrame{
			Event: EventMedia,
			Media: &MediaFrame{Payload: "U1RBTEU="},
		}))
	}

	// Let the read loop consume those frames before the AI leg can open.
	time.Sleep(200 * time.Millisecond)
	close(release)

	var ai *websocket.Conn
	select {
	case ai = <-aiConns:
	case <-time.After(2 * time.Second):
		t.Fatal("AI connection was never opened")
	}
	ai.SetReadDeadline(time.Now().Add(2 * time.Second))
	var init elevenlabs.InitiationMessage
	require.NoError(t, ai.ReadJSON(&init))

	require.Eventually(t, func() bool {
		return b.State() == StateActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.tel.WriteJSON(StreamFrame{
		Event: EventMedia,
		Media: &MediaFrame{Payload: "QUJD"},
	}))

	// The first chunk on the AI leg must be the live audio, not the stale
	// frames from the setup window.
	ai.SetReadDeadline(time.Now().Add(2 * time.Second))
	var chunk elevenlabs.UserAudioChunk
	require.NoError(t, ai.ReadJSON(&chunk))
	assert.Equal(t, "QUJD", chunk.UserAudioChunk)
}

func TestCallerAudioForwardedAfterStart(t *testing.T) {
	h := newBridgeHarness(t)
	ai, _ := h.sendStart("ST1", "CA1", nil)

	require.NoError(t, h.tel.WriteJSON(StreamFrame{
		Event: EventMedia,
		Media: &MediaFrame{Payload: "QUJD"},
	}))

	ai.SetReadDeadline(time.Now().Add(2 * time.Second))
	var chunk elevenlabs.UserAudioChunk
	require.NoError(t, ai.ReadJSON(&chunk))
	assert.Equal(t, "QUJD", chunk.UserAudioChunk)
}

func TestAgentAudioTaggedWithStreamSid(t *testing.T) {
	h := newBridgeHarness(t)
	ai, _ := h.sendStart("ST1", "CA1", nil)

	require.NoError(t, ai.WriteJSON(map[string]any{
		"type":  "audio",
		"audio": map[string]string{"chunk": "QUJD"},
	}))

	frame := readFrame(t, h.tel, 2*time.Second)
	assert.Equal(t, EventMedia, frame.Event)
	assert.Equal(t, "ST1", frame.StreamSid)
	require.NotNil(t, frame.Media)
	assert.Equal(t, "QUJD", frame.Media.Payload)
}

func TestAgentAudioAlternateFieldSpelling(t *testing.T) {
	h := newBridgeHarness(t)
	ai, _ := h.sendStart("ST2", "CA2", nil)

	require.NoError(t, ai.WriteJSON(map[string]any{
		"type":        "audio",
		"audio_event": map[string]string{"audio_base_64": "REVG"},
	}))

	frame := readFrame(t, h.tel, 2*time.Second)
	assert.Equal(t, EventMedia, frame.Event)
	assert.Equal(t, "ST2", frame.StreamSid)
	require.NotNil(t, frame.Media)
	assert.Equal(t, "REVG", frame.Media.Payload)
}

func TestInterruptionEmitsClearFrame(t *testing.T) {
	h := newBridgeHarness(t)
	ai, _ := h.sendStart("ST1", "CA1", nil)

	require.NoError(t, ai.WriteJSON(map[string]string{"type": "interruption"}))

	frame := readFrame(t, h.tel, 2*time.Second)
	assert.Equal(t, EventClear, frame.Event)
	assert.Equal(t, "ST1", frame.StreamSid)
	assert.Nil(t, frame.Media)
}

func TestTranscriptsReachObserver(t *testing.T) {
	h := newBridgeHarness(t)

	obsClient, obsServer := wsPair(t)
	h.registry.Register("CA1", obsServer)

	ai, _ := h.sendStart("ST1", "CA1", nil)

	require.NoError(t, ai.WriteJSON(map[string]any{
		"type":                 "agent_response",
		"agent_response_event": map[string]string{"agent_response": "hello there"},
	}))

	obsClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev TranscriptEvent
	require.NoError(t, obsClient.ReadJSON(&ev))
	assert.Equal(t, TranscriptEvent{Event: "transcript", Speaker: "Agent", Text: "hello there"}, ev)

	require.NoError(t, ai.WriteJSON(map[string]any{
		"type":                     "user_transcript",
		"user_transcription_event": map[string]string{"user_transcript": "hi, who is this?"},
	}))

	obsClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, obsClient.ReadJSON(&ev))
	assert.Equal(t, TranscriptEvent{Event: "transcript", Speaker: "User", Text: "hi, who is this?"}, ev)
}

func TestMalformedFramesKeepSessionActive(t *testing.T) {
	h := newBridgeHarness(t)
	b := h.bridge()
	ai, _ := h.sendStart("ST1", "CA1", nil)

	require.NoError(t, h.tel.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, ai.WriteMessage(websocket.TextMessage, []byte("also not json")))

	// Translation resumes on the next message in both directions.
	require.NoError(t, ai.WriteJSON(map[string]any{
		"type":  "audio",
		"audio": map[string]string{"chunk": "QUJD"},
	}))
	frame := readFrame(t, h.tel, 2*time.Second)
	assert.Equal(t, "ST1", frame.StreamSid)

	assert.Equal(t, StateActive, b.State())
}

func TestTelephonyCloseClosesAI(t *testing.T) {
	h := newBridgeHarness(t)
	ai, _ := h.sendStart("ST1", "CA1", nil)

	h.tel.Close()

	ai.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ai.ReadMessage()
	require.Error(t, err)
}

func TestAICloseClosesTelephony(t *testing.T) {
	h := newBridgeHarness(t)
	ai, _ := h.sendStart("ST1", "CA1", nil)

	ai.Close()

	h.tel.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := h.tel.ReadMessage()
	require.Error(t, err)
}

func TestStopEventTearsDownSession(t *testing.T) {
	h := newBridgeHarness(t)
	b := h.bridge()
	ai, _ := h.sendStart("ST1", "CA1", nil)

	require.NoError(t, h.tel.WriteJSON(StreamFrame{Event: EventStop}))

	ai.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ai.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return b.State() == StateClosed
	}, 2*time.Second, 50*time.Millisecond)
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := newBridgeHarness(t)
	ai, _ := h.sendStart("ST1", "CA1", nil)

	require.NoError(t, ai.WriteJSON(map[string]any{
		"type":       "ping",
		"ping_event": map[string]int{"event_id": 42},
	}))

	ai.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong elevenlabs.Pong
	require.NoError(t, ai.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
	assert.Equal(t, 42, pong.EventID)
}

func TestPromptOverrideFromCustomParameters(t *testing.T) {
	h := newBridgeHarness(t)
	_, init := h.sendStart("ST1", "CA1", map[string]string{
		"prompt":        "you run a pizza shop",
		"first_message": "thanks for calling!",
	})

	agent := init.ConversationConfigOverride.Agent
	assert.Equal(t, "you run a pizza shop", agent.Prompt.Prompt)
	assert.Equal(t, "thanks for calling!", agent.FirstMessage)
}

func TestPromptFallsBackToDefaults(t *testing.T) {
	h := newBridgeHarness(t)
	_, init := h.sendStart("ST1", "CA1", nil)

	agent := init.ConversationConfigOverride.Agent
	assert.Equal(t, defaultPrompt, agent.Prompt.Prompt)
	assert.Equal(t, defaultFirstMessage, agent.FirstMessage)
}

func TestAISetupFailureEndsCall(t *testing.T) {
	fetcher := fetcherFunc(func(context.Context) (string, error) {
		return "", &elevenlabs.UpstreamUnavailableError{Err: errors.New("connection refused")}
	})
	h := newBridgeHarnessWithFetcher(t, fetcher, make(chan *websocket.Conn, 1))
	b := h.bridge()

	require.NoError(t, h.tel.WriteJSON(StreamFrame{
		Event: EventStart,
		Start: &StartFrame{StreamSid: "ST1", CallSid: "CA1"},
	}))

	// The telephony leg must not be held open without an AI peer.
	h.tel.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := h.tel.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return b.State() == StateClosed
	}, 2*time.Second, 50*time.Millisecond)
}
