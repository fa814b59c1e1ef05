package telephony

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ============================================
// HTTP & WEBSOCKET SURFACE
// ============================================

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Telephony providers and observers connect from arbitrary origins.
		return true
	},
}

// Handlers wires the HTTP and WebSocket endpoints to the initiator, the
// bridge and the observer registry.
type Handlers struct {
	initiator *Initiator
	registry  *Registry
	sessions  SessionFetcher
	store     CallStore
	bridgeCfg BridgeConfig

	// publicHost overrides the request Host in callback URLs when the
	// server sits behind a tunnel or proxy.
	publicHost string

	logger *zap.Logger
}

// NewHandlers creates the endpoint set.
func NewHandlers(initiator *Initiator, registry *Registry, sessions SessionFetcher, store CallStore, bridgeCfg BridgeConfig, publicHost string, logger *zap.Logger) *Handlers {
	if store == nil {
		store = NopCallStore{}
	}
	return &Handlers{
		initiator:  initiator,
		registry:   registry,
		sessions:   sessions,
		store:      store,
		bridgeCfg:  bridgeCfg,
		publicHost: publicHost,
		logger:     logger.Named("handlers"),
	}
}

// RegisterRoutes attaches all endpoints to the router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/outbound-call", h.HandleOutboundCall).Methods(http.MethodPost)
	r.HandleFunc("/outbound-call-twiml", h.HandleOutboundCallTwiML)
	r.HandleFunc("/outbound-media-stream", h.HandleMediaStream)
	r.HandleFunc("/transcription-stream/{callSid}", h.HandleTranscriptionStream)
	r.HandleFunc("/healthz", h.HandleHealth).Methods(http.MethodGet)

	h.logger.Info("routes registered")
}

type outboundCallResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	CallSid string `json:"callSid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleOutboundCall places an outbound call.
// POST /outbound-call {number, prompt, first_message}
func (h *Handlers) HandleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req OutboundCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, outboundCallResponse{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	callSid, err := h.initiator.PlaceCall(r.Context(), req, h.callbackHost(r))
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			h.writeJSON(w, http.StatusBadRequest, outboundCallResponse{
				Success: false,
				Error:   vErr.Error(),
			})
			return
		}

		h.logger.Error("outbound call failed", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, outboundCallResponse{
			Success: false,
			Error:   "failed to initiate call",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, outboundCallResponse{
		Success: true,
		Message: "Call initiated",
		CallSid: callSid,
	})
}

// HandleOutboundCallTwiML returns the call-control document the provider
// fetches when the callee answers.
// GET|POST /outbound-call-twiml?prompt=&first_message=
func (h *Handlers) HandleOutboundCallTwiML(w http.ResponseWriter, r *http.Request) {
	prompt := r.URL.Query().Get("prompt")
	firstMessage := r.URL.Query().Get("first_message")

	doc, err := MediaStreamTwiML(h.callbackHost(r), prompt, firstMessage)
	if err != nil {
		h.logger.Error("twiml generation failed", zap.Error(err))
		http.Error(w, "failed to generate call instructions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.Write(doc)
}

// HandleMediaStream accepts the provider's media-stream connection and
// runs a bridge for the lifetime of the call.
// WS /outbound-media-stream
func (h *Handlers) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("media stream upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("media stream connected", zap.String("remote", r.RemoteAddr))

	bridge := NewBridge(conn, h.sessions, h.registry, h.store, h.bridgeCfg, h.logger)
	bridge.Run(r.Context())
}

// HandleTranscriptionStream attaches an observer for one call SID. The
// server only pushes events on this socket; reads exist to detect close.
// WS /transcription-stream/{callSid}
func (h *Handlers) HandleTranscriptionStream(w http.ResponseWriter, r *http.Request) {
	callSid := mux.Vars(r)["callSid"]
	if callSid == "" {
		http.Error(w, "callSid required", http.StatusBadRequest)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("observer upgrade failed", zap.Error(err))
		return
	}

	h.registry.Register(callSid, conn)
	defer func() {
		h.registry.Unregister(callSid, conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// HandleHealth reports liveness.
// GET /healthz
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) callbackHost(r *http.Request) string {
	if h.publicHost != "" {
		return h.publicHost
	}
	return r.Host
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("response encode failed", zap.Error(err))
	}
}
