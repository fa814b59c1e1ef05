package telephony

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Registry maps a call SID to the observer connection subscribed to that
// call's transcript stream. It is owned by the server and passed by
// reference into every component that pushes events; its lifecycle is
// independent of any one call — an observer may attach before, during,
// or never, relative to the call it watches.
type Registry struct {
	mu        sync.Mutex
	observers map[string]*observer
	logger    *zap.Logger
}

// observer wraps a connection with a write mutex. Events for one call SID
// all flow through a single bridge goroutine, so the per-entry mutex only
// guards against concurrent register/unregister, not reordering.
type observer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRegistry creates an empty observer registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		observers: make(map[string]*observer),
		logger:    logger.Named("registry"),
	}
}

// Register attaches an observer connection for a call SID, replacing any
// prior entry for that SID.
func (r *Registry) Register(callSid string, conn *websocket.Conn) {
	r.mu.Lock()
	r.observers[callSid] = &observer{conn: conn}
	r.mu.Unlock()

	r.logger.Info("observer registered", zap.String("call_sid", callSid))
}

// Unregister removes the observer for a call SID, but only while the entry
// still wraps the given connection. A replaced observer's late disconnect
// must not evict its replacement. Idempotent.
func (r *Registry) Unregister(callSid string, conn *websocket.Conn) {
	r.mu.Lock()
	obs := r.observers[callSid]
	removed := obs != nil && obs.conn == conn
	if removed {
		delete(r.observers, callSid)
	}
	r.mu.Unlock()

	if removed {
		r.logger.Info("observer unregistered", zap.String("call_sid", callSid))
	}
}

// Send pushes an event to the observer for a call SID. Missing observers
// and write failures are warnings, never errors: transcript mirroring is
// best-effort and must not disturb the call.
func (r *Registry) Send(callSid string, event any) {
	r.mu.Lock()
	obs := r.observers[callSid]
	r.mu.Unlock()

	if obs == nil {
		r.logger.Warn("no observer for call", zap.String("call_sid", callSid))
		return
	}

	obs.mu.Lock()
	err := obs.conn.WriteJSON(event)
	obs.mu.Unlock()

	if err != nil {
		r.logger.Warn("observer write failed",
			zap.String("call_sid", callSid),
			zap.Error(err),
		)
	}
}
