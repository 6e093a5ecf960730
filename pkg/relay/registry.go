package relay

import (
	"log/slog"
	"sync"

	"github.com/freitascorp/agentrelay/pkg/metrics"
	"github.com/freitascorp/agentrelay/pkg/protocol"
)

// RegistryConfig tunes per-relay resources.
type RegistryConfig struct {
	BufferSize     int // replay buffer capacity per session
	WriteQueueSize int // per-socket outbound queue (used by the transport layer)
}

// Registry is the process-wide table of live Relays keyed by session id.
// Registry operations are the only way to create or destroy a Relay.
type Registry struct {
	config RegistryConfig
	logger *slog.Logger
	rec    Recorder

	mu     sync.RWMutex
	relays map[string]*Relay
}

// NewRegistry creates an empty registry. rec may be nil, in which case
// nothing is persisted.
func NewRegistry(config RegistryConfig, rec Recorder, logger *slog.Logger) *Registry {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if rec == nil {
		rec = NopRecorder{}
	}
	return &Registry{
		config: config,
		logger: logger,
		rec:    rec,
		relays: make(map[string]*Relay),
	}
}

// GetOrCreate returns the Relay for sessionID, constructing it on first use.
// Idempotent: concurrent calls for the same id resolve to the same Relay,
// and startup hints from later calls are ignored.
func (g *Registry) GetOrCreate(sessionID, userID string, opts *CreateOptions) *Relay {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.relays[sessionID]; ok {
		return r
	}
	r := newRelay(sessionID, userID, opts, g.config.BufferSize, g.rec, g.logger)
	g.relays[sessionID] = r
	metrics.ActiveRelays.Set(float64(len(g.relays)))
	g.logger.Info("relay created", "session_id", sessionID, "user_id", userID)
	return r
}

// Get returns the Relay for sessionID, or nil.
func (g *Registry) Get(sessionID string) *Relay {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.relays[sessionID]
}

// Remove tears a Relay down: the container socket closes with code 1000,
// every browser receives a terminal stopped status and closes with 1000,
// and the entry is dropped. Synchronous — after Remove returns no further
// events are emitted for the session.
func (g *Registry) Remove(sessionID string) {
	g.mu.Lock()
	r, ok := g.relays[sessionID]
	if ok {
		delete(g.relays, sessionID)
		metrics.ActiveRelays.Set(float64(len(g.relays)))
	}
	g.mu.Unlock()

	if !ok {
		return
	}
	r.teardown()
	g.logger.Info("relay removed", "session_id", sessionID)
}

// Reset removes all relays. Test-only.
func (g *Registry) Reset() {
	g.mu.Lock()
	relays := g.relays
	g.relays = make(map[string]*Relay)
	metrics.ActiveRelays.Set(0)
	g.mu.Unlock()

	for _, r := range relays {
		r.teardown()
	}
}

// Sessions returns the ids of all live relays.
func (g *Registry) Sessions() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.relays))
	for id := range g.relays {
		ids = append(ids, id)
	}
	return ids
}

// AttachContainer installs a container socket on an existing Relay. A
// connection for an unknown session is rejected with close code 4004; a
// prior container socket is replaced (closed with 1000). Returns false on
// rejection.
func (g *Registry) AttachContainer(sessionID string, conn Conn) bool {
	r := g.Get(sessionID)
	if r == nil {
		conn.Close(protocol.CloseUnknownSession, "Unknown session")
		return false
	}
	r.attachContainer(conn)
	return true
}

// HandleContainerFrame dispatches one WebSocket frame from the container.
// Frames from a replaced socket are ignored.
func (g *Registry) HandleContainerFrame(sessionID string, conn Conn, frame []byte) {
	if r := g.Get(sessionID); r != nil {
		r.handleContainerFrame(conn, frame)
	}
}

// HandleContainerClose runs disconnect handling for a container socket.
func (g *Registry) HandleContainerClose(sessionID string, conn Conn) {
	if r := g.Get(sessionID); r != nil {
		r.handleContainerClose(conn)
	}
}

// AddBrowserToSession subscribes a browser socket to a session. Returns
// false for an unknown session; the caller is responsible for closing the
// socket in that case.
func (g *Registry) AddBrowserToSession(sessionID string, conn Conn, lastEventID string) bool {
	r := g.Get(sessionID)
	if r == nil {
		return false
	}
	r.addBrowser(conn, lastEventID)
	metrics.ConnectedBrowsers.Inc()
	return true
}

// RemoveBrowserFromSession unsubscribes a browser socket.
func (g *Registry) RemoveBrowserFromSession(sessionID string, conn Conn) {
	if r := g.Get(sessionID); r != nil {
		r.removeBrowser(conn)
		metrics.ConnectedBrowsers.Dec()
	}
}

// HandleBrowserMessage routes one raw browser request to the session's
// relay. Unknown sessions and malformed input are silently ignored; side
// effects are the contract.
func (g *Registry) HandleBrowserMessage(sessionID string, conn Conn, raw []byte, userID string) {
	if r := g.Get(sessionID); r != nil {
		r.handleBrowserMessage(conn, raw, userID)
	}
}
