// Package relay is the in-process session relay at the heart of agentrelay.
//
// A Relay multiplexes a single container-side NDJSON WebSocket with a set of
// browser-side envelope WebSockets for one coding-agent session. It enforces
// session ownership, serializes permission prompts, buffers recent traffic
// for reconnect replay, and drives session status transitions. The Registry
// owns all live Relays in the process; a session lives in exactly one
// process, so there is no cross-process clustering.
//
// Delivery is best effort: a slow or broken browser never stalls container
// ingress, and the bounded message buffer plus last-event-id replay is the
// only recovery mechanism after a reconnect.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/freitascorp/agentrelay/pkg/protocol"
)

// Session status values.
const (
	StatusStarting = "starting"
	StatusActive   = "active"
	StatusStopped  = "stopped"
	StatusErrored  = "errored"
)

// Startup phases. Empty string means no startup is in flight.
const (
	PhaseInitializing = "initializing"
	PhaseFailed       = "failed"
)

const startupDisconnectError = "Container disconnected during startup"

// Capabilities is what the container reports at init.
type Capabilities struct {
	WorkingDir     string          `json:"workingDir"`
	Model          string          `json:"model"`
	Tools          []string        `json:"tools"`
	MCPServers     json.RawMessage `json:"mcpServers,omitempty"`
	PermissionMode string          `json:"permissionMode"`
	AgentVersion   string          `json:"agentVersion"`
}

// ResultStats captures the accounting block of a container result.
type ResultStats struct {
	Duration     float64 `json:"duration"`
	Cost         float64 `json:"cost"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	ResultType   string  `json:"resultType"`
}

// Recorder is the persistence hook. Every call is fire-and-forget from the
// relay's view: implementations must not block the ingress path and must
// swallow (log) their own failures.
type Recorder interface {
	RecordStatus(sessionID, status string, extra map[string]any)
	RecordMessage(sessionID, msgType, content string, metadata map[string]any)
	TouchActivity(sessionID string)
}

// NopRecorder discards everything. Useful for tests and dry runs.
type NopRecorder struct{}

func (NopRecorder) RecordStatus(string, string, map[string]any)          {}
func (NopRecorder) RecordMessage(string, string, string, map[string]any) {}
func (NopRecorder) TouchActivity(string)                                 {}

// CreateOptions carries optional startup hints for a new Relay.
type CreateOptions struct {
	InitialPrompt string
	WorkerContext string
}

// Relay is the per-session aggregate: one container socket, N browser
// sockets, the permission store, and the replay buffer. All field mutations
// happen under mu; distinct Relays are independent.
type Relay struct {
	sessionID     string
	userID        string
	initialPrompt string
	workerContext string

	logger *slog.Logger
	rec    Recorder

	mu               sync.Mutex
	container        Conn
	browsers         map[Conn]struct{}
	initialized      bool
	capabilities     *Capabilities
	startupPhase     string
	startupTimestamp int64 // wall-clock ms, 0 = unset
	resultStats      *ResultStats
	lastError        string
	lastActivityAt   time.Time

	permissions *PermissionStore
	buffer      *MessageBuffer
}

func newRelay(sessionID, userID string, opts *CreateOptions, bufferSize int, rec Recorder, logger *slog.Logger) *Relay {
	r := &Relay{
		sessionID:      sessionID,
		userID:         userID,
		logger:         logger.With("session_id", sessionID),
		rec:            rec,
		browsers:       make(map[Conn]struct{}),
		permissions:    NewPermissionStore(),
		buffer:         NewMessageBuffer(bufferSize),
		lastActivityAt: time.Now(),
	}
	if opts != nil {
		r.initialPrompt = opts.InitialPrompt
		r.workerContext = opts.WorkerContext
	}
	return r
}

// SessionID returns the immutable session id.
func (r *Relay) SessionID() string { return r.sessionID }

// UserID returns the immutable owner identity.
func (r *Relay) UserID() string { return r.userID }

// Initialized reports whether the container has completed init.
func (r *Relay) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// Capabilities returns the init-time capabilities, or nil before init.
func (r *Relay) Capabilities() *Capabilities {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capabilities
}

// LastActivityAt returns the wall-clock time of the last container message
// or user input.
func (r *Relay) LastActivityAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivityAt
}

// StartupDeadlineExceeded reports whether the relay has been waiting for
// container init longer than the given deadline. The relay itself never
// enforces the deadline; the hosting watchdog does.
func (r *Relay) StartupDeadlineExceeded(deadline time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startupPhase != PhaseInitializing || r.startupTimestamp == 0 {
		return false
	}
	started := time.UnixMilli(r.startupTimestamp)
	return time.Since(started) > deadline
}

// BrowserCount returns the number of subscribed browser sockets.
func (r *Relay) BrowserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.browsers)
}

// PendingPermissions returns the outstanding permission request summaries.
func (r *Relay) PendingPermissions() []PermissionSummary {
	return r.permissions.Summaries()
}

// Buffer exposes the replay buffer (read-side only for callers).
func (r *Relay) Buffer() *MessageBuffer { return r.buffer }

// derivedStatusLocked computes the externally visible status from the
// relay's current state. Callers hold r.mu.
func (r *Relay) derivedStatusLocked() string {
	switch {
	case r.startupPhase == PhaseInitializing:
		return StatusStarting
	case r.startupPhase == PhaseFailed:
		return StatusErrored
	case r.initialized && r.container != nil:
		return StatusActive
	case r.initialized:
		return StatusStopped
	default:
		return StatusStarting
	}
}

// Status returns the externally visible session status.
func (r *Relay) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.derivedStatusLocked()
}

// ------------------------------------------------------------------
// Browser egress
// ------------------------------------------------------------------

// broadcastLocked wraps (type, payload) in a server-event envelope, records
// it in the replay buffer, and fans it out to every OPEN browser socket.
// Sockets in any other state are skipped without error; Send never blocks,
// so the caller can safely hold r.mu. Callers hold r.mu.
func (r *Relay) broadcastLocked(eventType string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["sessionId"] = r.sessionID

	ev := &protocol.ServerEvent{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	r.buffer.Push(ev)

	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("marshal server event", "type", eventType, "error", err)
		return
	}
	for b := range r.browsers {
		if !b.IsOpen() {
			continue
		}
		b.Send(data) // best effort; Send closes the socket on overflow
	}
}

// Broadcast publishes an event to all subscribers and records it for
// replay.
func (r *Relay) Broadcast(eventType string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(eventType, payload)
}

// sendDirect delivers an envelope to a single socket without recording it.
// Used for the subscribe snapshot and buffered replay.
func (r *Relay) sendDirect(conn Conn, ev *protocol.ServerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("marshal server event", "type", ev.Type, "error", err)
		return
	}
	if conn.IsOpen() {
		conn.Send(data)
	}
}

// statusSnapshotLocked builds the session_status payload sent to a freshly
// subscribed browser. Callers hold r.mu.
func (r *Relay) statusSnapshotLocked() map[string]any {
	payload := map[string]any{
		"sessionId":   r.sessionID,
		"status":      r.derivedStatusLocked(),
		"initialized": r.initialized,
	}
	if r.capabilities != nil {
		payload["capabilities"] = r.capabilities
	}
	if r.startupPhase != "" {
		payload["startupPhase"] = r.startupPhase
	}
	if r.startupTimestamp != 0 {
		payload["startupTimestamp"] = r.startupTimestamp
	}
	if r.lastError != "" {
		payload["error"] = r.lastError
	}
	payload["pendingPermissions"] = r.permissions.Summaries()
	return payload
}

// addBrowser subscribes a socket: immediate status snapshot, then replay of
// everything strictly after lastEventID (if the id is still buffered), each
// replayed payload tagged with _buffered. The mutex is held through snapshot
// and replay so a racing broadcast can neither land before the snapshot nor
// arrive both live and replayed; Send never blocks, so this is safe.
func (r *Relay) addBrowser(conn Conn, lastEventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.browsers[conn] = struct{}{}

	r.sendDirect(conn, &protocol.ServerEvent{
		Type:      protocol.ServerStatus,
		Payload:   r.statusSnapshotLocked(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})

	if lastEventID == "" {
		return
	}
	for _, entry := range r.buffer.GetAfter(lastEventID) {
		payload := make(map[string]any, len(entry.Data.Payload)+1)
		for k, v := range entry.Data.Payload {
			payload[k] = v
		}
		payload["_buffered"] = true
		r.sendDirect(conn, &protocol.ServerEvent{
			Type:      entry.Data.Type,
			Payload:   payload,
			Timestamp: entry.Data.Timestamp, // original timestamp preserved
		})
	}
}

// removeBrowser drops a subscriber. The socket itself is closed by its
// owner (the read loop).
func (r *Relay) removeBrowser(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.browsers, conn)
}

// ------------------------------------------------------------------
// Teardown
// ------------------------------------------------------------------

// teardown closes the container socket, notifies every browser with a
// terminal stopped status, closes them, and clears all state. Called only
// by the Registry; after it returns no further events are emitted for the
// session.
func (r *Relay) teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.container != nil {
		r.container.Close(protocol.CloseNormal, "Relay removed")
		r.container = nil
	}

	terminal := &protocol.ServerEvent{
		Type: protocol.ServerStatus,
		Payload: map[string]any{
			"sessionId": r.sessionID,
			"status":    StatusStopped,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(terminal)
	for b := range r.browsers {
		if err == nil && b.IsOpen() {
			b.Send(data)
		}
		b.Close(protocol.CloseNormal, "Relay removed")
	}
	r.browsers = make(map[Conn]struct{})
	r.permissions.Clear()
}

// sendToContainerLocked marshals v as one NDJSON line and queues it on the
// container socket. Fails closed when the socket is missing or not open.
// Callers hold r.mu.
func (r *Relay) sendToContainerLocked(v any) error {
	if r.container == nil || !r.container.IsOpen() {
		return fmt.Errorf("no open container socket for session %s", r.sessionID)
	}
	line, err := protocol.MarshalNDJSON(v)
	if err != nil {
		return fmt.Errorf("marshal container line: %w", err)
	}
	return r.container.Send(line)
}

func (r *Relay) touchLocked() {
	r.lastActivityAt = time.Now()
}
