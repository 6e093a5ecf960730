package relay

import (
	"encoding/json"
	"sync"

	"github.com/freitascorp/agentrelay/pkg/protocol"
)

// PermissionStore holds outstanding tool-permission requests awaiting a user
// decision, keyed by request id. The original container request is stored
// verbatim so an allow response can echo the tool input back unchanged.
type PermissionStore struct {
	mu      sync.Mutex
	pending map[string]*protocol.ControlRequest
}

// PermissionSummary is the shape sent to freshly subscribed browsers.
type PermissionSummary struct {
	RequestID      string          `json:"requestId"`
	ToolName       string          `json:"toolName"`
	Input          json.RawMessage `json:"input,omitempty"`
	DecisionReason string          `json:"decisionReason,omitempty"`
}

// NewPermissionStore creates an empty store.
func NewPermissionStore() *PermissionStore {
	return &PermissionStore{pending: make(map[string]*protocol.ControlRequest)}
}

// Put records a pending request. Each id appears at most once; a duplicate
// id overwrites the prior entry.
func (s *PermissionStore) Put(requestID string, req *protocol.ControlRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[requestID] = req
}

// Take atomically removes and returns the request for the given id. The
// response path consumes entries through Take so each request resolves at
// most once.
func (s *PermissionStore) Take(requestID string) (*protocol.ControlRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	return req, ok
}

// Has reports whether a request id is still pending.
func (s *PermissionStore) Has(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[requestID]
	return ok
}

// Len returns the number of pending requests.
func (s *PermissionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Summaries returns the pending requests in the shape browsers expect.
func (s *PermissionStore) Summaries() []PermissionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PermissionSummary, 0, len(s.pending))
	for id, req := range s.pending {
		out = append(out, PermissionSummary{
			RequestID:      id,
			ToolName:       req.ToolName,
			Input:          req.Input,
			DecisionReason: req.DecisionReason,
		})
	}
	return out
}

// Clear drops all pending requests. Used on relay teardown.
func (s *PermissionStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]*protocol.ControlRequest)
}
