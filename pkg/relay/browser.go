package relay

import (
	"encoding/json"
	"strings"

	"github.com/freitascorp/agentrelay/pkg/metrics"
	"github.com/freitascorp/agentrelay/pkg/protocol"
)

// Content of the synthesized interrupt message. The container crashes on a
// raw {type:"interrupt"} line, so the interrupt path sends a plain user
// message instead. Keep this until the container side is confirmed fixed.
const interruptPrompt = "Please stop what you are doing and wait for further instructions."

// handleBrowserMessage processes one typed client request from a browser
// socket. Malformed input and unknown request types are silently ignored;
// a userID that does not match the relay owner is rejected without any side
// effect (no container send, no persistence, no permission mutation). An
// empty userID means the caller authenticated at the socket level.
func (r *Relay) handleBrowserMessage(conn Conn, raw []byte, userID string) {
	var req protocol.BrowserRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	if userID != "" && userID != r.userID {
		// Silent drop: no payload logging, nothing echoed to the sender.
		metrics.OwnershipRejections.Inc()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.BrowserRequests.WithLabelValues(req.Type).Inc()

	switch req.Type {
	case protocol.BrowserUserMessage:
		r.handleUserMessageLocked(&req)

	case protocol.BrowserPermissionResponse:
		r.handlePermissionResponseLocked(&req)

	case protocol.BrowserInterrupt:
		r.handleInterruptLocked()

	case protocol.BrowserSetPermissionMode:
		if err := r.sendToContainerLocked(&protocol.SetPermissionMode{
			Type:           "set_permission_mode",
			PermissionMode: req.PermissionMode,
		}); err != nil {
			return
		}
		r.rec.RecordMessage(r.sessionID, "system",
			"Permission mode set to: "+req.PermissionMode,
			map[string]any{"mode": req.PermissionMode})

	case protocol.BrowserSetModel:
		if err := r.sendToContainerLocked(&protocol.SetModel{
			Type:  "set_model",
			Model: req.Model,
		}); err != nil {
			return
		}
		r.rec.RecordMessage(r.sessionID, "system",
			"Model set to: "+req.Model,
			map[string]any{"model": req.Model})

	case protocol.BrowserUpdateEnv:
		if err := r.sendToContainerLocked(&protocol.UpdateEnvironmentVariables{
			Type:                 "update_environment_variables",
			EnvironmentVariables: req.EnvironmentVariables,
		}); err != nil {
			return
		}
		keys := protocol.JSONObjectKeys(req.EnvironmentVariables)
		r.rec.RecordMessage(r.sessionID, "system",
			"Environment variables updated: "+strings.Join(keys, ", "),
			map[string]any{"variableKeys": keys})
	}
}

// handleUserMessageLocked forwards user input to the container, persists
// it, and echoes it back to all subscribers.
func (r *Relay) handleUserMessageLocked(req *protocol.BrowserRequest) {
	if req.Content == "" {
		return
	}
	line := protocol.NewUserMessage(r.sessionID, req.Content)
	if err := r.sendToContainerLocked(line); err != nil {
		r.logger.Debug("user message dropped", "error", err)
		return
	}
	r.touchLocked()
	r.rec.RecordMessage(r.sessionID, "user", req.Content, nil)
	r.rec.TouchActivity(r.sessionID)
	r.broadcastLocked(protocol.ServerMessage, map[string]any{
		"messageType": "user",
		"content":     req.Content,
	})
}

// handlePermissionResponseLocked resolves a pending tool-permission request.
// Unknown request ids are a no-op. An allow decision echoes the original
// tool input back as updatedInput; a deny omits it.
func (r *Relay) handlePermissionResponseLocked(req *protocol.BrowserRequest) {
	// Fail closed before consuming the pending entry, so a response that
	// cannot reach the container leaves the request outstanding.
	if r.container == nil || !r.container.IsOpen() {
		return
	}
	pending, ok := r.permissions.Take(req.RequestID)
	if !ok {
		return
	}

	inner := protocol.ControlResponseInner{Behavior: req.Behavior}
	if req.Behavior == "allow" {
		inner.UpdatedInput = pending.Input
	}
	resp := &protocol.ControlResponse{
		Type: "control_response",
		Response: protocol.ControlResponseBody{
			Subtype:   "success",
			RequestID: req.RequestID,
			Response:  inner,
		},
	}
	if err := r.sendToContainerLocked(resp); err != nil {
		// Restore the entry so the request stays outstanding and a
		// reconnected container can still receive a decision.
		r.permissions.Put(req.RequestID, pending)
		r.logger.Warn("permission response send failed", "request_id", req.RequestID, "error", err)
		return
	}

	metrics.PermissionDecisions.WithLabelValues(req.Behavior).Inc()
	r.rec.RecordMessage(r.sessionID, "permission_response",
		req.Behavior+": "+pending.ToolName,
		map[string]any{
			"requestId": req.RequestID,
			"behavior":  req.Behavior,
			"toolName":  pending.ToolName,
		})
	r.broadcastLocked(protocol.ServerPermissionResolved, map[string]any{
		"requestId": req.RequestID,
		"behavior":  req.Behavior,
	})
}

// handleInterruptLocked asks the agent to stop via a synthesized user
// message rather than the raw interrupt control line.
func (r *Relay) handleInterruptLocked() {
	line := protocol.NewUserMessage(r.sessionID, interruptPrompt)
	if err := r.sendToContainerLocked(line); err != nil {
		return
	}
	r.rec.RecordMessage(r.sessionID, "system", "User interrupted session", nil)
	r.broadcastLocked(protocol.ServerMessage, map[string]any{
		"messageType": "system",
		"content":     "Interrupt requested",
	})
}
