package relay

import (
	"encoding/json"
	"time"

	"github.com/freitascorp/agentrelay/pkg/metrics"
	"github.com/freitascorp/agentrelay/pkg/protocol"
)

// attachContainer installs a container socket, replacing any prior one, and
// announces the startup phase to subscribers.
func (r *Relay) attachContainer(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.container != nil {
		r.container.Close(protocol.CloseNormal, "Replaced")
	}
	r.container = conn
	r.startupPhase = PhaseInitializing
	r.startupTimestamp = time.Now().UnixMilli()
	r.touchLocked()

	r.logger.Info("container attached")
	r.broadcastLocked(protocol.ServerStatus, map[string]any{
		"status":           StatusStarting,
		"startupPhase":     r.startupPhase,
		"startupTimestamp": r.startupTimestamp,
	})
}

// handleContainerFrame parses one WebSocket frame as NDJSON and dispatches
// each valid line in order. Frames from a socket that has since been
// replaced are dropped. A parse failure on one line never aborts later
// lines; a broadcast failure to one browser never blocks the others.
func (r *Relay) handleContainerFrame(conn Conn, frame []byte) {
	r.mu.Lock()
	if r.container != conn {
		r.mu.Unlock()
		return
	}
	for _, msg := range protocol.SplitNDJSON(frame) {
		r.dispatchLocked(msg)
	}
	r.mu.Unlock()
}

// dispatchLocked routes one container message. Callers hold r.mu; NDJSON
// parsing is synchronous per frame, so messages within a frame dispatch in
// order and never interleave with browser ingress.
func (r *Relay) dispatchLocked(msg *protocol.ContainerMessage) {
	metrics.ContainerMessages.WithLabelValues(msg.Type).Inc()
	r.touchLocked()

	switch msg.Type {
	case protocol.ContainerSystem:
		if msg.Subtype == protocol.SubtypeInit {
			r.handleInitLocked(msg)
		} else {
			// Unknown system subtypes degrade to the raw catch-all.
			r.broadcastLocked(protocol.ServerRaw, map[string]any{
				"message": msg.Raw,
			})
		}

	case protocol.ContainerAssistant:
		content := contentToString(msg.Content)
		r.rec.RecordMessage(r.sessionID, "assistant", content, nil)
		r.rec.TouchActivity(r.sessionID)
		r.broadcastLocked(protocol.ServerMessage, map[string]any{
			"messageType": "assistant",
			"content":     msg.Content,
			"raw":         msg.Raw,
		})

	case protocol.ContainerStreamEvent:
		// High-volume deltas are relayed but never persisted.
		r.broadcastLocked(protocol.ServerStream, map[string]any{
			"event": msg.Raw,
		})

	case protocol.ContainerControlRequest:
		r.handleControlRequestLocked(msg)

	case protocol.ContainerToolProgress:
		r.broadcastLocked(protocol.ServerToolProgress, map[string]any{
			"toolUseId": msg.ToolUseID,
			"elapsedMs": msg.ElapsedMS,
		})

	case protocol.ContainerResult:
		r.handleResultLocked(msg)

	case protocol.ContainerKeepAlive:
		r.rec.TouchActivity(r.sessionID)

	case protocol.ContainerAuthStatus:
		payload := map[string]any{"provider": msg.Provider}
		if msg.Authenticated != nil {
			payload["authenticated"] = *msg.Authenticated
		}
		r.broadcastLocked(protocol.ServerAuthStatus, payload)

	case protocol.ContainerToolUseSummary:
		r.rec.RecordMessage(r.sessionID, "tool_use", string(msg.ToolsUsed), map[string]any{
			"totalCalls": msg.TotalCalls,
		})
		r.broadcastLocked(protocol.ServerToolUseSummary, map[string]any{
			"toolsUsed":  msg.ToolsUsed,
			"totalCalls": msg.TotalCalls,
		})

	default:
		r.broadcastLocked(protocol.ServerRaw, map[string]any{
			"message": msg.Raw,
		})
	}
}

// handleInitLocked populates capabilities, flips initialized exactly once,
// and injects the initial prompt if the session was created with one.
func (r *Relay) handleInitLocked(msg *protocol.ContainerMessage) {
	first := !r.initialized
	r.initialized = true
	r.startupPhase = ""
	r.capabilities = &Capabilities{
		WorkingDir:     msg.CWD,
		Model:          msg.Model,
		Tools:          msg.Tools,
		MCPServers:     msg.MCPServers,
		PermissionMode: msg.PermissionMode,
		AgentVersion:   msg.AgentVersion,
	}

	r.logger.Info("container initialized", "model", msg.Model, "cwd", msg.CWD)
	r.rec.RecordStatus(r.sessionID, StatusActive, map[string]any{
		"capabilities": r.capabilities,
	})
	r.broadcastLocked(protocol.ServerStatus, map[string]any{
		"status":       StatusActive,
		"capabilities": r.capabilities,
	})

	if first && r.initialPrompt != "" {
		line := protocol.NewUserMessage(r.sessionID, r.initialPrompt)
		if err := r.sendToContainerLocked(line); err != nil {
			r.logger.Warn("initial prompt send failed", "error", err)
			return
		}
		r.rec.RecordMessage(r.sessionID, "user", r.initialPrompt, nil)
	}
}

// handleControlRequestLocked stores can_use_tool requests for a user
// decision and relays hook callbacks.
func (r *Relay) handleControlRequestLocked(msg *protocol.ContainerMessage) {
	if msg.Request == nil {
		return
	}
	switch msg.Request.Subtype {
	case protocol.SubtypeCanUseTool:
		r.permissions.Put(msg.RequestID, msg.Request)
		r.rec.RecordMessage(r.sessionID, "permission_request",
			"Permission requested: "+msg.Request.ToolName,
			map[string]any{
				"requestId":      msg.RequestID,
				"toolName":       msg.Request.ToolName,
				"toolUseId":      msg.Request.ToolUseID,
				"decisionReason": msg.Request.DecisionReason,
			})
		r.broadcastLocked(protocol.ServerPermissionRequest, map[string]any{
			"requestId":      msg.RequestID,
			"toolName":       msg.Request.ToolName,
			"toolUseId":      msg.Request.ToolUseID,
			"input":          msg.Request.Input,
			"decisionReason": msg.Request.DecisionReason,
		})

	case protocol.SubtypeHookCallback:
		r.rec.RecordMessage(r.sessionID, "system", "Hook callback",
			map[string]any{"requestId": msg.RequestID})
		r.broadcastLocked(protocol.ServerControl, map[string]any{
			"subtype":   protocol.SubtypeHookCallback,
			"requestId": msg.RequestID,
		})
	}
}

// handleResultLocked records run statistics and drives the success/error
// status transition.
func (r *Relay) handleResultLocked(msg *protocol.ContainerMessage) {
	stats := &ResultStats{
		Duration:   msg.DurationMS,
		Cost:       msg.CostUSD,
		ResultType: msg.ResultType,
	}
	if msg.Usage != nil {
		stats.InputTokens = msg.Usage.InputTokens
		stats.OutputTokens = msg.Usage.OutputTokens
		stats.TotalTokens = msg.Usage.TotalTokens
	}
	r.resultStats = stats

	payload := map[string]any{
		"resultType":   msg.ResultType,
		"duration":     stats.Duration,
		"cost":         stats.Cost,
		"inputTokens":  stats.InputTokens,
		"outputTokens": stats.OutputTokens,
		"totalTokens":  stats.TotalTokens,
	}

	if protocol.IsErrorResult(msg.ResultType) {
		errMsg := msg.Error
		if errMsg == "" {
			errMsg = msg.ResultType
		}
		r.lastError = errMsg
		payload["error"] = errMsg
		r.rec.RecordStatus(r.sessionID, StatusErrored, map[string]any{
			"error": errMsg,
			"stats": stats,
		})
	} else {
		r.rec.RecordStatus(r.sessionID, StatusActive, map[string]any{
			"stats": stats,
		})
	}
	r.broadcastLocked(protocol.ServerResult, payload)
}

// handleContainerClose detaches the socket and runs the disconnect status
// transition: errored when init never arrived, stopped otherwise. A close
// from an already-replaced socket is a no-op.
func (r *Relay) handleContainerClose(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.container != conn {
		return
	}
	r.container = nil

	if r.startupPhase == PhaseInitializing {
		r.startupPhase = PhaseFailed
		r.lastError = startupDisconnectError
		r.logger.Warn("container disconnected during startup")
		r.rec.RecordStatus(r.sessionID, StatusErrored, map[string]any{
			"error": startupDisconnectError,
		})
		r.broadcastLocked(protocol.ServerStatus, map[string]any{
			"status":       StatusErrored,
			"startupPhase": PhaseFailed,
			"error":        startupDisconnectError,
		})
		return
	}

	r.logger.Info("container disconnected")
	r.rec.RecordStatus(r.sessionID, StatusStopped, nil)
	r.broadcastLocked(protocol.ServerStatus, map[string]any{
		"status": StatusStopped,
	})
}

// contentToString flattens an assistant content value for persistence:
// plain strings are unquoted, structured block arrays are stored as JSON.
func contentToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
