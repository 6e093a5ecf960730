// Package protocol defines the wire formats on both sides of the session
// relay: the NDJSON protocol spoken by agent containers and the typed
// envelope protocol spoken by browser clients.
//
// Both event sets are closed enumerations. Unknown container message types
// fall through to a single catch-all (ServerRaw) so new container versions
// degrade gracefully instead of breaking older relays.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// WebSocket close codes used by the relay.
const (
	CloseNormal         = 1000 // teardown, replaced connection
	CloseAbnormal       = 1006 // transport-level failure (never sent, only observed)
	CloseUnknownSession = 4004 // container attach for a session the relay doesn't know
)

// ------------------------------------------------------------------
// Container → server (NDJSON lines)
// ------------------------------------------------------------------

// Container message types.
const (
	ContainerSystem         = "system"
	ContainerAssistant      = "assistant"
	ContainerStreamEvent    = "stream_event"
	ContainerControlRequest = "control_request"
	ContainerToolProgress   = "tool_progress"
	ContainerResult         = "result"
	ContainerKeepAlive      = "keep_alive"
	ContainerAuthStatus     = "auth_status"
	ContainerToolUseSummary = "tool_use_summary"
)

// Control request subtypes.
const (
	SubtypeInit         = "init"
	SubtypeCanUseTool   = "can_use_tool"
	SubtypeHookCallback = "hook_callback"
)

// Result type values. Anything with an "error_" prefix is an error variant.
const (
	ResultSuccess              = "success"
	ResultErrorDuringExecution = "error_during_execution"
	ResultErrorMaxTurns        = "error_max_turns"
)

// ControlRequest is the request body of a container control_request line.
// It is stored verbatim while a permission decision is pending so the
// response can echo the original input back.
type ControlRequest struct {
	Subtype        string          `json:"subtype"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolUseID      string          `json:"tool_use_id,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	DecisionReason string          `json:"decision_reason,omitempty"`
}

// Usage is the token accounting block of a result message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ContainerMessage is one parsed NDJSON line from a container. Only the
// fields relevant to the line's Type are populated; Raw always holds the
// verbatim line for catch-all forwarding.
type ContainerMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init
	CWD            string          `json:"cwd,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Model          string          `json:"model,omitempty"`
	Tools          []string        `json:"tools,omitempty"`
	MCPServers     json.RawMessage `json:"mcp_servers,omitempty"`
	PermissionMode string          `json:"permission_mode,omitempty"`
	AgentVersion   string          `json:"claude_code_version,omitempty"`

	// assistant
	Content    json.RawMessage `json:"content,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// tool_progress
	ToolUseID string  `json:"tool_use_id,omitempty"`
	ElapsedMS float64 `json:"elapsed_ms,omitempty"`

	// result
	ResultType string          `json:"result_type,omitempty"`
	DurationMS float64         `json:"duration_ms,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// auth_status
	Authenticated *bool  `json:"authenticated,omitempty"`
	Provider      string `json:"provider,omitempty"`

	// tool_use_summary
	ToolsUsed  json.RawMessage `json:"tools_used,omitempty"`
	TotalCalls int             `json:"total_calls,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// SplitNDJSON splits a WebSocket text frame into parsed container messages.
// A frame may carry several JSON objects separated by newlines; malformed
// lines are skipped, valid ones are returned in frame order. WebSocket text
// frames preserve framing, so no cross-frame reassembly is needed.
func SplitNDJSON(frame []byte) []*ContainerMessage {
	var out []*ContainerMessage
	for _, line := range bytes.Split(frame, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var msg ContainerMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			continue
		}
		msg.Raw = json.RawMessage(append([]byte(nil), trimmed...))
		out = append(out, &msg)
	}
	return out
}

// IsErrorResult reports whether a result_type names an error variant.
func IsErrorResult(resultType string) bool {
	return strings.HasPrefix(resultType, "error_") ||
		resultType == ResultErrorDuringExecution ||
		resultType == ResultErrorMaxTurns
}

// ------------------------------------------------------------------
// Server → container (NDJSON lines)
// ------------------------------------------------------------------

// UserMessageBody is the inner message of an outbound user line.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage is the server→container user input line.
type UserMessage struct {
	Type            string          `json:"type"`
	Message         UserMessageBody `json:"message"`
	ParentToolUseID any             `json:"parent_tool_use_id"`
	SessionID       string          `json:"session_id"`
}

// NewUserMessage builds a user line for the container. parent_tool_use_id is
// always explicit null on this path.
func NewUserMessage(sessionID, content string) *UserMessage {
	return &UserMessage{
		Type:      "user",
		Message:   UserMessageBody{Role: "user", Content: content},
		SessionID: sessionID,
	}
}

// ControlResponseInner carries the permission decision.
type ControlResponseInner struct {
	Behavior     string          `json:"behavior"` // "allow" or "deny"
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// ControlResponseBody wraps the decision with the request correlation id.
type ControlResponseBody struct {
	Subtype   string               `json:"subtype"` // always "success"
	RequestID string               `json:"request_id"`
	Response  ControlResponseInner `json:"response"`
}

// ControlResponse is the server→container reply to a control_request.
type ControlResponse struct {
	Type     string              `json:"type"`
	Response ControlResponseBody `json:"response"`
}

// SetPermissionMode switches the container's permission mode.
type SetPermissionMode struct {
	Type           string `json:"type"`
	PermissionMode string `json:"permission_mode"`
}

// SetModel switches the container's model.
type SetModel struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

// UpdateEnvironmentVariables replaces environment variables inside the
// container. The variables object is forwarded verbatim to preserve the
// client's key order.
type UpdateEnvironmentVariables struct {
	Type                 string          `json:"type"`
	EnvironmentVariables json.RawMessage `json:"environment_variables"`
}

// ControlCancelRequest cancels an outstanding control_request.
type ControlCancelRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// MarshalNDJSON serializes v as a single NDJSON line, newline included.
func MarshalNDJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ------------------------------------------------------------------
// Browser → server
// ------------------------------------------------------------------

// Browser request types.
const (
	BrowserUserMessage        = "session_user_message"
	BrowserPermissionResponse = "session_permission_response"
	BrowserInterrupt          = "session_interrupt"
	BrowserSetPermissionMode  = "session_set_permission_mode"
	BrowserSetModel           = "session_set_model"
	BrowserUpdateEnv          = "session_update_env"
	BrowserSubscribe          = "session_subscribe"
	BrowserPing               = "ping"
)

// BrowserRequest is a typed client request received on a browser socket.
// EnvironmentVariables stays raw so key order survives the round trip.
type BrowserRequest struct {
	Type                 string          `json:"type"`
	SessionID            string          `json:"sessionId,omitempty"`
	Content              string          `json:"content,omitempty"`
	RequestID            string          `json:"requestId,omitempty"`
	Behavior             string          `json:"behavior,omitempty"`
	PermissionMode       string          `json:"permissionMode,omitempty"`
	Model                string          `json:"model,omitempty"`
	EnvironmentVariables json.RawMessage `json:"environmentVariables,omitempty"`
	LastEventID          string          `json:"lastEventId,omitempty"`
}

// ------------------------------------------------------------------
// Server → browser
// ------------------------------------------------------------------

// Server event types.
const (
	ServerStatus             = "session_status"
	ServerMessage            = "session_message"
	ServerStream             = "session_stream"
	ServerPermissionRequest  = "session_permission_request"
	ServerPermissionResolved = "session_permission_resolved"
	ServerControl            = "session_control"
	ServerToolProgress       = "session_tool_progress"
	ServerResult             = "session_result"
	ServerAuthStatus         = "session_auth_status"
	ServerToolUseSummary     = "session_tool_use_summary"
	ServerRaw                = "session_raw"
	ServerPong               = "pong"
)

// ServerEvent is the envelope applied to every server→browser payload.
// Timestamp is ISO-8601. Events delivered via replay additionally carry
// "_buffered": true inside the payload.
type ServerEvent struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// JSONObjectKeys returns the top-level keys of a JSON object in document
// order. Returns nil if raw is not a JSON object.
func JSONObjectKeys(raw []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := tok.(string)
		if !ok {
			return keys
		}
		// Consume the value so the next token is a key again.
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return keys
		}
		keys = append(keys, key)
	}
	return keys
}
