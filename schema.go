package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the protocol marker every message must carry.
const JSONRPCVersion = "2.0"

// MessageID identifies a request/response pair. The engine issues monotonically
// increasing numeric IDs scoped to a session, but peers may echo them back as
// either JSON numbers or strings, so both decode into the same canonical form.
type MessageID string

// MessageKind classifies a decoded JSON-RPC message by its populated fields.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// JSONRPCMessage represents a JSON-RPC 2.0 message. It can represent a request,
// response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and optionally Params are set
//   - Response: JSONRPC, ID, and exactly one of Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
//
// Use Kind to classify a message instead of re-inspecting fields at call sites.
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs.
	ID MessageID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error object in the JSON-RPC 2.0 protocol. It is
// surfaced to callers verbatim and implements the error interface, so peer
// failures can be matched with errors.As.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`
	// Message provides a short description of the error.
	Message string `json:"message"`
	// Data contains additional unstructured information and may be omitted.
	Data json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
}

// Kind classifies the message. KindInvalid means the message does not match any
// of the three valid JSON-RPC shapes.
func (m JSONRPCMessage) Kind() MessageKind {
	if m.JSONRPC != JSONRPCVersion {
		return KindInvalid
	}
	hasID := m.ID != ""
	hasResult := m.Result != nil
	hasError := m.Error != nil
	if hasResult && hasError {
		return KindInvalid
	}
	switch {
	case m.Method != "" && hasID && !hasResult && !hasError:
		return KindRequest
	case m.Method != "" && !hasResult && !hasError:
		return KindNotification
	case m.Method == "" && hasID && (hasResult || hasError):
		return KindResponse
	default:
		return KindInvalid
	}
}

// DecodeMessage parses and validates a single JSON-RPC message. It returns an
// error wrapping ErrMalformedMessage when the payload is not valid JSON, the
// jsonrpc marker is missing or wrong, or the field combination matches none of
// the request/response/notification shapes.
func DecodeMessage(data []byte) (JSONRPCMessage, error) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, fmt.Errorf("%w: invalid jsonrpc version %q", ErrMalformedMessage, msg.JSONRPC)
	}
	if msg.Result != nil && msg.Error != nil {
		return JSONRPCMessage{}, fmt.Errorf("%w: message carries both result and error", ErrMalformedMessage)
	}
	if msg.Kind() == KindInvalid {
		return JSONRPCMessage{}, fmt.Errorf("%w: not a request, response, or notification", ErrMalformedMessage)
	}
	return msg, nil
}

// EncodeMessage serializes a message to compact single-line JSON. The standard
// library escapes any newline inside string values, so the output is always
// safe for newline-delimited framing.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	if msg.Kind() == KindInvalid {
		return nil, fmt.Errorf("%w: refusing to encode invalid message", ErrMalformedMessage)
	}
	return json.Marshal(msg)
}

// UnmarshalJSON implements json.Unmarshaler, accepting both string and numeric
// identifiers from the wire.
func (m *MessageID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		*m = MessageID(v)
	case float64:
		*m = MessageID(strconv.FormatInt(int64(v), 10))
	case nil:
		*m = ""
	default:
		return fmt.Errorf("invalid id type: %T", v)
	}
	return nil
}

// MarshalJSON implements json.Marshaler. Identifiers issued by this engine are
// decimal integers and are emitted as JSON numbers; anything else round-trips
// as a string.
func (m MessageID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(m), 10, 64); err == nil {
		return []byte(m), nil
	}
	return json.Marshal(string(m))
}

// Info identifies one side of the protocol handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents capabilities negotiated from the server during
// the handshake.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// ClientCapabilities represents the capability set this engine advertises.
type ClientCapabilities struct {
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
}

type notificationsCancelledParams struct {
	RequestID MessageID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// Protocol versions this engine can operate. The first entry is offered during
// the handshake; any listed version returned by the server is accepted.
const (
	protocolVersionLatest = "2025-06-18"
	protocolVersionPrev   = "2025-03-26"
	protocolVersionLegacy = "2024-11-05"
)

var supportedProtocolVersions = []string{
	protocolVersionLatest,
	protocolVersionPrev,
	protocolVersionLegacy,
}

// Exported method names callers commonly forward through Session.Request.
const (
	// MethodToolsList is the method name for listing server tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for executing a server tool.
	MethodToolsCall = "tools/call"
	// MethodPromptsList is the method name for listing server prompts.
	MethodPromptsList = "prompts/list"
	// MethodResourcesList is the method name for listing server resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading a server resource.
	MethodResourcesRead = "resources/read"
)

const (
	methodInitialize = "initialize"
	methodPing       = "ping"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"
	methodNotificationsShutdown    = "notifications/shutdown"

	userCancelledReason = "user requested cancellation"
)

const (
	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)
