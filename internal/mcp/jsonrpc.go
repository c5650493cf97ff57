package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ID is a JSON-RPC request id. Peers may use strings or integers; the
// original form is kept so responses echo exactly what was received.
// ID is comparable and can be used as a map key.
type ID struct {
	str   string
	num   int64
	isStr bool
}

// NumberID returns a numeric id.
func NumberID(n int64) ID { return ID{num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{str: s, isStr: true} }

// IsString reports whether the id was sent as a JSON string.
func (id ID) IsString() bool { return id.isStr }

// String renders the id for logs.
func (id ID) String() string {
	if id.isStr {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements [json.Marshaler].
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON implements [json.Unmarshaler]. Only strings and
// integers are accepted.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be a string or integer, got %s", data)
	}
	*id = NumberID(n)
	return nil
}

// Kind classifies a message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// Message is any JSON-RPC 2.0 message: request, notification, result
// response or error response. Use [Message.Kind] to tell them apart.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind classifies the message. A message with a method and neither
// result nor error is a request (or a notification when it has no
// id). A message with an error is an error response; one with a
// result is a result response.
func (m *Message) Kind() Kind {
	switch {
	case m.Error != nil:
		if m.ID == nil {
			return KindInvalid
		}
		return KindError
	case len(m.Result) > 0:
		if m.ID == nil {
			return KindInvalid
		}
		return KindResponse
	case m.Method != "":
		if m.ID == nil {
			return KindNotification
		}
		return KindRequest
	default:
		return KindInvalid
	}
}

// ParseMessage decodes one JSON-RPC message.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.JSONRPC != jsonrpcVersion {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	}
	if m.Kind() == KindInvalid {
		return nil, fmt.Errorf("message is neither request, notification nor response")
	}
	return &m, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id ID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: jsonrpcVersion, Method: method, Params: raw}, nil
}

// NewResponse creates a result response for id. A nil result is sent
// as an empty object.
func NewResponse(id ID, result any) (*Message, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	return &Message{JSONRPC: jsonrpcVersion, ID: &id, Result: raw}, nil
}

// NewErrorResponse creates an error response for id.
func NewErrorResponse(id ID, rpcErr *RPCError) *Message {
	return &Message{JSONRPC: jsonrpcVersion, ID: &id, Error: rpcErr}
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
