// Package jsonrpc models JSON-RPC 2.0 messages and the Content-Length
// framing used to carry them over a byte stream.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the protocol version emitted on every outgoing message.
const Version = "2.0"

// Kind classifies a JSON-RPC message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// ID is a request identifier. It holds the compact JSON text of a scalar
// (number, string or null), so two ids are equal exactly when their JSON
// encodings are equal: 1 and "1" are different ids.
type ID struct {
	raw string
}

// NumberID returns an integer id.
func NumberID(n int64) ID {
	return ID{raw: strconv.FormatInt(n, 10)}
}

// StringID returns a string id.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: string(b)}
}

// ParseID validates raw JSON as a scalar id.
func ParseID(raw json.RawMessage) (ID, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return ID{}, fmt.Errorf("%w: id: %v", ErrInvalidMessageShape, err)
	}
	s := buf.String()
	if s == "" {
		return ID{}, fmt.Errorf("%w: empty id", ErrInvalidMessageShape)
	}
	switch c := s[0]; {
	case c == '"', c == '-', c >= '0' && c <= '9', s == "null":
		return ID{raw: s}, nil
	default:
		return ID{}, fmt.Errorf("%w: id must be a number or string, got %s", ErrInvalidMessageShape, s)
	}
}

// String returns the JSON text of the id.
func (id ID) String() string {
	if id.raw == "" {
		return "null"
	}
	return id.raw
}

func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	parsed, err := ParseID(data)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Message is one of *Request, *Response or *Notification.
type Message interface {
	Kind() Kind
	json.Marshaler
	isMessage()
}

// Request expects a Response carrying the same ID.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage // nil when absent
}

// Response answers the Request with the same ID. Result and Error are nil
// when absent; carrying both or neither is tolerated here.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  json.RawMessage
}

// Notification is a one-way message without an id.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Request) Kind() Kind      { return KindRequest }
func (*Response) Kind() Kind     { return KindResponse }
func (*Notification) Kind() Kind { return KindNotification }

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}

// envelope is the wire shape shared by all three variants. Empty raw
// fields are omitted, a present JSON null is kept.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (r *Request) MarshalJSON() ([]byte, error) {
	id := r.ID
	return json.Marshal(envelope{JSONRPC: Version, ID: &id, Method: r.Method, Params: r.Params})
}

func (r *Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	return json.Marshal(envelope{JSONRPC: Version, ID: &id, Result: r.Result, Error: r.Error})
}

func (n *Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{JSONRPC: Version, Method: n.Method, Params: n.Params})
}

// FromValue classifies a decoded JSON value by the presence of "id",
// "method" and "result"/"error":
//
//	id + method            -> Request
//	id + result and/or error -> Response
//	method                 -> Notification
//
// Anything else fails with ErrInvalidMessageShape.
func FromValue(raw json.RawMessage) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: message must be an object", ErrInvalidMessageShape)
	}

	idRaw, hasID := fields["id"]
	methodRaw, hasMethod := fields["method"]
	result, hasResult := fields["result"]
	errRaw, hasError := fields["error"]
	hasOutcome := hasResult || hasError

	var method string
	if hasMethod {
		if err := json.Unmarshal(methodRaw, &method); err != nil || method == "" {
			return nil, fmt.Errorf("%w: method must be a non-empty string", ErrInvalidMessageShape)
		}
	}

	switch {
	case hasID && hasMethod && !hasOutcome:
		id, err := ParseID(idRaw)
		if err != nil {
			return nil, err
		}
		return &Request{ID: id, Method: method, Params: fields["params"]}, nil
	case hasID && !hasMethod && hasOutcome:
		id, err := ParseID(idRaw)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id, Result: result, Error: errRaw}, nil
	case !hasID && hasMethod && !hasOutcome:
		return &Notification{Method: method, Params: fields["params"]}, nil
	default:
		return nil, fmt.Errorf("%w: id=%t method=%t result/error=%t", ErrInvalidMessageShape, hasID, hasMethod, hasOutcome)
	}
}

// ToValue encodes m in its wire form, always including "jsonrpc":"2.0".
func ToValue(m Message) (json.RawMessage, error) {
	return json.Marshal(m)
}

// MethodOf returns the method of a Request or Notification.
func MethodOf(m Message) (string, bool) {
	switch v := m.(type) {
	case *Request:
		return v.Method, true
	case *Notification:
		return v.Method, true
	default:
		return "", false
	}
}

// IDOf returns the id of a Request or Response.
func IDOf(m Message) (ID, bool) {
	switch v := m.(type) {
	case *Request:
		return v.ID, true
	case *Response:
		return v.ID, true
	default:
		return ID{}, false
	}
}

// ErrorObject is the JSON-RPC 2.0 error member.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrorObject decodes the error member, if any.
func (r *Response) ErrorObject() (*ErrorObject, bool) {
	if len(r.Error) == 0 {
		return nil, false
	}
	var e ErrorObject
	if err := json.Unmarshal(r.Error, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// NewErrorResponse builds an error response for the request with the given id.
func NewErrorResponse(id ID, code int, message string) *Response {
	data, _ := json.Marshal(ErrorObject{Code: code, Message: message})
	return &Response{ID: id, Error: data}
}

// NewNotification builds a notification, marshaling params unless nil.
func NewNotification(method string, params any) (*Notification, error) {
	n := &Notification{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		n.Params = raw
	}
	return n, nil
}
