// Package protocol defines the wire vocabulary spoken between clients and the
// Threadline gateway. Both directions use a JSON envelope with a "type" tag;
// each tag maps to exactly one variant struct. Unknown tags and variants
// missing required fields decode to a *ProtocolError, which the caller reports
// back to the sender as an error message with code "bad_request" without
// dropping the connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> server message tags.
const (
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"
	TypeCreateSession      = "create_session"
	TypeInput              = "input"
	TypePermissionResponse = "permission_response"
)

// Server -> client message tags.
const (
	TypeSessionCreated      = "session_created"
	TypeSessionNotification = "session_notification"
	TypeClaude              = "claude"
	TypeSessionState        = "session_state"
	TypeError               = "error"
)

// ProtocolError describes a message that could not be decoded. It is reported
// to the sender and never terminates the connection.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

func protoErrf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Client -> server messages
// ---------------------------------------------------------------------------

// ClientMessage is the closed set of messages a client may send.
type ClientMessage interface {
	clientMessage()
}

// Subscribe starts event delivery for the given session ids on this connection.
type Subscribe struct {
	SessionIDs []string `json:"session_ids"`
}

// Unsubscribe stops event delivery for the given session ids. It does not
// affect the sessions themselves.
type Unsubscribe struct {
	SessionIDs []string `json:"session_ids"`
}

// CreateSession asks the server to create a new session. RequestID is an
// opaque correlation value chosen by the client; the server echoes it in the
// SessionCreated response so the client can match the reply to a request
// issued before any session id existed.
type CreateSession struct {
	Name      string `json:"name,omitempty"`
	RequestID string `json:"request_id"`
}

// Input submits one user turn to a session.
type Input struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// PermissionResponse resolves a pending permission request.
type PermissionResponse struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

func (Subscribe) clientMessage()          {}
func (Unsubscribe) clientMessage()        {}
func (CreateSession) clientMessage()      {}
func (Input) clientMessage()              {}
func (PermissionResponse) clientMessage() {}

// DecodeClientMessage parses one inbound frame into its typed variant.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, protoErrf("malformed message: %v", err)
	}

	switch head.Type {
	case TypeSubscribe:
		var m Subscribe
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, protoErrf("malformed subscribe: %v", err)
		}
		if len(m.SessionIDs) == 0 {
			return nil, protoErrf("subscribe requires session_ids")
		}
		return m, nil
	case TypeUnsubscribe:
		var m Unsubscribe
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, protoErrf("malformed unsubscribe: %v", err)
		}
		if len(m.SessionIDs) == 0 {
			return nil, protoErrf("unsubscribe requires session_ids")
		}
		return m, nil
	case TypeCreateSession:
		var m CreateSession
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, protoErrf("malformed create_session: %v", err)
		}
		if m.RequestID == "" {
			return nil, protoErrf("create_session requires request_id")
		}
		return m, nil
	case TypeInput:
		var m Input
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, protoErrf("malformed input: %v", err)
		}
		if m.SessionID == "" {
			return nil, protoErrf("input requires session_id")
		}
		if m.Content == "" {
			return nil, protoErrf("input requires content")
		}
		return m, nil
	case TypePermissionResponse:
		var m PermissionResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, protoErrf("malformed permission_response: %v", err)
		}
		if m.SessionID == "" || m.RequestID == "" {
			return nil, protoErrf("permission_response requires session_id and request_id")
		}
		return m, nil
	case "":
		return nil, protoErrf("message missing type")
	default:
		return nil, protoErrf("unknown message type %q", head.Type)
	}
}

// ---------------------------------------------------------------------------
// Server -> client messages
// ---------------------------------------------------------------------------

// ServerMessage is the closed set of messages the server may send.
type ServerMessage interface {
	serverMessage()
}

// SessionCreated answers a CreateSession request. RequestID is the value the
// client sent, echoed verbatim.
type SessionCreated struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
}

// SessionNotification announces metadata changes such as a rename.
type SessionNotification struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
}

// Claude carries one streamed backend event for a session.
type Claude struct {
	SessionID string      `json:"session_id"`
	Event     ClaudeEvent `json:"event"`
}

// SessionState announces a lifecycle state transition.
type SessionState struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// ErrorMessage reports a protocol or state error to one client. SessionID is
// empty when the error is not attributable to a session.
type ErrorMessage struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Code      string `json:"code"`
}

func (SessionCreated) serverMessage()      {}
func (SessionNotification) serverMessage() {}
func (Claude) serverMessage()              {}
func (SessionState) serverMessage()        {}
func (ErrorMessage) serverMessage()        {}

// EncodeServerMessage renders a server message as a tagged JSON frame.
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	switch v := m.(type) {
	case SessionCreated:
		return tagged(TypeSessionCreated, v)
	case SessionNotification:
		return tagged(TypeSessionNotification, v)
	case Claude:
		ev, err := EncodeClaudeEvent(v.Event)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type      string          `json:"type"`
			SessionID string          `json:"session_id"`
			Event     json.RawMessage `json:"event"`
		}{TypeClaude, v.SessionID, ev})
	case SessionState:
		return tagged(TypeSessionState, v)
	case ErrorMessage:
		return tagged(TypeError, v)
	default:
		return nil, fmt.Errorf("unencodable server message %T", m)
	}
}

// DecodeServerMessage parses one server frame. Used by the control CLI and by
// tests; the server itself only encodes.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var head struct {
		Type  string          `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, protoErrf("malformed message: %v", err)
	}

	switch head.Type {
	case TypeSessionCreated:
		var m SessionCreated
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, protoErrf("malformed session_created: %v", err)
		}
		return m, nil
	case TypeSessionNotification:
		var m SessionNotification
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, protoErrf("malformed session_notification: %v", err)
		}
		return m, nil
	case TypeClaude:
		var m struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, protoErrf("malformed claude message: %v", err)
		}
		ev, err := DecodeClaudeEvent(head.Event)
		if err != nil {
			return nil, err
		}
		return Claude{SessionID: m.SessionID, Event: ev}, nil
	case TypeSessionState:
		var m SessionState
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, protoErrf("malformed session_state: %v", err)
		}
		return m, nil
	case TypeError:
		var m ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, protoErrf("malformed error: %v", err)
		}
		return m, nil
	default:
		return nil, protoErrf("unknown server message type %q", head.Type)
	}
}

func tagged(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Splice the type tag into the already-marshaled object.
	if len(body) == 2 { // "{}"
		return []byte(fmt.Sprintf(`{"type":%q}`, typ)), nil
	}
	out := make([]byte, 0, len(body)+len(typ)+12)
	out = append(out, []byte(fmt.Sprintf(`{"type":%q,`, typ))...)
	out = append(out, body[1:]...)
	return out, nil
}
