// Package wire defines the message envelopes exchanged over a connection:
// client requests with acknowledgements, and server-initiated pushes.
package wire

import (
	"encoding/json"
	"strings"
	"time"
)

// Request is a client frame. Event is "<service>:<method>"; ID is echoed
// back on the acknowledgement so the client can match replies.
type Request struct {
	ID      int64           `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack is the single reply to a Request.
type Ack struct {
	ID      int64           `json:"id,omitempty"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    int             `json:"code,omitempty"`
}

// Push is a server-initiated frame. No acknowledgement is expected.
type Push struct {
	Event   string          `json:"event"`
	At      string          `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewPush(event string, payload interface{}) Push {
	var raw json.RawMessage
	if payload != nil {
		b, _ := json.Marshal(payload)
		raw = b
	}
	return Push{Event: event, At: time.Now().UTC().Format(time.RFC3339Nano), Payload: raw}
}

func OK(id int64, data interface{}) Ack {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Ack{ID: id, Success: true, Data: raw}
}

func Fail(id int64, code int, msg string) Ack {
	return Ack{ID: id, Success: false, Error: msg, Code: code}
}

// Ack error codes, loosely modeled on their HTTP cousins.
const (
	CodeBadRequest      = 400
	CodeUnauthorized    = 401
	CodeForbidden       = 403
	CodeNotFound        = 404
	CodeTooManyRequests = 429
	CodeInternal        = 500
)

// Reserved method names bound generically for every service.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventAuthInfo    = "auth:info"
)

// SplitEvent splits "<service>:<method>" into its parts. Method may itself
// contain colons (update events do).
func SplitEvent(event string) (service, method string, ok bool) {
	event = strings.TrimSpace(event)
	i := strings.Index(event, ":")
	if i <= 0 || i == len(event)-1 {
		return "", "", false
	}
	return event[:i], event[i+1:], true
}

func MethodEvent(service, method string) string {
	return service + ":" + method
}

// UpdateEvent names the push stream for one entry of one service.
func UpdateEvent(service, entryID string) string {
	return service + ":update:" + entryID
}

// SubscribePayload is the fixed payload shape of the generic subscribe and
// unsubscribe events.
type SubscribePayload struct {
	EntryID       string `json:"entryId"`
	RequiredLevel string `json:"requiredLevel,omitempty"`
}

// Deleted is the terminal patch pushed to subscribers when an entry is
// removed. Subscribers treat it as the last frame for that entry.
func Deleted(id string) map[string]interface{} {
	return map[string]interface{}{"id": id, "deleted": true}
}

// IsDeleted reports whether a patch carries the deletion sentinel.
func IsDeleted(patch map[string]interface{}) bool {
	v, ok := patch["deleted"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// PayloadID reads a string "id" field off a raw payload. It is the opt-in
// fallback entry-id resolver; methods must reference it explicitly.
func PayloadID(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// AuthInfo is pushed once on successful authentication.
type AuthInfo struct {
	IdentityID string            `json:"identityId"`
	Grants     map[string]string `json:"grants,omitempty"`
}
