package message

import "maps"

// Payload is the opaque key/value body of a message.
type Payload map[string]any

// Conventional payload keys.
const (
	KeyRequestType = "request_type"
	KeyParams      = "params"
	KeyStatus      = "status"
	KeyMessage     = "message"
	KeyError       = "error"
	KeyCode        = "code"
)

// Conventional response statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Clone returns a shallow copy. Nested maps are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// RequestPayload builds {"request_type": rt, "params": params}.
func RequestPayload(requestType string, params map[string]any) Payload {
	if params == nil {
		params = map[string]any{}
	}
	return Payload{KeyRequestType: requestType, KeyParams: params}
}

// RequestType returns the request_type field, or "".
func (p Payload) RequestType() string {
	s, _ := p[KeyRequestType].(string)
	return s
}

// Params returns the params field, or an empty map.
func (p Payload) Params() map[string]any {
	switch v := p[KeyParams].(type) {
	case map[string]any:
		return v
	case Payload:
		return v
	}
	return map[string]any{}
}

// Status returns the status field, or "".
func (p Payload) Status() string {
	s, _ := p[KeyStatus].(string)
	return s
}

// GetString returns a string field, or "".
func (p Payload) GetString(key string) string {
	s, _ := p[key].(string)
	return s
}

// Failed reports whether a response payload signals failure.
func (p Payload) Failed() bool {
	return p.Status() == StatusFailed
}

// SignalsFailure reports whether m is a failed response: an Error-typed
// message, or a payload whose status is "failed".
func (m *Message) SignalsFailure() bool {
	return m.typ == TypeError || m.payload.Failed()
}

// FailureReason extracts a human-readable reason from a failed response.
func (m *Message) FailureReason() string {
	for _, k := range []string{KeyMessage, KeyError} {
		if s := m.payload.GetString(k); s != "" {
			return s
		}
	}
	return "step reported failure"
}
