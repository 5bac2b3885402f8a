package message

import (
	"fmt"
	"maps"
	"time"

	"github.com/vinayprograms/agentbus/errors"
)

// Map keys used by ToMap/FromMap.
const (
	fieldID               = "id"
	fieldSender           = "sender"
	fieldRecipient        = "recipient"
	fieldType             = "type"
	fieldPriority         = "priority"
	fieldPayload          = "payload"
	fieldCorrelationID    = "correlation_id"
	fieldCreatedAt        = "created_at"
	fieldExpiresAt        = "expires_at"
	fieldRetryCount       = "retry_count"
	fieldMaxRetries       = "max_retries"
	fieldRequiresResponse = "requires_response"
	fieldHeaders          = "headers"
)

// ToMap returns a plain map representation of every field. Optional fields
// that are unset are omitted.
func (m *Message) ToMap() map[string]any {
	out := map[string]any{
		fieldID:               m.id,
		fieldSender:           m.sender,
		fieldRecipient:        m.recipient,
		fieldType:             string(m.typ),
		fieldPriority:         int(m.priority),
		fieldPayload:          map[string]any(m.payload.Clone()),
		fieldCreatedAt:        m.createdAt.Format(time.RFC3339Nano),
		fieldRetryCount:       m.retryCount,
		fieldMaxRetries:       m.maxRetries,
		fieldRequiresResponse: m.requiresResponse,
	}
	if m.payload == nil {
		out[fieldPayload] = map[string]any{}
	}
	if m.correlationID != "" {
		out[fieldCorrelationID] = m.correlationID
	}
	if !m.expiresAt.IsZero() {
		out[fieldExpiresAt] = m.expiresAt.Format(time.RFC3339Nano)
	}
	if len(m.headers) > 0 {
		out[fieldHeaders] = maps.Clone(m.headers)
	}
	return out
}

// FromMap reconstructs a message produced by ToMap, including maps that went
// through a JSON or CBOR round trip (numbers as float64/uint64, nested maps
// as map[string]any or map[any]any). No field is regenerated.
func FromMap(src map[string]any) (*Message, error) {
	m := &Message{}
	var err error

	if m.id, err = requiredString(src, fieldID); err != nil {
		return nil, err
	}
	if m.sender, err = requiredString(src, fieldSender); err != nil {
		return nil, err
	}
	if m.recipient, err = requiredString(src, fieldRecipient); err != nil {
		return nil, err
	}
	typ, err := requiredString(src, fieldType)
	if err != nil {
		return nil, err
	}
	m.typ = Type(typ)
	if !m.typ.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown message type %q", typ))
	}

	switch v := src[fieldPriority].(type) {
	case string:
		if m.priority, err = ParsePriority(v); err != nil {
			return nil, err
		}
	default:
		n, ok := toInt(v)
		if !ok {
			return nil, fieldError(fieldPriority, v)
		}
		m.priority = Priority(n)
	}
	if !m.priority.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("invalid priority %d", int(m.priority)))
	}

	if raw, ok := src[fieldPayload]; ok && raw != nil {
		p, ok := toStringMap(raw)
		if !ok {
			return nil, fieldError(fieldPayload, raw)
		}
		m.payload = Payload(p)
	}
	if m.payload == nil {
		m.payload = Payload{}
	}

	if v, ok := src[fieldCorrelationID]; ok {
		if m.correlationID, ok = v.(string); !ok {
			return nil, fieldError(fieldCorrelationID, v)
		}
	}

	created, err := requiredString(src, fieldCreatedAt)
	if err != nil {
		return nil, err
	}
	if m.createdAt, err = parseTime(fieldCreatedAt, created); err != nil {
		return nil, err
	}
	if v, ok := src[fieldExpiresAt]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fieldError(fieldExpiresAt, v)
		}
		if m.expiresAt, err = parseTime(fieldExpiresAt, s); err != nil {
			return nil, err
		}
	}

	for field, dst := range map[string]*int{fieldRetryCount: &m.retryCount, fieldMaxRetries: &m.maxRetries} {
		if v, ok := src[field]; ok {
			n, ok := toInt(v)
			if !ok {
				return nil, fieldError(field, v)
			}
			*dst = n
		}
	}

	if v, ok := src[fieldRequiresResponse]; ok {
		if m.requiresResponse, ok = v.(bool); !ok {
			return nil, fieldError(fieldRequiresResponse, v)
		}
	}

	if raw, ok := src[fieldHeaders]; ok && raw != nil {
		hm, ok := toStringMap(raw)
		if !ok {
			return nil, fieldError(fieldHeaders, raw)
		}
		m.headers = make(map[string]string, len(hm))
		for k, v := range hm {
			s, ok := v.(string)
			if !ok {
				return nil, fieldError(fieldHeaders+"."+k, v)
			}
			m.headers[k] = s
		}
	}

	return m, nil
}

func requiredString(src map[string]any, key string) (string, error) {
	v, ok := src[key]
	if !ok {
		return "", errors.InvalidInput(fmt.Sprintf("missing field %q", key))
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fieldError(key, v)
	}
	return s, nil
}

func parseTime(key, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.InvalidInput(fmt.Sprintf("field %q: %v", key, err))
	}
	return t.UTC(), nil
}

func fieldError(key string, v any) error {
	return errors.InvalidInput(fmt.Sprintf("field %q has unexpected value %v (%T)", key, v, v))
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), float32(int(n)) == n
	case float64:
		return int(n), float64(int(n)) == n
	}
	return 0, false
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return maps.Clone(m), true
	case Payload:
		return maps.Clone(m), true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}
