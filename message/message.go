package message

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentbus/errors"
)

// Broadcast is the reserved recipient that fans a message out to every
// subscribed mailbox except the sender's.
const Broadcast = "*"

// Type is the closed set of message variants.
type Type string

const (
	TypeCommand      Type = "command"
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypeHeartbeat    Type = "heartbeat"
	TypeError        Type = "error"
	TypeBroadcast    Type = "broadcast"
)

// Types lists every message type.
var Types = []Type{
	TypeCommand, TypeRequest, TypeResponse, TypeNotification,
	TypeHeartbeat, TypeError, TypeBroadcast,
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case TypeCommand, TypeRequest, TypeResponse, TypeNotification,
		TypeHeartbeat, TypeError, TypeBroadcast:
		return true
	}
	return false
}

// OwesResponse reports whether a message of this type always gets a reply.
func (t Type) OwesResponse() bool {
	return t == TypeRequest || t == TypeCommand
}

// Priority orders queued messages. Lower value means more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = map[Priority]string{
	PriorityCritical: "critical",
	PriorityHigh:     "high",
	PriorityNormal:   "normal",
	PriorityLow:      "low",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four tiers.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ParsePriority converts a tier name to a Priority.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityNormal, errors.InvalidInput(fmt.Sprintf("unknown priority %q", s))
}

// Message is the envelope carried by the bus. It is immutable once built:
// accessors return copies and "mutators" return new messages.
type Message struct {
	id               string
	sender           string
	recipient        string
	typ              Type
	priority         Priority
	payload          Payload
	correlationID    string
	createdAt        time.Time
	expiresAt        time.Time
	retryCount       int
	maxRetries       int
	requiresResponse bool
	headers          map[string]string
}

// Option configures a message at construction.
type Option func(*Message)

// WithPriority sets the priority tier. Default is PriorityNormal.
func WithPriority(p Priority) Option {
	return func(m *Message) { m.priority = p }
}

// WithTTL sets the expiry relative to the creation time.
func WithTTL(ttl time.Duration) Option {
	return func(m *Message) {
		if ttl > 0 {
			m.expiresAt = m.createdAt.Add(ttl)
		}
	}
}

// WithExpiresAt sets an absolute expiry.
func WithExpiresAt(t time.Time) Option {
	return func(m *Message) { m.expiresAt = t.UTC() }
}

// WithCorrelationID links the message to the request that caused it.
func WithCorrelationID(id string) Option {
	return func(m *Message) { m.correlationID = id }
}

// WithMaxRetries sets the retry budget used by CanRetry.
func WithMaxRetries(n int) Option {
	return func(m *Message) { m.maxRetries = n }
}

// WithRequiresResponse asks the recipient to reply even when the type
// does not mandate one.
func WithRequiresResponse() Option {
	return func(m *Message) { m.requiresResponse = true }
}

// WithHeader attaches a header, used for trace context propagation.
func WithHeader(key, value string) Option {
	return func(m *Message) {
		if m.headers == nil {
			m.headers = make(map[string]string)
		}
		m.headers[key] = value
	}
}

// New builds a message. The id and creation time are always generated here.
// A nil payload is treated as empty.
func New(sender, recipient string, typ Type, payload Payload, opts ...Option) (*Message, error) {
	if sender == "" {
		return nil, errors.InvalidInput("message sender is required")
	}
	if recipient == "" {
		return nil, errors.InvalidInput("message recipient is required")
	}
	if !typ.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown message type %q", typ))
	}

	m := &Message{
		id:        newID(),
		sender:    sender,
		recipient: recipient,
		typ:       typ,
		priority:  PriorityNormal,
		payload:   payload.Clone(),
		createdAt: time.Now().UTC(),
	}
	if m.payload == nil {
		m.payload = Payload{}
	}
	for _, opt := range opts {
		opt(m)
	}
	if !m.priority.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("invalid priority %d", int(m.priority)))
	}
	if m.maxRetries < 0 {
		return nil, errors.InvalidInput("max retries must not be negative")
	}
	return m, nil
}

// MustNew is New for statically known arguments. It panics on invalid input.
func MustNew(sender, recipient string, typ Type, payload Payload, opts ...Option) *Message {
	m, err := New(sender, recipient, typ, payload, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (m *Message) ID() string { return m.id }
func (m *Message) Sender() string { return m.sender }
func (m *Message) Recipient() string { return m.recipient }
func (m *Message) Type() Type { return m.typ }
func (m *Message) Priority() Priority { return m.priority }
func (m *Message) CorrelationID() string { return m.correlationID }
func (m *Message) CreatedAt() time.Time { return m.createdAt }
func (m *Message) RetryCount() int { return m.retryCount }
func (m *Message) MaxRetries() int { return m.maxRetries }
func (m *Message) RequiresResponse() bool { return m.requiresResponse }
func (m *Message) Payload() Payload { return m.payload.Clone() }
func (m *Message) Headers() map[string]string { return maps.Clone(m.headers) }

// ExpiresAt returns the expiry and whether one is set.
func (m *Message) ExpiresAt() (time.Time, bool) {
	return m.expiresAt, !m.expiresAt.IsZero()
}

// IsBroadcast reports whether the message targets every mailbox.
func (m *Message) IsBroadcast() bool {
	return m.recipient == Broadcast
}

// IsExpired reports whether an expiry is set and has passed.
func (m *Message) IsExpired() bool {
	return m.isExpiredAt(time.Now())
}

func (m *Message) isExpiredAt(now time.Time) bool {
	return !m.expiresAt.IsZero() && !now.Before(m.expiresAt)
}

// CanRetry reports whether another delivery attempt is within budget.
func (m *Message) CanRetry() bool {
	return m.retryCount < m.maxRetries
}

// OwesResponse reports whether the recipient must reply.
func (m *Message) OwesResponse() bool {
	return m.requiresResponse || m.typ.OwesResponse()
}

// WithRetry returns a copy with the retry count incremented.
func (m *Message) WithRetry() *Message {
	c := m.clone()
	c.retryCount++
	return c
}

// CopyTo returns a copy addressed to recipient. The id is kept: a broadcast
// fan-out is the same logical message delivered to many mailboxes.
func (m *Message) CopyTo(recipient string) *Message {
	c := m.clone()
	c.recipient = recipient
	return c
}

func (m *Message) clone() *Message {
	c := *m
	c.payload = m.payload.Clone()
	c.headers = maps.Clone(m.headers)
	return &c
}

// Reply builds a Response to m: sender and recipient are swapped and the
// correlation id is m's id. The payload gets the conventional status field,
// and when err is non-nil an error description.
func (m *Message) Reply(payload Payload, success bool, err error) *Message {
	p := payload.Clone()
	if p == nil {
		p = Payload{}
	}
	if success {
		p[KeyStatus] = StatusCompleted
	} else {
		p[KeyStatus] = StatusFailed
	}
	if err != nil {
		p[KeyError] = err.Error()
		if code := errors.Code(err); code != "" {
			p[KeyCode] = string(code)
		}
		if _, ok := p[KeyMessage]; !ok {
			p[KeyMessage] = err.Error()
		}
	}
	return m.derive(TypeResponse, p)
}

// ErrorReply builds an Error-typed reply to m describing err.
func (m *Message) ErrorReply(err error) *Message {
	r := m.Reply(nil, false, err)
	r.typ = TypeError
	return r
}

func (m *Message) derive(typ Type, payload Payload) *Message {
	r := &Message{
		id:            newID(),
		sender:        m.recipient,
		recipient:     m.sender,
		typ:           typ,
		priority:      m.priority,
		payload:       payload,
		correlationID: m.id,
		createdAt:     time.Now().UTC(),
		headers:       maps.Clone(m.headers),
	}
	return r
}

func (m *Message) String() string {
	return fmt.Sprintf(
		"Message{ID: %s, From: %s, To: %s, Type: %s, Priority: %s}",
		m.id, m.sender, m.recipient, m.typ, m.priority,
	)
}
