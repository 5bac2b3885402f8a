package message

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/vinayprograms/agentbus/errors"
)

func TestNew(t *testing.T) {
	m, err := New("a", "b", TypeRequest, RequestPayload("ping", nil))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if m.ID() == "" {
		t.Error("ID should be generated")
	}
	if m.Priority() != PriorityNormal {
		t.Errorf("Priority = %v, want normal", m.Priority())
	}
	if m.CreatedAt().IsZero() {
		t.Error("CreatedAt should be set")
	}
	if _, ok := m.ExpiresAt(); ok {
		t.Error("ExpiresAt should be unset by default")
	}
	if m.Payload().RequestType() != "ping" {
		t.Errorf("RequestType = %q, want ping", m.Payload().RequestType())
	}
}

func TestNewInvalid(t *testing.T) {
	tests := []struct {
		name      string
		sender    string
		recipient string
		typ       Type
		opts      []Option
	}{
		{"no sender", "", "b", TypeRequest, nil},
		{"no recipient", "a", "", TypeRequest, nil},
		{"bad type", "a", "b", Type("gossip"), nil},
		{"bad priority", "a", "b", TypeRequest, []Option{WithPriority(Priority(9))}},
		{"negative retries", "a", "b", TypeRequest, []Option{WithMaxRetries(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.sender, tt.recipient, tt.typ, nil, tt.opts...)
			if !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestPayloadIsolation(t *testing.T) {
	p := Payload{"k": "v"}
	m := MustNew("a", "b", TypeNotification, p)

	p["k"] = "changed"
	if m.Payload()["k"] != "v" {
		t.Error("message should not see later caller mutations")
	}

	got := m.Payload()
	got["k"] = "changed"
	if m.Payload()["k"] != "v" {
		t.Error("Payload() should return a copy")
	}
}

func TestIsExpired(t *testing.T) {
	live := MustNew("a", "b", TypeNotification, nil, WithTTL(time.Hour))
	if live.IsExpired() {
		t.Error("message with future expiry should not be expired")
	}

	past := MustNew("a", "b", TypeNotification, nil, WithExpiresAt(time.Now().Add(-time.Second)))
	if !past.IsExpired() {
		t.Error("message with past expiry should be expired")
	}

	never := MustNew("a", "b", TypeNotification, nil)
	if never.IsExpired() {
		t.Error("message without expiry should never expire")
	}
}

func TestCanRetry(t *testing.T) {
	m := MustNew("a", "b", TypeCommand, nil, WithMaxRetries(2))
	if !m.CanRetry() {
		t.Fatal("fresh message should be retryable")
	}
	m2 := m.WithRetry().WithRetry()
	if m2.CanRetry() {
		t.Error("message at budget should not be retryable")
	}
	if m.RetryCount() != 0 {
		t.Error("WithRetry must not mutate the original")
	}
	if m2.ID() != m.ID() {
		t.Error("retry copy should keep the id")
	}

	if MustNew("a", "b", TypeCommand, nil).CanRetry() {
		t.Error("zero budget should not be retryable")
	}
}

func TestReply(t *testing.T) {
	req := MustNew("orchestrator", "analyzer", TypeRequest,
		RequestPayload("analyze", nil), WithPriority(PriorityHigh))

	resp := req.Reply(Payload{"score": 0.9}, true, nil)
	if resp.Type() != TypeResponse {
		t.Errorf("Type = %v, want response", resp.Type())
	}
	if resp.CorrelationID() != req.ID() {
		t.Errorf("CorrelationID = %q, want %q", resp.CorrelationID(), req.ID())
	}
	if resp.Sender() != "analyzer" || resp.Recipient() != "orchestrator" {
		t.Errorf("sender/recipient = %s/%s", resp.Sender(), resp.Recipient())
	}
	if resp.Payload().Status() != StatusCompleted {
		t.Errorf("Status = %q, want completed", resp.Payload().Status())
	}
	if resp.Priority() != PriorityHigh {
		t.Errorf("Priority = %v, want high", resp.Priority())
	}
	if resp.ID() == req.ID() {
		t.Error("reply must get its own id")
	}
}

func TestReplyFailure(t *testing.T) {
	req := MustNew("o", "s", TypeRequest, nil)

	failed := req.Reply(nil, false, errors.UnknownRecipient("ghost"))
	p := failed.Payload()
	if !p.Failed() {
		t.Error("failed reply should carry status failed")
	}
	if p.GetString(KeyCode) != string(errors.ErrCodeUnknownRecipient) {
		t.Errorf("code = %q", p.GetString(KeyCode))
	}
	if !failed.SignalsFailure() {
		t.Error("SignalsFailure should be true")
	}

	errReply := req.ErrorReply(fmt.Errorf("disk full"))
	if errReply.Type() != TypeError {
		t.Errorf("Type = %v, want error", errReply.Type())
	}
	if errReply.FailureReason() != "disk full" {
		t.Errorf("FailureReason = %q", errReply.FailureReason())
	}
	if errReply.CorrelationID() != req.ID() {
		t.Error("error reply should correlate to the request")
	}
}

func TestCopyTo(t *testing.T) {
	m := MustNew("a", Broadcast, TypeBroadcast, Payload{"k": "v"})
	c := m.CopyTo("b")
	if c.Recipient() != "b" || c.ID() != m.ID() {
		t.Errorf("copy = %v", c)
	}
	if !m.IsBroadcast() || c.IsBroadcast() {
		t.Error("only the original should be a broadcast")
	}
}

func TestOwesResponse(t *testing.T) {
	tests := []struct {
		m    *Message
		want bool
	}{
		{MustNew("a", "b", TypeRequest, nil), true},
		{MustNew("a", "b", TypeCommand, nil), true},
		{MustNew("a", "b", TypeNotification, nil), false},
		{MustNew("a", "b", TypeNotification, nil, WithRequiresResponse()), true},
		{MustNew("a", "b", TypeResponse, nil), false},
	}
	for _, tt := range tests {
		if got := tt.m.OwesResponse(); got != tt.want {
			t.Errorf("OwesResponse(%v) = %v, want %v", tt.m, got, tt.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow} {
		got, err := ParsePriority(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePriority(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestFromMapErrors(t *testing.T) {
	good := MustNew("a", "b", TypeRequest, nil).ToMap()

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing id", func(m map[string]any) { delete(m, "id") }},
		{"bad type", func(m map[string]any) { m["type"] = "gossip" }},
		{"bad priority", func(m map[string]any) { m["priority"] = 1.5 }},
		{"bad created", func(m map[string]any) { m["created_at"] = "yesterday" }},
		{"bad payload", func(m map[string]any) { m["payload"] = 3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := make(map[string]any, len(good))
			for k, v := range good {
				src[k] = v
			}
			tt.mutate(src)
			if _, err := FromMap(src); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func assertSameMessage(t interface{ Fatalf(string, ...any) }, got, want *Message) {
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, want)
	}
}

func genMessage(t *rapid.T) *Message {
	typ := rapid.SampledFrom(Types).Draw(t, "type")
	prio := Priority(rapid.IntRange(0, 3).Draw(t, "priority"))
	opts := []Option{WithPriority(prio), WithMaxRetries(rapid.IntRange(0, 5).Draw(t, "retries"))}
	if rapid.Bool().Draw(t, "expires") {
		opts = append(opts, WithTTL(time.Duration(rapid.IntRange(1, 3600).Draw(t, "ttl"))*time.Second))
	}
	if rapid.Bool().Draw(t, "correlated") {
		opts = append(opts, WithCorrelationID(rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "corr")))
	}
	if rapid.Bool().Draw(t, "requires") {
		opts = append(opts, WithRequiresResponse())
	}
	if rapid.Bool().Draw(t, "header") {
		opts = append(opts, WithHeader("traceparent", rapid.StringMatching(`[a-z0-9-]{4,16}`).Draw(t, "tp")))
	}
	payload := Payload{
		"request_type": rapid.StringMatching(`[a-z_]{1,12}`).Draw(t, "rt"),
		"count":        rapid.IntRange(-100, 100).Draw(t, "count"),
		"label":        rapid.String().Draw(t, "label"),
	}
	sender := rapid.StringMatching(`agent-[a-z]{1,6}`).Draw(t, "sender")
	recipient := rapid.StringMatching(`agent-[a-z]{1,6}`).Draw(t, "recipient")
	return MustNew(sender, recipient, typ, payload, opts...)
}

func TestMapRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := genMessage(t)
		if rapid.Bool().Draw(t, "retried") {
			m = m.WithRetry()
		}
		got, err := FromMap(m.ToMap())
		if err != nil {
			t.Fatalf("FromMap error: %v", err)
		}
		assertSameMessage(t, got, m)
	})
}

func TestMapRoundTripThroughJSON(t *testing.T) {
	m := MustNew("a", "b", TypeCommand,
		RequestPayload("render", map[string]any{"chart": "bar"}),
		WithPriority(PriorityLow), WithTTL(time.Minute), WithCorrelationID("c-1"),
		WithMaxRetries(3), WithHeader("traceparent", "00-abc"))

	data, err := json.Marshal(m.ToMap())
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	got, err := FromMap(raw)
	if err != nil {
		t.Fatalf("FromMap error: %v", err)
	}
	assertSameMessage(t, got, m)
}

func TestIDsUnique(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 500).Draw(t, "n")
		seen := make(map[string]bool, n)
		for i := 0; i < n; i++ {
			id := MustNew("a", "b", TypeNotification, nil).ID()
			if seen[id] {
				t.Fatalf("duplicate id %s", id)
			}
			seen[id] = true
		}
	})
}

func TestReplyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := genMessage(t)
		r := m.Reply(nil, rapid.Bool().Draw(t, "ok"), nil)
		if r.CorrelationID() != m.ID() {
			t.Fatalf("CorrelationID = %q, want %q", r.CorrelationID(), m.ID())
		}
		if r.Sender() != m.Recipient() || r.Recipient() != m.Sender() {
			t.Fatalf("reply did not swap sender/recipient")
		}
	})
}
