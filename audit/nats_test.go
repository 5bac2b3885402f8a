package audit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/agentbus/message"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	// Skip if short mode or NATS not available
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	conn, err := nats.Connect(url, nats.Timeout(2*time.Second), nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	conn.Close()

	return url
}

func TestNATSSink_Subject(t *testing.T) {
	s := NewNATSSinkFromConn(nil, NATSConfig{SubjectPrefix: "ops.audit."})
	msg := message.MustNew("a", "b", message.TypeHeartbeat, nil)
	if got := s.Subject(msg); got != "ops.audit.heartbeat" {
		t.Errorf("Subject() = %q", got)
	}
	if s.format != FormatJSON {
		t.Errorf("default format = %q, want json", s.format)
	}
}

// --- Integration Tests ---

func TestNATSSink_Publish(t *testing.T) {
	url := getNATSURL(t)

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.Format = FormatCBOR
	sink, err := NewNATSSink(cfg)
	if err != nil {
		t.Fatalf("NewNATSSink error: %v", err)
	}
	defer sink.Close()

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats.Connect error: %v", err)
	}
	defer sub.Close()

	ch := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe(cfg.SubjectPrefix+".>", ch)
	if err != nil {
		t.Fatalf("ChanSubscribe error: %v", err)
	}
	defer s.Unsubscribe()
	sub.Flush()

	msg := message.MustNew("orchestrator", "analyzer", message.TypeRequest,
		message.RequestPayload("analyze_data", nil))
	if err := sink.Write(context.Background(), msg); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush error: %v", err)
	}

	select {
	case got := <-ch:
		if got.Subject != cfg.SubjectPrefix+".request" {
			t.Errorf("subject = %q", got.Subject)
		}
		if got.Header.Get("Agentbus-Message-Id") != msg.ID() {
			t.Errorf("header id = %q, want %q", got.Header.Get("Agentbus-Message-Id"), msg.ID())
		}
		decoded, err := Decode(got.Data, FormatCBOR)
		if err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		if decoded.ID() != msg.ID() || decoded.Payload().RequestType() != "analyze_data" {
			t.Errorf("decoded = %v", decoded.ToMap())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for audit record")
	}
}
