package audit

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/message"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// SubjectPrefix is prepended to the message type.
	// Default: "agentbus.audit"
	SubjectPrefix string

	// Format of the published records.
	// Default: json
	Format Format

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "agentbus.audit",
		Format:         FormatJSON,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

// NATSSink publishes each message to <prefix>.<type>. Headers carry the
// message id and content type so consumers can filter without decoding.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	format Format
	owned  bool
}

// NewNATSSink connects to NATS and returns a sink owning the connection.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	defaults := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	s := NewNATSSinkFromConn(conn, cfg)
	s.owned = true
	return s, nil
}

// NewNATSSinkFromConn creates a sink on an existing connection. Close does
// not close conn.
func NewNATSSinkFromConn(conn *nats.Conn, cfg NATSConfig) *NATSSink {
	defaults := DefaultNATSConfig()
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = defaults.SubjectPrefix
	}
	format := cfg.Format
	if format == "" {
		format = defaults.Format
	}
	return &NATSSink{conn: conn, prefix: prefix, format: format}
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// Subject returns the subject msg is published to.
func (s *NATSSink) Subject(msg *message.Message) string {
	return s.prefix + "." + string(msg.Type())
}

func (s *NATSSink) Write(ctx context.Context, msg *message.Message) error {
	if s.conn.IsClosed() {
		return errors.Closed("nats connection")
	}
	data, err := Encode(msg, s.format)
	if err != nil {
		return err
	}

	out := nats.NewMsg(s.Subject(msg))
	out.Data = data
	out.Header.Set("Agentbus-Message-Id", msg.ID())
	out.Header.Set("Content-Type", s.format.ContentType())
	if err := s.conn.PublishMsg(out); err != nil {
		return errors.Wrap(err, "nats publish", errors.WithMessageID(msg.ID()))
	}
	return nil
}

// Flush waits for the server to acknowledge everything published so far.
func (s *NATSSink) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultNATSConfig().ConnectTimeout)
		defer cancel()
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return errors.Wrap(err, "nats flush")
	}
	return nil
}

func (s *NATSSink) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return errors.Wrap(err, "nats drain")
	}
	return nil
}
