package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"tiace/internal/config"
	"tiace/pkg/logger"
)

// NATSPublisher publishes change messages to a JetStream stream
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	config config.NATSConfig
	logger *logger.Logger

	mu        sync.RWMutex
	connected bool
}

// NewNATSPublisher connects to NATS and creates or updates the change stream
func NewNATSPublisher(ctx context.Context, cfg config.NATSConfig, log *logger.Logger) (*NATSPublisher, error) {
	log = log.WithComponent("nats")

	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "TIACE_CHANGES"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "tiace"
	}

	log.Info().Str("url", cfg.URL).Str("stream", cfg.StreamName).Msg("connecting to NATS")

	conn, err := nats.Connect(cfg.URL,
		nats.Name("tiace"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "TIACE committed change events",
		Subjects:    []string{cfg.SubjectPrefix + ".changes.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxMsgs:     1_000_000,
		Discard:     jetstream.DiscardOld,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	log.Info().Str("stream", stream.CachedInfo().Config.Name).Msg("NATS stream ready")

	return &NATSPublisher{
		conn:      conn,
		js:        js,
		stream:    stream,
		config:    cfg,
		logger:    log,
		connected: true,
	}, nil
}

// Name identifies the sink in logs
func (p *NATSPublisher) Name() string { return "nats" }

// Close closes the NATS connection
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		p.conn.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns whether NATS is connected
func (p *NATSPublisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.conn.IsConnected()
}

// Deliver publishes each message with its tenant sequence as the dedup id
func (p *NATSPublisher) Deliver(ctx context.Context, msgs []*ChangeMessage) error {
	if !p.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal change: %w", err)
		}
		subject := Subject(p.config.SubjectPrefix, msg)
		_, err = p.js.Publish(ctx, subject, data,
			jetstream.WithMsgID(fmt.Sprintf("%s-%d", msg.TenantID, msg.Seq)))
		if err != nil {
			return fmt.Errorf("failed to publish change %d: %w", msg.Seq, err)
		}
	}

	p.logger.Debug().Int("events", len(msgs)).Msg("published changes")
	return nil
}

// Subject returns <prefix>.changes.<tenant>.<entity_kind>.<change_kind>.
// Tenant ids are sanitized so they stay a single subject token.
func Subject(prefix string, msg *ChangeMessage) string {
	tenant := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, msg.TenantID)
	return fmt.Sprintf("%s.changes.%s.%s.%s", prefix, tenant, msg.EntityKind, msg.Change)
}
