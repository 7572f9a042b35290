package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"tiace/internal/config"
	"tiace/pkg/logger"
)

// KafkaSink writes change messages to a topic keyed by tenant, so each
// tenant's changes stay ordered within one partition
type KafkaSink struct {
	writer *kafka.Writer
	logger *logger.Logger
}

// NewKafkaSink creates a sink; no connection is made until the first write
func NewKafkaSink(cfg config.KafkaConfig, log *logger.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: no topic configured")
	}
	log = log.WithComponent("kafka")

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error().Msgf(msg, args...)
		}),
	}

	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("kafka sink initialized")
	return &KafkaSink{writer: w, logger: log}, nil
}

// Name identifies the sink in logs
func (k *KafkaSink) Name() string { return "kafka" }

// Deliver writes msgs in one batch
func (k *KafkaSink) Deliver(ctx context.Context, msgs []*ChangeMessage) error {
	batch, err := KafkaMessages(msgs)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, batch...); err != nil {
		return fmt.Errorf("kafka: write %d messages: %w", len(batch), err)
	}
	return nil
}

// KafkaMessages encodes msgs with the tenant as key
func KafkaMessages(msgs []*ChangeMessage) ([]kafka.Message, error) {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to marshal change: %w", err)
		}
		out = append(out, kafka.Message{
			Key:   []byte(m.TenantID),
			Value: data,
			Time:  m.Timestamp,
			Headers: []kafka.Header{
				{Key: "change_kind", Value: []byte(m.Change)},
				{Key: "seq", Value: []byte(fmt.Sprint(m.Seq))},
			},
		})
	}
	return out, nil
}

// Close flushes pending writes
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
