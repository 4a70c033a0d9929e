package writer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter streams quotes to a topic keyed by exchange:symbol, so every
// instrument lands on one partition in publish order.
type KafkaWriter struct {
	config *appconfig.Config
	writer messageWriter
	depth  int
	log    *logger.Log
}

func NewKafkaWriter(cfg *appconfig.Config) (*KafkaWriter, error) {
	kcfg := cfg.Storage.Kafka
	if len(kcfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := &KafkaWriter{
		config: cfg,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(kcfg.Brokers...),
			Topic:        kcfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    kcfg.BatchSize,
			BatchTimeout: kcfg.BatchTimeout,
			RequiredAcks: kafka.RequireOne,
		},
		depth: cfg.Engine.TopN,
		log:   logger.GetLogger(),
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": kcfg.Brokers,
		"topic":   kcfg.Topic,
	}).Debug("kafka writer initialized")
	return kw, nil
}

func (kw *KafkaWriter) Name() string { return "kafka" }

func (kw *KafkaWriter) Write(ctx context.Context, quotes []models.Quote) error {
	batchID := []byte(uuid.New().String())
	msgs := make([]kafka.Message, 0, len(quotes))
	for _, q := range quotes {
		w := NewWire(q, kw.depth)
		data, err := w.Marshal()
		if err != nil {
			kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal quote")
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(w.Key()),
			Value:   data,
			Headers: []kafka.Header{{Key: "batch_id", Value: batchID}},
			Time:    q.Timestamp,
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := kw.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write kafka messages: %w", err)
	}
	for _, m := range msgs {
		logger.IncrementQuotePublished(kw.Name(), len(m.Value))
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"batch_id": string(batchID),
		"records":  len(msgs),
	}).Debug("batch written to kafka")
	return nil
}

func (kw *KafkaWriter) Close() error {
	kw.log.WithComponent("kafka_writer").Debug("stopping kafka writer")
	return kw.writer.Close()
}
