package input

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"
)

// messageFetcher is the seam between the source and the Kafka client, so
// the consume loop is testable without a broker.
type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes JSON events from a Kafka topic. Each message's
// offset is committed inside Next, before the record is returned to the
// pipeline, so an event whose processing is cut short is not re-delivered.
type KafkaSource struct {
	fetcher messageFetcher
	logger  *slog.Logger
}

// KafkaConfig configures the consumer.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaSource connects a consumer-group reader.
func NewKafkaSource(cfg KafkaConfig, logger *slog.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	})
	logger.Info("kafka consumer started",
		slog.String("topic", cfg.Topic),
		slog.String("group", cfg.GroupID),
		slog.String("brokers", strings.Join(cfg.Brokers, ",")),
	)
	return &KafkaSource{fetcher: reader, logger: logger}
}

// Next fetches, decodes and commits one message. Undecodable messages are
// logged and skipped; a poisoned message must not wedge the partition.
func (s *KafkaSource) Next(ctx context.Context) (Record, error) {
	for {
		msg, err := s.fetcher.FetchMessage(ctx)
		if err != nil {
			return nil, err
		}

		var raw map[string]any
		if err := json.Unmarshal(msg.Value, &raw); err != nil {
			s.logger.Warn("skipping undecodable message",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			if err := s.fetcher.CommitMessages(ctx, msg); err != nil {
				return nil, fmt.Errorf("commit after skip: %w", err)
			}
			continue
		}

		record := make(Record, len(raw))
		flattenInto(record, "", raw)

		if err := s.fetcher.CommitMessages(ctx, msg); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return record, nil
	}
}

// Close closes the underlying reader.
func (s *KafkaSource) Close() error { return s.fetcher.Close() }
