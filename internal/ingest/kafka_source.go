package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader the source needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSource feeds samples published by upstream gateways into the ingest buffer.
type KafkaSource struct {
	reader MessageReader
	sink   Ingester
	logger *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewKafkaSource(brokers []string, topic, group string, sink Ingester, logger *slog.Logger) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6, MaxWait: 250 * time.Millisecond})
	return newKafkaSource(r, sink, logger)
}

func newKafkaSource(r MessageReader, sink Ingester, logger *slog.Logger) *KafkaSource {
	return &KafkaSource{reader: r, sink: sink, logger: logger, minBackoff: time.Second, maxBackoff: 30 * time.Second}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially.
func (k *KafkaSource) Run(ctx context.Context) error {
	defer k.reader.Close()
	backoff := k.minBackoff
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("kafka source stopping")
				return nil
			}
			k.logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > k.maxBackoff {
				backoff = k.maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = k.minBackoff

		if s, ok := decodeSample(m.Value); ok {
			k.sink.Ingest(s)
		}
	}
}
