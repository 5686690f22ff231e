package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-realtime/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 5 * time.Millisecond,
	}
}

// KafkaOperations publishes operations events keyed by alert id.
type KafkaOperations struct {
	w     messageWriter
	topic string
}

func NewKafkaOperations(brokers []string, topic string) *KafkaOperations {
	return &KafkaOperations{w: newWriter(brokers, topic), topic: topic}
}

func (k *KafkaOperations) SendOperationsEvent(ctx context.Context, ev OperationsEvent) (Result, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return Result{}, err
	}
	if err := k.w.WriteMessages(ctx, kafka.Message{Key: []byte(ev.AlertID), Value: b}); err != nil {
		return Result{}, err
	}
	return Result{Success: true, ProviderRef: k.topic + "/" + ev.AlertID}, nil
}

func (k *KafkaOperations) Close() error { return k.w.Close() }

// Escalation is written when a task gives up.
type Escalation struct {
	Alert       models.SOSAlert         `json:"alert"`
	Task        models.NotificationTask `json:"task"`
	EscalatedAt int64                   `json:"escalated_at_ms"`
}

type KafkaEscalator struct {
	w messageWriter
}

func NewKafkaEscalator(brokers []string, topic string) *KafkaEscalator {
	return &KafkaEscalator{w: newWriter(brokers, topic)}
}

func (k *KafkaEscalator) Escalate(ctx context.Context, alert models.SOSAlert, task models.NotificationTask) error {
	b, err := json.Marshal(Escalation{Alert: alert, Task: task, EscalatedAt: models.NowMs()})
	if err != nil {
		return err
	}
	if err := k.w.WriteMessages(ctx, kafka.Message{Key: []byte(alert.AlertID), Value: b}); err != nil {
		return fmt.Errorf("escalate %s: %w", task.TaskID, err)
	}
	return nil
}

func (k *KafkaEscalator) Close() error { return k.w.Close() }
