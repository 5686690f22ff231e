package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/example/ride-realtime/internal/broker"
	"github.com/example/ride-realtime/internal/models"
)

// OperationsChannel is the broker channel dashboards subscribe to.
const OperationsChannel = "ops:sos"

// BrokerOperations broadcasts operations events on the shared broker. It is
// used when no Kafka cluster is configured.
type BrokerOperations struct {
	b broker.Broker
}

func NewBrokerOperations(b broker.Broker) *BrokerOperations { return &BrokerOperations{b: b} }

func (o *BrokerOperations) SendOperationsEvent(ctx context.Context, ev OperationsEvent) (Result, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Result{}, err
	}
	if err := o.b.Publish(ctx, OperationsChannel, payload); err != nil {
		return Result{}, err
	}
	return Result{Success: true, ProviderRef: OperationsChannel + "/" + ev.AlertID}, nil
}

// LogEscalator records escalations in the service log only.
type LogEscalator struct {
	Logger *slog.Logger
}

func (l LogEscalator) Escalate(_ context.Context, alert models.SOSAlert, task models.NotificationTask) error {
	l.Logger.Error("sos task escalated",
		"alert_id", alert.AlertID,
		"task_id", task.TaskID,
		"kind", task.Kind,
		"attempts", task.Attempts,
		"last_error", task.LastError,
	)
	return nil
}
