package models

import "time"

type AlertStatus string

const (
	AlertTriggered  AlertStatus = "triggered"
	AlertProcessing AlertStatus = "processing"
	AlertCompleted  AlertStatus = "completed"
	AlertFailed     AlertStatus = "failed"
)

type SOSAlert struct {
	AlertID            string      `json:"alert_id"`
	UserID             string      `json:"user_id"`
	TripID             string      `json:"trip_id,omitempty"`
	Location           Coord       `json:"location"`
	AccuracyMeters     float64     `json:"accuracy_meters"`
	TriggeredAtEpochMs int64       `json:"triggered_at_ms"`
	Status             AlertStatus `json:"status"`
}

type EmergencyContact struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	PushToken string `json:"push_token,omitempty"`
}

type TaskKind string

const (
	TaskPersistAlert     TaskKind = "persist_alert"
	TaskNotifyOperations TaskKind = "notify_operations"
	TaskNotifyContact    TaskKind = "notify_contact"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// NotificationTask is one independently retryable side effect of an alert.
type NotificationTask struct {
	TaskID             string            `json:"task_id"`
	AlertID            string            `json:"alert_id"`
	Kind               TaskKind          `json:"kind"`
	ContactIndex       int               `json:"contact_index"`
	Contact            *EmergencyContact `json:"contact,omitempty"`
	Attempts           int               `json:"attempts"`
	NextRetryAtEpochMs int64             `json:"next_retry_at_ms,omitempty"`
	Status             TaskStatus        `json:"status"`
	LastError          string            `json:"last_error,omitempty"`
	ProviderRef        string            `json:"provider_ref,omitempty"`
}

func (t NotificationTask) Terminal() bool {
	return t.Status == TaskSucceeded || t.Status == TaskFailed
}

// NowMs is the epoch-millisecond clock used across the module.
func NowMs() int64 { return time.Now().UnixMilli() }
