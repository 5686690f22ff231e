package storage

import (
	"context"
	"errors"

	"github.com/example/ride-realtime/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// AlertStore defines persistence operations for SOS alerts and their tasks.
type AlertStore interface {
	// CreateAlert inserts the alert unless one with the same id exists. It
	// returns the stored record and whether this call created it.
	CreateAlert(ctx context.Context, a models.SOSAlert) (models.SOSAlert, bool, error)
	SaveAlert(ctx context.Context, a models.SOSAlert) error
	UpdateAlertStatus(ctx context.Context, alertID string, status models.AlertStatus) error
	GetAlert(ctx context.Context, alertID string) (models.SOSAlert, error)
	SaveTask(ctx context.Context, t models.NotificationTask) error
	ListTasks(ctx context.Context, alertID string) ([]models.NotificationTask, error)
}

// ContactDirectory resolves the emergency contacts of a user.
type ContactDirectory interface {
	EmergencyContacts(ctx context.Context, userID string) ([]models.EmergencyContact, error)
}
