package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/example/ride-realtime/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent, so running it on each boot is safe.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) CreateAlert(ctx context.Context, a models.SOSAlert) (models.SOSAlert, bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO sos_alerts(alert_id, user_id, trip_id, lat, lng, accuracy_m, triggered_at_ms, status) VALUES($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (alert_id) DO NOTHING`,
		a.AlertID, a.UserID, a.TripID, a.Location.Lat, a.Location.Lng, a.AccuracyMeters, a.TriggeredAtEpochMs, a.Status)
	if err != nil {
		return models.SOSAlert{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return a, true, nil
	}
	cur, err := p.GetAlert(ctx, a.AlertID)
	return cur, false, err
}

func (p *PostgresStore) SaveAlert(ctx context.Context, a models.SOSAlert) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO sos_alerts(alert_id, user_id, trip_id, lat, lng, accuracy_m, triggered_at_ms, status) VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (alert_id) DO UPDATE SET user_id=EXCLUDED.user_id, trip_id=EXCLUDED.trip_id, lat=EXCLUDED.lat, lng=EXCLUDED.lng, accuracy_m=EXCLUDED.accuracy_m, status=EXCLUDED.status, updated_at=now()`,
		a.AlertID, a.UserID, a.TripID, a.Location.Lat, a.Location.Lng, a.AccuracyMeters, a.TriggeredAtEpochMs, a.Status)
	return err
}

func (p *PostgresStore) UpdateAlertStatus(ctx context.Context, alertID string, status models.AlertStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE sos_alerts SET status=$1, updated_at=now() WHERE alert_id=$2`, status, alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetAlert(ctx context.Context, alertID string) (models.SOSAlert, error) {
	var (
		a      models.SOSAlert
		tripID sql.NullString
		acc    sql.NullFloat64
	)
	err := p.db.QueryRowContext(ctx, `SELECT alert_id, user_id, trip_id, lat, lng, accuracy_m, triggered_at_ms, status FROM sos_alerts WHERE alert_id=$1`, alertID).
		Scan(&a.AlertID, &a.UserID, &tripID, &a.Location.Lat, &a.Location.Lng, &acc, &a.TriggeredAtEpochMs, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	a.TripID = tripID.String
	a.AccuracyMeters = acc.Float64
	return a, err
}

func (p *PostgresStore) SaveTask(ctx context.Context, t models.NotificationTask) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO sos_tasks(task_id, alert_id, kind, contact_index, attempts, next_retry_at_ms, status, last_error, provider_ref) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (task_id) DO UPDATE SET attempts=EXCLUDED.attempts, next_retry_at_ms=EXCLUDED.next_retry_at_ms, status=EXCLUDED.status, last_error=EXCLUDED.last_error, provider_ref=EXCLUDED.provider_ref, updated_at=now()`,
		t.TaskID, t.AlertID, t.Kind, t.ContactIndex, t.Attempts, t.NextRetryAtEpochMs, t.Status, t.LastError, t.ProviderRef)
	return err
}

func (p *PostgresStore) ListTasks(ctx context.Context, alertID string) ([]models.NotificationTask, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT task_id, alert_id, kind, contact_index, attempts, COALESCE(next_retry_at_ms,0), status, COALESCE(last_error,''), COALESCE(provider_ref,'') FROM sos_tasks WHERE alert_id=$1 ORDER BY task_id`, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.NotificationTask
	for rows.Next() {
		var t models.NotificationTask
		if err := rows.Scan(&t.TaskID, &t.AlertID, &t.Kind, &t.ContactIndex, &t.Attempts, &t.NextRetryAtEpochMs, &t.Status, &t.LastError, &t.ProviderRef); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) EmergencyContacts(ctx context.Context, userID string) ([]models.EmergencyContact, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT name, COALESCE(phone,''), COALESCE(push_token,'') FROM emergency_contacts WHERE user_id=$1 ORDER BY position`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.EmergencyContact
	for rows.Next() {
		var c models.EmergencyContact
		if err := rows.Scan(&c.Name, &c.Phone, &c.PushToken); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Name() string { return "postgres" }

// UpsertBatches writes one multi-row insert keyed by (trip_id, batch_seq).
func (p *PostgresStore) UpsertBatches(ctx context.Context, envs []models.BatchEnvelope) (int, error) {
	if len(envs) == 0 {
		return 0, nil
	}
	const cols = 10
	var sb strings.Builder
	sb.WriteString(`INSERT INTO location_history(trip_id, batch_seq, user_id, lat, lng, accuracy_m, speed, heading, captured_at_ms, published_at_ms) VALUES `)
	args := make([]interface{}, 0, len(envs)*cols)
	for i, e := range envs {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+c+1)
		}
		sb.WriteString(")")
		s := e.Entry.Sample
		args = append(args, e.TripID, e.Seq, s.UserID, s.Lat, s.Lng, s.AccuracyMeters, s.Speed, s.Heading, s.CapturedAtEpochMs, e.PublishedAtEpochMs)
	}
	sb.WriteString(` ON CONFLICT (trip_id, batch_seq) DO UPDATE SET lat=EXCLUDED.lat, lng=EXCLUDED.lng, captured_at_ms=EXCLUDED.captured_at_ms`)
	if _, err := p.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return 0, err
	}
	return len(envs), nil
}
