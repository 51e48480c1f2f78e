package patientindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/infrastructure/database"
	"github.com/drfirst/go-hospital/internal/observability/metrics"
	"github.com/drfirst/go-hospital/pkg/idempotency"
)

// Schema creates the coordinator tables, including the sync inbox.
var Schema = append([]string{
	`CREATE TABLE IF NOT EXISTS patient_index (
		global_id        {{serial}},
		local_patient_id INTEGER NOT NULL,
		department       TEXT NOT NULL,
		name             TEXT NOT NULL,
		dob              TEXT,
		contact_info     TEXT,
		last_updated     {{timestamp}} NOT NULL,
		UNIQUE (local_patient_id, department)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patient_index_updated ON patient_index (last_updated)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id                {{serial}},
		patient_global_id INTEGER NOT NULL REFERENCES patient_index (global_id),
		department        TEXT NOT NULL,
		start_time        {{timestamp}} NOT NULL,
		status            TEXT NOT NULL DEFAULT 'scheduled',
		notes             TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments (patient_global_id, start_time)`,
}, idempotency.Schema...)

const patientColumns = `global_id, local_patient_id, department, name, dob, contact_info, last_updated`

// syncHandler names the inbox consumer of patient sync events.
const syncHandler = "patient-sync"

// Repository persists the patient index and appointments.
type Repository struct {
	db      *database.DB
	inbox   *idempotency.Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewRepository creates a repository. inbox may be nil, in which case event
// ids are ignored.
func NewRepository(db *database.DB, inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		db:      db,
		inbox:   inbox,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("patientindex"),
		now:     database.Now,
	}
}

// Sync upserts a department patient keyed by (LocalPatientID, Department).
// A new pair gets a fresh global id; a known pair has its demographics and
// last_updated overwritten. An already processed EventID leaves the row
// untouched and reports Duplicate.
func (r *Repository) Sync(ctx context.Context, in SyncInput) (*SyncResult, error) {
	ctx, span := r.tracer.Start(ctx, "patient_index_sync",
		trace.WithAttributes(
			attribute.String("department", in.Department),
			attribute.Int64("local_patient_id", in.LocalPatientID),
			attribute.String("event_id", in.EventID),
		))
	defer span.End()

	result := &SyncResult{}
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if in.EventID != "" && r.inbox != nil {
			claimed, err := r.inbox.Claim(ctx, tx, in.EventID, syncHandler)
			if err != nil {
				return err
			}
			if !claimed {
				p, err := findByLocal(ctx, tx, in.LocalPatientID, in.Department)
				if err == nil {
					result.Patient = p
					result.Duplicate = true
					return nil
				}
				if !errors.Is(err, ErrNotFound) {
					return err
				}
				// The row is gone; apply the event again.
			}
		}

		_, err := findByLocal(ctx, tx, in.LocalPatientID, in.Department)
		switch {
		case errors.Is(err, ErrNotFound):
			result.Created = true
		case err != nil:
			return err
		}

		p := &Patient{
			LocalPatientID: in.LocalPatientID,
			Department:     in.Department,
			Name:           in.Name,
			DOB:            in.DOB,
			ContactInfo:    in.ContactInfo,
			LastUpdated:    r.now(),
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO patient_index (local_patient_id, department, name, dob, contact_info, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (local_patient_id, department) DO UPDATE
			SET name = excluded.name,
			    dob = excluded.dob,
			    contact_info = excluded.contact_info,
			    last_updated = excluded.last_updated
			RETURNING global_id
		`, p.LocalPatientID, p.Department, p.Name, p.DOB, p.ContactInfo, p.LastUpdated).Scan(&p.GlobalID)
		if err != nil {
			return fmt.Errorf("upsert patient index: %w", err)
		}
		result.Patient = p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		r.metrics.PatientIndexed(in.Department, "error")
		return nil, err
	}

	outcome := "updated"
	switch {
	case result.Duplicate:
		outcome = "duplicate"
	case result.Created:
		outcome = "created"
	}
	r.metrics.PatientIndexed(in.Department, outcome)
	span.SetAttributes(attribute.String("outcome", outcome))

	r.logger.Info("patient synced",
		zap.Int64("global_id", result.Patient.GlobalID),
		zap.String("department", in.Department),
		zap.Int64("local_patient_id", in.LocalPatientID),
		zap.String("event_id", in.EventID),
		zap.String("outcome", outcome))
	return result, nil
}

// List returns every indexed patient, most recently updated first.
func (r *Repository) List(ctx context.Context) ([]Patient, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+patientColumns+` FROM patient_index ORDER BY last_updated DESC, global_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	patients := []Patient{}
	for rows.Next() {
		var p Patient
		if err := scanPatient(rows, &p); err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// Stats counts indexed patients and the event ids the inbox remembers.
func (r *Repository) Stats(ctx context.Context) (*SyncStats, error) {
	stats := &SyncStats{}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patient_index`).Scan(&stats.IndexedPatients); err != nil {
		return nil, fmt.Errorf("count patients: %w", err)
	}
	if r.inbox != nil {
		n, err := r.inbox.Count(ctx)
		if err != nil {
			return nil, err
		}
		stats.RememberedEvents = n
	}
	return stats, nil
}

// Get loads a patient by global id.
func (r *Repository) Get(ctx context.Context, globalID int64) (*Patient, error) {
	p := &Patient{}
	err := scanPatient(r.db.QueryRowContext(ctx,
		`SELECT `+patientColumns+` FROM patient_index WHERE global_id = $1`, globalID), p)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreateAppointment books an appointment for an indexed patient. The start
// time accepts ISO 8601 and the other layouts dateparse knows; times
// without a zone are taken as UTC. Nothing is written on error.
func (r *Repository) CreateAppointment(ctx context.Context, globalID int64, in NewAppointment) (*Appointment, error) {
	p, err := r.Get(ctx, globalID)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(in.StartTime)
	if raw == "" {
		return nil, ErrStartTimeRequired
	}
	start, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStartTime, err)
	}

	a := &Appointment{
		PatientGlobalID: p.GlobalID,
		Department:      strings.TrimSpace(in.Department),
		StartTime:       start.UTC().Truncate(time.Microsecond),
		Status:          AppointmentScheduled,
		Notes:           in.Notes,
	}
	if a.Department == "" {
		a.Department = p.Department
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO appointments (patient_global_id, department, start_time, status, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, a.PatientGlobalID, a.Department, a.StartTime, string(a.Status), a.Notes).Scan(&a.ID)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	r.logger.Info("appointment scheduled",
		zap.Int64("appointment_id", a.ID),
		zap.Int64("global_id", a.PatientGlobalID),
		zap.Time("start_time", a.StartTime))
	return a, nil
}

// ListAppointments returns the appointments of a patient, earliest first.
func (r *Repository) ListAppointments(ctx context.Context, globalID int64) ([]Appointment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, patient_global_id, department, start_time, status, notes
		FROM appointments
		WHERE patient_global_id = $1
		ORDER BY start_time ASC, id ASC
	`, globalID)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	appointments := []Appointment{}
	for rows.Next() {
		var a Appointment
		var status string
		if err := rows.Scan(&a.ID, &a.PatientGlobalID, &a.Department, &a.StartTime, &status, &a.Notes); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		a.Status = AppointmentStatus(status)
		appointments = append(appointments, a)
	}
	return appointments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(row rowScanner, p *Patient) error {
	err := row.Scan(&p.GlobalID, &p.LocalPatientID, &p.Department, &p.Name, &p.DOB, &p.ContactInfo, &p.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("scan patient: %w", err)
	}
	return nil
}

func findByLocal(ctx context.Context, tx *sql.Tx, localID int64, department string) (*Patient, error) {
	p := &Patient{}
	err := scanPatient(tx.QueryRowContext(ctx,
		`SELECT `+patientColumns+` FROM patient_index WHERE local_patient_id = $1 AND department = $2`,
		localID, department), p)
	if err != nil {
		return nil, err
	}
	return p, nil
}
