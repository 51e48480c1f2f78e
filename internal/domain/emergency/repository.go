package emergency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/infrastructure/database"
	"github.com/drfirst/go-hospital/internal/infrastructure/outbox"
	"github.com/drfirst/go-hospital/internal/patientsync"
)

// Schema creates the emergency tables, including the sync outbox.
var Schema = append([]string{
	`CREATE TABLE IF NOT EXISTS patients (
		id           {{serial}},
		name         TEXT NOT NULL,
		dob          TEXT,
		contact_info TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS emergency_visits (
		id           {{serial}},
		patient_id   INTEGER NOT NULL REFERENCES patients (id),
		symptoms     TEXT NOT NULL,
		triage_level TEXT NOT NULL,
		created_at   {{timestamp}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_emergency_visits_patient ON emergency_visits (patient_id, created_at)`,
}, outbox.Schema...)

// Repository persists emergency patients and visits.
type Repository struct {
	db         *database.DB
	department string
	logger     *zap.Logger
}

// NewRepository creates a repository whose sync events are stamped with
// department.
func NewRepository(db *database.DB, department string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, department: department, logger: logger}
}

// CreatePatient stores a patient together with the outbox entry that
// announces it to the coordinator. The entry is returned for immediate
// delivery.
func (r *Repository) CreatePatient(ctx context.Context, in NewPatient) (*Patient, *outbox.Entry, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, nil, ErrNameRequired
	}

	p := &Patient{Name: in.Name, DOB: in.DOB, ContactInfo: in.ContactInfo}
	var entry *outbox.Entry

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO patients (name, dob, contact_info) VALUES ($1, $2, $3) RETURNING id`,
			p.Name, p.DOB, p.ContactInfo,
		).Scan(&p.ID)
		if err != nil {
			return fmt.Errorf("insert patient: %w", err)
		}

		entry, err = patientsync.NewEntry(patientsync.Record{
			LocalPatientID: p.ID,
			Department:     r.department,
			Name:           p.Name,
			DOB:            p.DOB,
			ContactInfo:    p.ContactInfo,
		})
		if err != nil {
			return err
		}
		return outbox.WriteEntry(ctx, tx, entry)
	})
	if err != nil {
		return nil, nil, err
	}

	r.logger.Info("patient created",
		zap.Int64("patient_id", p.ID),
		zap.String("event_id", entry.EventID))
	return p, entry, nil
}

// GetPatient loads a patient by id.
func (r *Repository) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	p := &Patient{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, dob, contact_info FROM patients WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.DOB, &p.ContactInfo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

// CreateVisit records a visit of an existing patient.
func (r *Repository) CreateVisit(ctx context.Context, in NewVisit) (*Visit, error) {
	v := &Visit{
		PatientID:   in.PatientID,
		Symptoms:    in.Symptoms,
		TriageLevel: in.TriageLevel,
		CreatedAt:   database.Now(),
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM patients WHERE id = $1`, in.PatientID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPatientNotFound
		}
		if err != nil {
			return fmt.Errorf("get patient: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO emergency_visits (patient_id, symptoms, triage_level, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, v.PatientID, v.Symptoms, v.TriageLevel, v.CreatedAt).Scan(&v.ID)
		if err != nil {
			return fmt.Errorf("insert visit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListVisits returns the visits of a patient, newest first.
func (r *Repository) ListVisits(ctx context.Context, patientID int64) ([]Visit, error) {
	if _, err := r.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, patient_id, symptoms, triage_level, created_at
		FROM emergency_visits
		WHERE patient_id = $1
		ORDER BY created_at DESC, id DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	visits := []Visit{}
	for rows.Next() {
		var v Visit
		if err := rows.Scan(&v.ID, &v.PatientID, &v.Symptoms, &v.TriageLevel, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}
