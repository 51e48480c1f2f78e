package pharmacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/infrastructure/database"
)

// Schema creates the pharmacy tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS medications (
		id       {{serial}},
		name     TEXT NOT NULL,
		strength TEXT,
		stock    INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS prescriptions (
		id            {{serial}},
		patient_name  TEXT NOT NULL,
		medication_id INTEGER NOT NULL REFERENCES medications (id),
		quantity      INTEGER NOT NULL CHECK (quantity > 0),
		status        TEXT NOT NULL DEFAULT 'new',
		created_at    {{timestamp}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_created ON prescriptions (created_at)`,
}

// Repository persists medications and prescriptions.
type Repository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *database.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger}
}

// AddMedication stocks a new medication.
func (r *Repository) AddMedication(ctx context.Context, in NewMedication) (*Medication, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, ErrNameRequired
	}
	m := &Medication{Name: in.Name, Strength: in.Strength}
	if in.Stock != nil {
		m.Stock = *in.Stock
	}
	if m.Stock < 0 {
		return nil, ErrNegativeStock
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO medications (name, strength, stock) VALUES ($1, $2, $3) RETURNING id`,
		m.Name, m.Strength, m.Stock,
	).Scan(&m.ID)
	if err != nil {
		return nil, fmt.Errorf("insert medication: %w", err)
	}
	return m, nil
}

// GetMedication loads a medication by id.
func (r *Repository) GetMedication(ctx context.Context, id int64) (*Medication, error) {
	m := &Medication{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, strength, stock FROM medications WHERE id = $1`, id,
	).Scan(&m.ID, &m.Name, &m.Strength, &m.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMedicationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get medication: %w", err)
	}
	return m, nil
}

// ListMedications returns all medications in insertion order.
func (r *Repository) ListMedications(ctx context.Context) ([]Medication, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, strength, stock FROM medications ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}
	defer rows.Close()

	meds := []Medication{}
	for rows.Next() {
		var m Medication
		if err := rows.Scan(&m.ID, &m.Name, &m.Strength, &m.Stock); err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}

// CreatePrescription stores a new prescription for an existing medication.
func (r *Repository) CreatePrescription(ctx context.Context, in NewPrescription) (*Prescription, error) {
	if in.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	rx := &Prescription{
		PatientName:  in.PatientName,
		MedicationID: in.MedicationID,
		Quantity:     in.Quantity,
		Status:       StatusNew,
		CreatedAt:    database.Now(),
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM medications WHERE id = $1`, in.MedicationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMedicationNotFound
		}
		if err != nil {
			return fmt.Errorf("get medication: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO prescriptions (patient_name, medication_id, quantity, status, created_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, rx.PatientName, rx.MedicationID, rx.Quantity, string(rx.Status), rx.CreatedAt).Scan(&rx.ID)
		if err != nil {
			return fmt.Errorf("insert prescription: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rx, nil
}

// GetPrescription loads a prescription by id.
func (r *Repository) GetPrescription(ctx context.Context, id int64) (*Prescription, error) {
	rx := &Prescription{}
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, patient_name, medication_id, quantity, status, created_at
		FROM prescriptions WHERE id = $1
	`, id).Scan(&rx.ID, &rx.PatientName, &rx.MedicationID, &rx.Quantity, &status, &rx.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPrescriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	rx.Status = Status(status)
	return rx, nil
}

// Dispense moves a prescription from new to dispensed and takes its quantity
// out of stock, all in one transaction. Both updates are conditional, so
// concurrent dispenses can neither drive stock negative nor dispense the
// same prescription twice.
func (r *Repository) Dispense(ctx context.Context, id int64) error {
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var medicationID, quantity int64
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT medication_id, quantity, status FROM prescriptions WHERE id = $1`, id,
		).Scan(&medicationID, &quantity, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPrescriptionNotFound
		}
		if err != nil {
			return fmt.Errorf("get prescription: %w", err)
		}
		if Status(status) == StatusDispensed {
			return ErrAlreadyDispensed
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE medications SET stock = stock - $1 WHERE id = $2 AND stock >= $3`,
			quantity, medicationID, quantity)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		} else if n == 0 {
			return ErrInsufficientStock
		}

		res, err = tx.ExecContext(ctx,
			`UPDATE prescriptions SET status = $1 WHERE id = $2 AND status = $3`,
			string(StatusDispensed), id, string(StatusNew))
		if err != nil {
			return fmt.Errorf("mark dispensed: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("mark dispensed: %w", err)
		} else if n == 0 {
			return ErrAlreadyDispensed
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("prescription dispensed", zap.Int64("prescription_id", id))
	return nil
}

// ListPrescriptions returns all prescriptions with their medication name,
// newest first.
func (r *Repository) ListPrescriptions(ctx context.Context) ([]PrescriptionListing, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.id, p.patient_name, m.name, p.quantity, p.status, p.created_at
		FROM prescriptions p
		LEFT JOIN medications m ON m.id = p.medication_id
		ORDER BY p.created_at DESC, p.id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	list := []PrescriptionListing{}
	for rows.Next() {
		var l PrescriptionListing
		var status string
		if err := rows.Scan(&l.ID, &l.PatientName, &l.Medication, &l.Quantity, &status, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		l.Status = Status(status)
		list = append(list, l)
	}
	return list, rows.Err()
}
