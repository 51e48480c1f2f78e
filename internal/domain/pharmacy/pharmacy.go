// Package pharmacy implements the medication stock and the prescription
// dispense state machine.
package pharmacy

import (
	"errors"
	"time"
)

var (
	ErrMedicationNotFound   = errors.New("medication not found")
	ErrPrescriptionNotFound = errors.New("prescription not found")
	ErrInsufficientStock    = errors.New("not enough stock")
	ErrAlreadyDispensed     = errors.New("prescription already dispensed")
	ErrNameRequired         = errors.New("name required")
	ErrNegativeStock        = errors.New("stock must not be negative")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
)

// Status represents prescription status
type Status string

const (
	StatusNew       Status = "new"
	StatusDispensed Status = "dispensed"
)

// Medication is a stocked drug.
type Medication struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Strength *string `json:"strength"`
	Stock    int64   `json:"stock"`
}

// NewMedication is the input of a stock entry. Stock defaults to 0.
type NewMedication struct {
	Name     string  `json:"name"`
	Strength *string `json:"strength"`
	Stock    *int64  `json:"stock"`
}

// Prescription is an order to dispense Quantity units of a medication.
// PatientName is free text.
type Prescription struct {
	ID           int64     `json:"id"`
	PatientName  string    `json:"patient_name"`
	MedicationID int64     `json:"medication_id"`
	Quantity     int64     `json:"quantity"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewPrescription is the input of a prescription.
type NewPrescription struct {
	PatientName  string `json:"patient_name"`
	MedicationID int64  `json:"medication_id"`
	Quantity     int64  `json:"quantity"`
}

// PrescriptionListing is a prescription joined with its medication name,
// which is nil when the medication no longer exists.
type PrescriptionListing struct {
	ID          int64     `json:"id"`
	PatientName string    `json:"patient_name"`
	Medication  *string   `json:"medication"`
	Quantity    int64     `json:"quantity"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
