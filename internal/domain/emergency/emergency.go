// Package emergency implements the emergency department's patients and visits.
package emergency

import (
	"errors"
	"time"
)

var (
	ErrPatientNotFound = errors.New("patient not found")
	ErrNameRequired    = errors.New("name is required")
)

// Patient is a department-local patient record.
type Patient struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	DOB         *string `json:"dob"`
	ContactInfo *string `json:"contact_info"`
}

// NewPatient is the input of a patient registration.
type NewPatient struct {
	Name        string  `json:"name"`
	DOB         *string `json:"dob"`
	ContactInfo *string `json:"contact_info"`
}

// Visit is an emergency visit of a patient. TriageLevel is free text
// (typically high, medium or low).
type Visit struct {
	ID          int64     `json:"id"`
	PatientID   int64     `json:"patient_id"`
	Symptoms    string    `json:"symptoms"`
	TriageLevel string    `json:"triage_level"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewVisit is the input of a visit registration.
type NewVisit struct {
	PatientID   int64  `json:"patient_id"`
	Symptoms    string `json:"symptoms"`
	TriageLevel string `json:"triage_level"`
}
