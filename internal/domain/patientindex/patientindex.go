// Package patientindex implements the coordinator's global patient index and
// appointment calendar.
package patientindex

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("patient not found")
	ErrStartTimeRequired = errors.New("appointment start time is required")
	ErrInvalidStartTime  = errors.New("invalid appointment start time")
)

// Patient is one row of the global index. (LocalPatientID, Department) is
// unique.
type Patient struct {
	GlobalID       int64     `json:"global_id"`
	LocalPatientID int64     `json:"local_patient_id"`
	Department     string    `json:"department"`
	Name           string    `json:"name"`
	DOB            *string   `json:"dob"`
	ContactInfo    *string   `json:"contact_info"`
	LastUpdated    time.Time `json:"last_updated"`
}

// SyncInput is a patient copy pushed by a department. EventID is optional;
// when set, a replay of the same event is not applied again.
type SyncInput struct {
	EventID        string
	LocalPatientID int64
	Department     string
	Name           string
	DOB            *string
	ContactInfo    *string
}

// SyncResult reports what Sync did.
type SyncResult struct {
	Patient   *Patient
	Created   bool
	Duplicate bool
}

// SyncStats summarizes the index for operators.
type SyncStats struct {
	IndexedPatients int64 `json:"indexed_patients"`
	// RememberedEvents counts event ids kept for replay detection; expired
	// ids are dropped by the inbox cleanup
	RememberedEvents int64 `json:"remembered_events"`
}

// AppointmentStatus is the lifecycle state of an appointment. Only
// scheduled is ever written.
type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

// Appointment is a scheduled slot of an indexed patient.
type Appointment struct {
	ID              int64             `json:"id"`
	PatientGlobalID int64             `json:"patient_global_id"`
	Department      string            `json:"department"`
	StartTime       time.Time         `json:"start_time"`
	Status          AppointmentStatus `json:"status"`
	Notes           *string           `json:"notes"`
}

// NewAppointment is the input of an appointment booking. Department
// defaults to the patient's department.
type NewAppointment struct {
	StartTime  string  `json:"start_time"`
	Department string  `json:"department"`
	Notes      *string `json:"notes"`
}
