// Package patientsync carries new department patients to the coordinator's
// global index, over HTTP or through a Kafka topic.
package patientsync

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/drfirst/go-hospital/internal/infrastructure/outbox"
)

const (
	// EventPatientRegistered is the outbox event type of a new local patient.
	EventPatientRegistered = "PatientRegistered"
	// AggregatePatient is the outbox aggregate type of patient events.
	AggregatePatient = "Patient"

	// HeaderEventID carries the outbox event id on HTTP requests and Kafka records.
	HeaderEventID = "X-Event-ID"
)

// Record is the denormalized patient copy pushed to the coordinator.
type Record struct {
	EventID        string  `json:"event_id,omitempty"`
	LocalPatientID int64   `json:"local_patient_id"`
	Department     string  `json:"department"`
	Name           string  `json:"name"`
	DOB            *string `json:"dob"`
	ContactInfo    *string `json:"contact_info"`
}

// RoutingKey identifies a patient across departments. Kafka uses it as the
// record key so updates of one patient stay ordered.
func RoutingKey(department string, localID int64) string {
	return department + ":" + strconv.FormatInt(localID, 10)
}

// NewEntry wraps rec in an outbox entry with a fresh event id.
func NewEntry(rec Record) (*outbox.Entry, error) {
	if rec.EventID == "" {
		rec.EventID = uuid.NewString()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal sync record: %w", err)
	}
	return &outbox.Entry{
		EventID:       rec.EventID,
		AggregateID:   strconv.FormatInt(rec.LocalPatientID, 10),
		AggregateType: AggregatePatient,
		EventType:     EventPatientRegistered,
		Payload:       payload,
		RoutingKey:    RoutingKey(rec.Department, rec.LocalPatientID),
	}, nil
}

// Decode reads the record carried by an outbox entry. The entry's event id
// wins over one embedded in the payload.
func Decode(entry *outbox.Entry) (Record, error) {
	var rec Record
	if err := json.Unmarshal(entry.Payload, &rec); err != nil {
		return rec, fmt.Errorf("decode sync record %s: %w", entry.EventID, err)
	}
	rec.EventID = entry.EventID
	return rec, nil
}
