package patientsync

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/domain/patientindex"
	"github.com/drfirst/go-hospital/internal/infrastructure/redpanda"
)

// Syncer applies a patient copy to the global index.
type Syncer interface {
	Sync(ctx context.Context, in patientindex.SyncInput) (*patientindex.SyncResult, error)
}

// Validate checks the fields the coordinator requires.
func (r Record) Validate() error {
	switch {
	case r.LocalPatientID <= 0:
		return errors.New("local_patient_id is required")
	case r.Department == "":
		return errors.New("department is required")
	case r.Name == "":
		return errors.New("name is required")
	}
	return nil
}

// Input converts the record for the index, tagged with eventID.
func (r Record) Input(eventID string) patientindex.SyncInput {
	return patientindex.SyncInput{
		EventID:        eventID,
		LocalPatientID: r.LocalPatientID,
		Department:     r.Department,
		Name:           r.Name,
		DOB:            r.DOB,
		ContactInfo:    r.ContactInfo,
	}
}

// ConsumerHandler applies sync records read from Kafka. Malformed records
// are logged and skipped; a storage error is returned so the consumer
// retries the record before moving past it.
func ConsumerHandler(s Syncer, logger *zap.Logger) redpanda.MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		var rec Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			logger.Warn("skipping malformed sync record",
				zap.String("key", string(msg.Key)),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		if err := rec.Validate(); err != nil {
			logger.Warn("skipping invalid sync record",
				zap.String("key", string(msg.Key)),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		eventID := msg.Headers[HeaderEventID]
		if eventID == "" {
			eventID = rec.EventID
		}
		_, err := s.Sync(ctx, rec.Input(eventID))
		return err
	}
}
