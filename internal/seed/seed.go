// Package seed fills department stores with synthetic demo data.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/domain/emergency"
	"github.com/drfirst/go-hospital/internal/domain/pharmacy"
	"github.com/drfirst/go-hospital/internal/domain/radiology"
)

var (
	symptoms = []string{
		"Chest pain", "Shortness of breath", "Abdominal pain", "High fever",
		"Laceration to forearm", "Severe headache", "Dizziness", "Suspected fracture",
		"Allergic reaction", "Persistent vomiting",
	}
	triageLevels = []string{"high", "medium", "low"}

	drugNames = []string{
		"Amoxicillin", "Atorvastatin", "Lisinopril", "Metformin", "Amlodipine",
		"Omeprazole", "Ibuprofen", "Paracetamol", "Salbutamol", "Prednisone",
		"Ceftriaxone", "Azithromycin", "Warfarin", "Morphine", "Ondansetron",
	}
	strengths = []string{"5mg", "10mg", "20mg", "250mg", "500mg", "10mg/ml"}

	modalities = []string{"X-ray", "CT", "MRI", "Ultrasound"}
	bodyParts  = []string{"Chest", "Head", "Abdomen", "Left knee", "Right wrist", "Lumbar spine"}
)

// Deliverer pushes an outbox entry right away.
type Deliverer interface {
	DeliverNow(ctx context.Context, id int64) error
}

// Seeder generates demo records. The same seed yields the same records.
type Seeder struct {
	faker  *gofakeit.Faker
	logger *zap.Logger
}

// New creates a seeder. A zero seed picks a random one.
func New(seed uint64, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{faker: gofakeit.New(seed), logger: logger}
}

// Patient returns a fake emergency patient.
func (s *Seeder) Patient() emergency.NewPatient {
	dob := s.faker.DateRange(
		time.Date(1930, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC),
	).Format(time.DateOnly)
	phone := s.faker.PhoneFormatted()
	return emergency.NewPatient{
		Name:        s.faker.FirstName() + " " + s.faker.LastName(),
		DOB:         &dob,
		ContactInfo: &phone,
	}
}

// Visit returns a fake visit of patientID.
func (s *Seeder) Visit(patientID int64) emergency.NewVisit {
	return emergency.NewVisit{
		PatientID:   patientID,
		Symptoms:    s.faker.RandomString(symptoms),
		TriageLevel: s.faker.RandomString(triageLevels),
	}
}

// Medication returns a fake stocked medication.
func (s *Seeder) Medication() pharmacy.NewMedication {
	strength := s.faker.RandomString(strengths)
	stock := int64(s.faker.Number(0, 200))
	return pharmacy.NewMedication{
		Name:     s.faker.RandomString(drugNames),
		Strength: &strength,
		Stock:    &stock,
	}
}

// Order returns a fake imaging order.
func (s *Seeder) Order() radiology.NewOrder {
	part := s.faker.RandomString(bodyParts)
	return radiology.NewOrder{
		PatientName: s.faker.FirstName() + " " + s.faker.LastName(),
		Modality:    s.faker.RandomString(modalities),
		BodyPart:    &part,
	}
}

// Emergency creates n patients with one visit each. When deliverer is set,
// each patient is synced right away; a failed sync stays in the outbox.
func (s *Seeder) Emergency(ctx context.Context, repo *emergency.Repository, deliverer Deliverer, n int) (int, error) {
	for i := 0; i < n; i++ {
		p, entry, err := repo.CreatePatient(ctx, s.Patient())
		if err != nil {
			return i, fmt.Errorf("seed patient %d: %w", i+1, err)
		}
		if _, err := repo.CreateVisit(ctx, s.Visit(p.ID)); err != nil {
			return i, fmt.Errorf("seed visit of patient %d: %w", p.ID, err)
		}
		if deliverer != nil {
			if err := deliverer.DeliverNow(ctx, entry.ID); err != nil {
				s.logger.Warn("coordinator sync failed", zap.Int64("patient_id", p.ID), zap.Error(err))
			}
		}
	}
	s.logger.Info("seeded emergency patients", zap.Int("count", n))
	return n, nil
}

// Pharmacy creates n medications.
func (s *Seeder) Pharmacy(ctx context.Context, repo *pharmacy.Repository, n int) (int, error) {
	for i := 0; i < n; i++ {
		if _, err := repo.AddMedication(ctx, s.Medication()); err != nil {
			return i, fmt.Errorf("seed medication %d: %w", i+1, err)
		}
	}
	s.logger.Info("seeded medications", zap.Int("count", n))
	return n, nil
}

// Radiology creates n orders.
func (s *Seeder) Radiology(ctx context.Context, repo *radiology.Repository, n int) (int, error) {
	for i := 0; i < n; i++ {
		if _, err := repo.CreateOrder(ctx, s.Order()); err != nil {
			return i, fmt.Errorf("seed order %d: %w", i+1, err)
		}
	}
	s.logger.Info("seeded radiology orders", zap.Int("count", n))
	return n, nil
}
