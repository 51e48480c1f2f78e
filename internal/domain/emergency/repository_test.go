package emergency

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-hospital/internal/infrastructure/database"
	"github.com/drfirst/go-hospital/internal/patientsync"
)

func newTestRepository(t *testing.T) (*Repository, *database.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, filepath.Join(t.TempDir(), "emergency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx, Schema...))
	return NewRepository(db, "emergency", nil), db
}

func strPtr(s string) *string { return &s }

func TestCreatePatientWritesOutboxEntry(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()

	p, entry, err := repo.CreatePatient(ctx, NewPatient{Name: "Jane Doe", DOB: strPtr("1990-04-02")})
	require.NoError(t, err)
	assert.NotZero(t, p.ID)
	assert.Nil(t, p.ContactInfo)

	require.NotNil(t, entry)
	assert.Equal(t, patientsync.EventPatientRegistered, entry.EventType)
	assert.Equal(t, patientsync.RoutingKey("emergency", p.ID), entry.RoutingKey)

	var rec patientsync.Record
	require.NoError(t, json.Unmarshal(entry.Payload, &rec))
	assert.Equal(t, p.ID, rec.LocalPatientID)
	assert.Equal(t, "emergency", rec.Department)
	assert.Equal(t, "Jane Doe", rec.Name)
	assert.Equal(t, entry.EventID, rec.EventID)

	var pending int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE delivered_at IS NULL`).Scan(&pending))
	assert.Equal(t, 1, pending)

	got, err := repo.GetPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestCreatePatientRequiresName(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()

	_, _, err := repo.CreatePatient(ctx, NewPatient{Name: "  "})
	assert.ErrorIs(t, err, ErrNameRequired)

	var patients int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients`).Scan(&patients))
	assert.Zero(t, patients)

	var entries int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&entries))
	assert.Zero(t, entries)
}

func TestGetPatientNotFound(t *testing.T) {
	repo, _ := newTestRepository(t)

	_, err := repo.GetPatient(context.Background(), 42)
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestVisits(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	p, _, err := repo.CreatePatient(ctx, NewPatient{Name: "John Roe"})
	require.NoError(t, err)

	first, err := repo.CreateVisit(ctx, NewVisit{PatientID: p.ID, Symptoms: "Chest pain", TriageLevel: "high"})
	require.NoError(t, err)
	second, err := repo.CreateVisit(ctx, NewVisit{PatientID: p.ID, Symptoms: "Follow-up", TriageLevel: "low"})
	require.NoError(t, err)

	visits, err := repo.ListVisits(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, visits, 2)
	assert.Equal(t, second.ID, visits[0].ID)
	assert.Equal(t, first.ID, visits[1].ID)
	assert.Equal(t, "high", visits[1].TriageLevel)
	assert.True(t, first.CreatedAt.Equal(visits[1].CreatedAt))
}

func TestVisitsUnknownPatient(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.CreateVisit(ctx, NewVisit{PatientID: 7, Symptoms: "Cough", TriageLevel: "low"})
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = repo.ListVisits(ctx, 7)
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestListVisitsEmpty(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	p, _, err := repo.CreatePatient(ctx, NewPatient{Name: "No Visits"})
	require.NoError(t, err)

	visits, err := repo.ListVisits(ctx, p.ID)
	require.NoError(t, err)
	assert.NotNil(t, visits)
	assert.Empty(t, visits)
}
