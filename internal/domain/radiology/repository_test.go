package radiology

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-hospital/internal/infrastructure/database"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, filepath.Join(t.TempDir(), "radiology.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx, Schema...))
	return NewRepository(db, nil)
}

func strPtr(s string) *string { return &s }

func TestCompleteKeepsLastReport(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	o, err := repo.CreateOrder(ctx, NewOrder{PatientName: "Jane Doe", Modality: "CT", BodyPart: strPtr("Chest")})
	require.NoError(t, err)
	assert.Equal(t, StatusOrdered, o.Status)

	require.NoError(t, repo.Complete(ctx, o.ID, strPtr("A")))
	require.NoError(t, repo.Complete(ctx, o.ID, strPtr("B")))

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Report)
	assert.Equal(t, "B", *got.Report)

	// Completing without a report keeps the existing one.
	require.NoError(t, repo.Complete(ctx, o.ID, nil))
	got, err = repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "B", *got.Report)
}

func TestCompleteWithoutReport(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	o, err := repo.CreateOrder(ctx, NewOrder{PatientName: "John Roe", Modality: "X-ray"})
	require.NoError(t, err)

	require.NoError(t, repo.Complete(ctx, o.ID, nil))
	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Nil(t, got.Report)
	assert.Nil(t, got.BodyPart)
}

func TestCompleteNotFound(t *testing.T) {
	repo := newTestRepository(t)

	assert.ErrorIs(t, repo.Complete(context.Background(), 12, strPtr("x")), ErrNotFound)
	_, err := repo.Get(context.Background(), 12)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrdersNewestFirst(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first, err := repo.CreateOrder(ctx, NewOrder{PatientName: "A", Modality: "MRI"})
	require.NoError(t, err)
	second, err := repo.CreateOrder(ctx, NewOrder{PatientName: "B", Modality: "CT"})
	require.NoError(t, err)

	orders, err := repo.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)
}
