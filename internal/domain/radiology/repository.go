package radiology

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/infrastructure/database"
)

// Schema creates the radiology tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS radiology_orders (
		id           {{serial}},
		patient_name TEXT NOT NULL,
		modality     TEXT NOT NULL,
		body_part    TEXT,
		status       TEXT NOT NULL DEFAULT 'ordered',
		report       TEXT,
		created_at   {{timestamp}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_radiology_orders_created ON radiology_orders (created_at)`,
}

const orderColumns = `id, patient_name, modality, body_part, status, report, created_at`

// Repository persists radiology orders.
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

// CreateOrder stores a new order in the ordered state.
func (r *Repository) CreateOrder(ctx context.Context, in NewOrder) (*Order, error) {
	o := &Order{
		PatientName: in.PatientName,
		Modality:    in.Modality,
		BodyPart:    in.BodyPart,
		Status:      StatusOrdered,
		CreatedAt:   database.Now(),
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO radiology_orders (patient_name, modality, body_part, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, o.PatientName, o.Modality, o.BodyPart, string(o.Status), o.CreatedAt).Scan(&o.ID)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return o, nil
}

// Complete marks an order completed. A non-nil report replaces the stored
// one; a nil report keeps it. Completing twice is allowed.
func (r *Repository) Complete(ctx context.Context, id int64, report *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE radiology_orders SET status = $1, report = COALESCE($2, report) WHERE id = $3`,
		string(StatusCompleted), report, id)
	if err != nil {
		return fmt.Errorf("complete order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete order: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	r.logger.Info("radiology order completed",
		zap.Int64("order_id", id),
		zap.Bool("report", report != nil))
	return nil
}

// Get loads an order by id.
func (r *Repository) Get(ctx context.Context, id int64) (*Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM radiology_orders WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return &orders[0], nil
}

// ListOrders returns all orders, newest first.
func (r *Repository) ListOrders(ctx context.Context) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM radiology_orders ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]Order, error) {
	defer rows.Close()

	orders := []Order{}
	for rows.Next() {
		var o Order
		var status string
		err := rows.Scan(&o.ID, &o.PatientName, &o.Modality, &o.BodyPart, &status, &o.Report, &o.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = Status(status)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
