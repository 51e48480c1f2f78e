// Package outbox implements the transactional outbox: events are written in
// the same transaction as the state change that produced them and delivered
// afterwards by a relay, with persistent retry bookkeeping.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/infrastructure/database"
	"github.com/drfirst/go-hospital/internal/observability/metrics"
	"github.com/drfirst/go-hospital/pkg/workerpool"
)

// Schema creates the outbox table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
		id              {{serial}},
		event_id        TEXT NOT NULL UNIQUE,
		aggregate_id    TEXT NOT NULL,
		aggregate_type  TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		payload         TEXT NOT NULL,
		routing_key     TEXT NOT NULL,
		created_at      {{timestamp}} NOT NULL,
		delivered_at    {{timestamp}},
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT,
		next_attempt_at {{timestamp}} NOT NULL,
		claimed_until   {{timestamp}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox (delivered_at, next_attempt_at)`,
}

const entryColumns = `id, event_id, aggregate_id, aggregate_type, event_type, payload,
	routing_key, created_at, delivered_at, attempts, last_error, next_attempt_at`

// ErrNotFound is returned when an entry id does not exist.
var ErrNotFound = errors.New("outbox entry not found")

// Entry represents an event to be published via the outbox pattern
type Entry struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	RoutingKey    string          `json:"routing_key"`
	CreatedAt     time.Time       `json:"created_at"`
	DeliveredAt   *time.Time      `json:"delivered_at"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
}

// Config holds configuration for the relay
type Config struct {
	// Transport labels delivery metrics (http, kafka)
	Transport string
	// BatchSize is the number of entries claimed per poll
	BatchSize int
	// PollInterval is how often to poll for due entries
	PollInterval time.Duration
	// MaxAttempts parks an entry as failed once reached
	MaxAttempts int
	// Workers is the number of concurrent deliveries
	Workers int
	// ClaimTimeout is the lease taken on an entry while it is delivered
	ClaimTimeout time.Duration
	// DeliveryTimeout bounds a single publish
	DeliveryTimeout time.Duration
	// BaseBackoff and MaxBackoff shape the retry schedule
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// RetainDelivered is how long delivered entries are kept
	RetainDelivered time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Transport:       "http",
		BatchSize:       50,
		PollInterval:    2 * time.Second,
		MaxAttempts:     10,
		Workers:         4,
		ClaimTimeout:    30 * time.Second,
		DeliveryTimeout: 3 * time.Second,
		BaseBackoff:     time.Second,
		MaxBackoff:      5 * time.Minute,
		RetainDelivered: 7 * 24 * time.Hour,
	}
}

// Backoff returns the delay before the next attempt of an entry that has
// failed `failures` times: base, 2*base, 4*base, ... capped at max.
func Backoff(failures int, base, max time.Duration) time.Duration {
	if failures < 1 {
		return 0
	}
	if failures > 30 {
		return max
	}
	d := base << (failures - 1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Publisher delivers an entry to its destination. A nil error is an ack.
type Publisher interface {
	Publish(ctx context.Context, entry *Entry) error
}

// WriteEntry writes an outbox entry within a transaction. It must be called
// in the same transaction as the domain change. EventID is generated when
// empty; ID and timestamps are filled in.
func WriteEntry(ctx context.Context, tx *sql.Tx, entry *Entry) error {
	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	now := database.Now()
	entry.CreatedAt = now
	entry.NextAttemptAt = now

	err := tx.QueryRowContext(ctx, `
		INSERT INTO outbox (event_id, aggregate_id, aggregate_type, event_type, payload,
		                    routing_key, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		entry.EventID,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		string(entry.Payload),
		entry.RoutingKey,
		entry.CreatedAt,
		entry.NextAttemptAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Relay delivers pending outbox entries.
type Relay struct {
	db        *database.DB
	config    Config
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	pool      *workerpool.Pool
	now       func() time.Time

	batchMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// NewRelay creates a relay and starts its delivery workers. Call Start to
// begin polling and Stop to release the workers.
func NewRelay(db *database.DB, publisher Publisher, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Relay, error) {
	if publisher == nil {
		return nil, errors.New("outbox publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.RetainDelivered <= 0 {
		cfg.RetainDelivered = def.RetainDelivered
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		db:        db,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		now:       database.Now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	pool, err := workerpool.New(workerpool.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.BatchSize,
	}, r.work, logger.Named("outbox-pool"))
	if err != nil {
		cancel()
		return nil, err
	}
	pool.Start()
	r.pool = pool

	return r, nil
}

// Start begins polling and processing outbox entries
func (r *Relay) Start() {
	r.started = true
	go r.processLoop()
	r.logger.Info("outbox relay started",
		zap.String("transport", r.config.Transport),
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop gracefully stops the relay and its workers.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		if r.started {
			<-r.done
		}
		r.pool.Stop()
		r.logger.Info("outbox relay stopped")
	})
}

func (r *Relay) processLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-cleanup.C:
			if _, err := r.CleanupDelivered(r.ctx, r.config.RetainDelivered); err != nil && r.ctx.Err() == nil {
				r.logger.Error("outbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch claims the entries that are due and delivers them through the
// worker pool. It returns how many were delivered.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	entries, err := r.claimDue(ctx, r.now())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	submitted := 0
	for _, entry := range entries {
		task := &workerpool.Task{ID: entry.EventID, Payload: entry, Context: ctx}
		if err := r.pool.Submit(task); err != nil {
			r.logger.Warn("outbox entry not submitted", zap.Int64("id", entry.ID), zap.Error(err))
			r.release(ctx, entry.ID)
			continue
		}
		submitted++
	}

	delivered := 0
	for i := 0; i < submitted; i++ {
		res, ok := <-r.pool.Results()
		if !ok {
			break
		}
		if res.Success {
			delivered++
		}
	}

	if len(entries) > 0 {
		r.refreshBacklog(ctx)
	}
	return delivered, nil
}

func (r *Relay) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	entry := task.Payload.(*Entry)
	err := r.deliver(ctx, entry)
	return &workerpool.Result{Success: err == nil, Error: err}
}

// DeliverNow claims and delivers a single entry right away. When the entry
// is already delivered or claimed by someone else it does nothing.
func (r *Relay) DeliverNow(ctx context.Context, id int64) error {
	claimed, err := r.claim(ctx, id, r.now())
	if err != nil {
		return err
	}
	if !claimed {
		r.logger.Debug("outbox entry already claimed", zap.Int64("id", id))
		return nil
	}

	entry, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.deliver(ctx, entry)
}

// Get loads an entry by id.
func (r *Relay) Get(ctx context.Context, id int64) (*Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM outbox WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query outbox entry: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries[0], nil
}

func (r *Relay) claimDue(ctx context.Context, now time.Time) ([]*Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM outbox
		WHERE delivered_at IS NULL
		  AND attempts < $1
		  AND next_attempt_at <= $2
		  AND (claimed_until IS NULL OR claimed_until < $3)
		ORDER BY id ASC
		LIMIT $4
	`, r.config.MaxAttempts, now, now, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query due entries: %w", err)
	}
	candidates, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	claimed := candidates[:0]
	for _, entry := range candidates {
		ok, err := r.claim(ctx, entry.ID, now)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, entry)
		}
	}
	return claimed, nil
}

// claim takes the delivery lease on an undelivered entry.
func (r *Relay) claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET claimed_until = $1
		WHERE id = $2
		  AND delivered_at IS NULL
		  AND (claimed_until IS NULL OR claimed_until < $3)
	`, now.Add(r.config.ClaimTimeout), id, now)
	if err != nil {
		return false, fmt.Errorf("claim outbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim outbox entry: %w", err)
	}
	return n == 1, nil
}

func (r *Relay) release(ctx context.Context, id int64) {
	ctx = context.WithoutCancel(ctx)
	if _, err := r.db.ExecContext(ctx, `UPDATE outbox SET claimed_until = NULL WHERE id = $1`, id); err != nil {
		r.logger.Error("failed to release outbox entry", zap.Int64("id", id), zap.Error(err))
	}
}

// deliver publishes a claimed entry and records the outcome.
func (r *Relay) deliver(ctx context.Context, entry *Entry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_deliver",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_id", entry.EventID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	pubCtx, cancel := context.WithTimeout(ctx, r.config.DeliveryTimeout)
	err := r.publisher.Publish(pubCtx, entry)
	cancel()

	// Bookkeeping must survive a cancelled caller.
	bookCtx := context.WithoutCancel(ctx)

	if err != nil {
		span.RecordError(err)
		r.metrics.SyncDelivered(r.config.Transport, "failed")
		if markErr := r.markFailed(bookCtx, entry, err); markErr != nil {
			r.logger.Error("failed to record outbox failure", zap.Int64("id", entry.ID), zap.Error(markErr))
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	r.metrics.SyncDelivered(r.config.Transport, "delivered")
	if _, err := r.db.ExecContext(bookCtx, `
		UPDATE outbox
		SET delivered_at = $1, claimed_until = NULL, last_error = NULL
		WHERE id = $2
	`, r.now(), entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark delivered: %w", err)
	}

	r.logger.Debug("outbox entry delivered",
		zap.Int64("id", entry.ID),
		zap.String("event_id", entry.EventID))
	return nil
}

func (r *Relay) markFailed(ctx context.Context, entry *Entry, cause error) error {
	attempts := entry.Attempts + 1
	next := r.now().Add(Backoff(attempts, r.config.BaseBackoff, r.config.MaxBackoff))

	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempts = $1, last_error = $2, next_attempt_at = $3, claimed_until = NULL
		WHERE id = $4
	`, attempts, cause.Error(), next, entry.ID)
	if err != nil {
		return err
	}

	if attempts >= r.config.MaxAttempts {
		r.logger.Error("outbox entry parked after max attempts",
			zap.Int64("id", entry.ID),
			zap.String("event_id", entry.EventID),
			zap.Int("attempts", attempts),
			zap.Error(cause))
	}
	return nil
}

// CleanupDelivered removes delivered entries older than olderThan.
func (r *Relay) CleanupDelivered(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE delivered_at IS NOT NULL
		  AND delivered_at < $1
	`, r.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected()
}

// Requeue makes parked entries due again with a fresh attempt budget.
func (r *Relay) Requeue(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempts = 0, next_attempt_at = $1, claimed_until = NULL
		WHERE delivered_at IS NULL
		  AND attempts >= $2
	`, r.now(), r.config.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return result.RowsAffected()
}

// Stats holds outbox statistics
type Stats struct {
	Pending       int64      `json:"pending"`
	Delivered     int64      `json:"delivered"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending"`
}

// Stats returns current outbox statistics
func (r *Relay) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE delivered_at IS NULL AND attempts < $1`,
		r.config.MaxAttempts).Scan(&stats.Pending)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE delivered_at IS NOT NULL`).Scan(&stats.Delivered)
	if err != nil {
		return nil, fmt.Errorf("count delivered: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE delivered_at IS NULL AND attempts >= $1`,
		r.config.MaxAttempts).Scan(&stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	var oldest time.Time
	err = r.db.QueryRowContext(ctx,
		`SELECT created_at FROM outbox WHERE delivered_at IS NULL ORDER BY created_at ASC, id ASC LIMIT 1`).Scan(&oldest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("oldest pending: %w", err)
	default:
		stats.OldestPending = &oldest
	}

	return stats, nil
}

func (r *Relay) refreshBacklog(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	stats, err := r.Stats(ctx)
	if err != nil {
		r.logger.Warn("failed to read outbox stats", zap.Error(err))
		return
	}
	r.metrics.SetOutboxBacklog(stats.Pending, stats.Failed)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var payload string
		err := rows.Scan(
			&entry.ID, &entry.EventID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &payload, &entry.RoutingKey, &entry.CreatedAt,
			&entry.DeliveredAt, &entry.Attempts, &entry.LastError, &entry.NextAttemptAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entry.Payload = json.RawMessage(payload)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
