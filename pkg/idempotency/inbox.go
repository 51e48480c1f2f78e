// Package idempotency provides the Inbox pattern: processed message ids are
// recorded in the same transaction as the side effect, so a redelivered
// message is recognised and not applied twice.
package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Schema creates the inbox table. {{timestamp}} is replaced per SQL dialect.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS sync_inbox (
		event_id     TEXT PRIMARY KEY,
		handler_name TEXT NOT NULL,
		received_at  {{timestamp}} NOT NULL,
		expires_at   {{timestamp}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_inbox_expires ON sync_inbox (expires_at)`,
}

// Store is the subset of *sql.DB the inbox needs outside transactions.
type Store interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long a processed id is remembered
	TTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Inbox manages idempotent message processing
type Inbox struct {
	store  Store
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(store Store, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Claim records key as processed by handler inside tx. It returns false
// when the key was already recorded, in which case the caller must not
// repeat the side effect. The record only survives if tx commits.
func (i *Inbox) Claim(ctx context.Context, tx *sql.Tx, key, handler string) (bool, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_claim",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	now := i.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_inbox (event_id, handler_name, received_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, key, handler, now, now.Add(i.config.TTL))
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("record inbox entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbox entry: %w", err)
	}
	span.SetAttributes(attribute.Bool("duplicate", n == 0))
	return n == 1, nil
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup removes expired entries and returns how many were deleted.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	result, err := i.store.ExecContext(ctx, `DELETE FROM sync_inbox WHERE expires_at < $1`, i.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup inbox: %w", err)
	}

	n, _ := result.RowsAffected()
	if n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return n, nil
}

// Count returns the number of remembered ids.
func (i *Inbox) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := i.store.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_inbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count inbox: %w", err)
	}
	return n, nil
}
