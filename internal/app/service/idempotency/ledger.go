package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/subsync/internal/models"
	cfgpkg "github.com/fatflowers/subsync/pkg/config"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/tool"
)

var ErrLedgerUnavailable = errors.New("idempotency: ledger unavailable")

const (
	defaultRetention         = 30 * 24 * time.Hour
	defaultClaimLease        = 5 * time.Minute
	defaultMutationRetention = 24 * time.Hour
)

// Ledger records which webhook events and user mutations were already
// applied. Claims are decided by the database: an insert that conflicts on
// the key loses.
type Ledger struct {
	db                *gorm.DB
	log               *zap.SugaredLogger
	retention         time.Duration
	claimLease        time.Duration
	mutationRetention time.Duration
	failClosed        bool
	now               func() time.Time
}

func NewLedger(db *gorm.DB, log *zap.SugaredLogger, cfg *cfgpkg.Config) *Ledger {
	l := &Ledger{
		db:                db,
		log:               log,
		retention:         cfg.Idempotency.Retention,
		claimLease:        cfg.Idempotency.ClaimLease,
		mutationRetention: cfg.Idempotency.MutationRetention,
		failClosed:        cfg.Idempotency.FailClosed,
		now:               time.Now,
	}
	if l.retention <= 0 {
		l.retention = defaultRetention
	}
	if l.claimLease <= 0 {
		l.claimLease = defaultClaimLease
	}
	if l.mutationRetention <= 0 {
		l.mutationRetention = defaultMutationRetention
	}
	return l
}

// TryClaim returns true exactly once per event id within the retention
// window. A claim that was never marked processed can be taken over once its
// lease lapses, so a crash mid-handler leaves the event re-deliverable.
//
// Storage errors fail open unless the ledger is configured fail-closed, in
// which case ErrLedgerUnavailable is returned.
func (l *Ledger) TryClaim(ctx context.Context, eventID, eventType string) (bool, error) {
	now := l.now().UTC()
	rec := &models.ProcessedEvent{
		EventID:   eventID,
		EventType: eventType,
		Status:    models.ProcessedEventStatusProcessing,
		ClaimedAt: now,
		ExpiresAt: now.Add(l.retention),
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return l.storageFailure(ctx, "claim_insert", eventID, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = l.db.WithContext(ctx).Model(&models.ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Where("(expires_at <= ? OR (status = ? AND claimed_at <= ?))",
			now, models.ProcessedEventStatusProcessing, now.Add(-l.claimLease)).
		Updates(map[string]any{
			"event_type":   eventType,
			"status":       models.ProcessedEventStatusProcessing,
			"claimed_at":   now,
			"processed_at": nil,
			"expires_at":   now.Add(l.retention),
		})
	if res.Error != nil {
		return l.storageFailure(ctx, "claim_reclaim", eventID, res.Error)
	}
	if res.RowsAffected == 1 {
		logctx.FromCtx(ctx, l.log).Warnw("idempotency_claim_reclaimed", "event_id", eventID, "event_type", eventType)
		return true, nil
	}
	return false, nil
}

func (l *Ledger) storageFailure(ctx context.Context, op, key string, err error) (bool, error) {
	if l.failClosed {
		logctx.FromCtx(ctx, l.log).Errorw("idempotency_ledger_error", "op", op, "key", key, "err", err)
		return false, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	logctx.FromCtx(ctx, l.log).Warnw("idempotency_ledger_fail_open", "op", op, "key", key, "err", err)
	return true, nil
}

// MarkProcessed finalizes a claim. The record then blocks redelivery until it
// expires.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string) error {
	now := l.now().UTC()
	err := l.db.WithContext(ctx).Model(&models.ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"status":       models.ProcessedEventStatusProcessed,
			"processed_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Release drops an unfinished claim so the provider's redelivery is applied.
func (l *Ledger) Release(ctx context.Context, eventID string) error {
	err := l.db.WithContext(ctx).
		Where("event_id = ? AND status = ?", eventID, models.ProcessedEventStatusProcessing).
		Delete(&models.ProcessedEvent{}).Error
	if err != nil {
		return fmt.Errorf("failed to release event claim: %w", err)
	}
	return nil
}

// Get returns the ledger record for eventID, or nil.
func (l *Ledger) Get(ctx context.Context, eventID string) (*models.ProcessedEvent, error) {
	var rec models.ProcessedEvent
	err := l.db.WithContext(ctx).Where("event_id = ?", eventID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// TryClaimMutation claims (key, userID, operation) for a user-triggered
// mutation. When the key was already used, claimed is false and prior holds
// the earlier record: pending while the first request is in flight, completed
// with its stored response afterwards.
func (l *Ledger) TryClaimMutation(ctx context.Context, key, userID, operation string) (claimed bool, prior *models.IdempotencyKey, err error) {
	now := l.now().UTC()
	rec := &models.IdempotencyKey{
		ID:        tool.GenerateUUIDV7(),
		Key:       key,
		UserID:    userID,
		Operation: operation,
		Status:    models.IdempotencyKeyStatusPending,
		ExpiresAt: now.Add(l.mutationRetention),
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		ok, err := l.storageFailure(ctx, "mutation_insert", key, res.Error)
		return ok, nil, err
	}
	if res.RowsAffected == 1 {
		return true, nil, nil
	}

	scope := l.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("idempotency_key = ? AND user_id = ? AND operation = ?", key, userID, operation)
	res = scope.Session(&gorm.Session{}).
		Where("expires_at <= ?", now).
		Updates(map[string]any{
			"status":     models.IdempotencyKeyStatusPending,
			"response":   nil,
			"expires_at": now.Add(l.mutationRetention),
		})
	if res.Error != nil {
		ok, err := l.storageFailure(ctx, "mutation_reclaim", key, res.Error)
		return ok, nil, err
	}
	if res.RowsAffected == 1 {
		return true, nil, nil
	}

	var existing models.IdempotencyKey
	if err := scope.Session(&gorm.Session{}).First(&existing).Error; err != nil {
		ok, err := l.storageFailure(ctx, "mutation_load", key, err)
		return ok, nil, err
	}
	return false, &existing, nil
}

// CompleteMutation stores the response replayed to later duplicates.
func (l *Ledger) CompleteMutation(ctx context.Context, key, userID, operation string, response any) error {
	b, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to encode mutation response: %w", err)
	}
	err = l.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("idempotency_key = ? AND user_id = ? AND operation = ?", key, userID, operation).
		Updates(map[string]any{
			"status":   models.IdempotencyKeyStatusCompleted,
			"response": datatypes.JSON(b),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to complete mutation: %w", err)
	}
	return nil
}

// ReleaseMutation forgets a pending key after the mutation failed, so the
// client may retry with the same key.
func (l *Ledger) ReleaseMutation(ctx context.Context, key, userID, operation string) error {
	err := l.db.WithContext(ctx).
		Where("idempotency_key = ? AND user_id = ? AND operation = ? AND status = ?", key, userID, operation, models.IdempotencyKeyStatusPending).
		Delete(&models.IdempotencyKey{}).Error
	if err != nil {
		return fmt.Errorf("failed to release mutation key: %w", err)
	}
	return nil
}

// Sweep deletes expired event and mutation records.
func (l *Ledger) Sweep(ctx context.Context) (int64, error) {
	now := l.now().UTC()
	events := l.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.ProcessedEvent{})
	if events.Error != nil {
		return 0, fmt.Errorf("failed to sweep processed events: %w", events.Error)
	}
	keys := l.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.IdempotencyKey{})
	if keys.Error != nil {
		return events.RowsAffected, fmt.Errorf("failed to sweep idempotency keys: %w", keys.Error)
	}
	return events.RowsAffected + keys.RowsAffected, nil
}
