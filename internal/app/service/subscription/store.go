package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/subsync/internal/app/service/payment"
	"github.com/fatflowers/subsync/internal/app/service/projection"
	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/internal/platform/paddle"
	cfgpkg "github.com/fatflowers/subsync/pkg/config"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/tool"
	"github.com/fatflowers/subsync/pkg/types"
)

// BillingProvider is the subset of the provider API used for manual sync and
// user-triggered mutations.
type BillingProvider interface {
	GetSubscription(ctx context.Context, id string) (*paddle.Subscription, error)
	CancelSubscription(ctx context.Context, id string, immediately bool) (*paddle.Subscription, error)
	RemoveScheduledChange(ctx context.Context, id string) (*paddle.Subscription, error)
	ResumeSubscription(ctx context.Context, id string) (*paddle.Subscription, error)
}

type Service struct {
	db         *gorm.DB
	log        *zap.SugaredLogger
	cfg        *cfgpkg.Config
	projection *projection.Updater
	payments   *payment.Service
	provider   BillingProvider
	handlers   map[EventType]eventHandler
	now        func() time.Time
	logs       sync.WaitGroup
}

func NewService(db *gorm.DB, log *zap.SugaredLogger, cfg *cfgpkg.Config, proj *projection.Updater, payments *payment.Service, provider BillingProvider) *Service {
	s := &Service{
		db:         db,
		log:        log,
		cfg:        cfg,
		projection: proj,
		payments:   payments,
		provider:   provider,
		now:        time.Now,
	}
	s.handlers = s.handlerTable()
	return s
}

// mutation describes one subscription write and what follows it.
type mutation struct {
	reason  types.SubscriptionChangeReason
	eventID string
	// project re-runs the premium projection when the subscription is the
	// user's authoritative one.
	project bool
}

// GetByProviderID loads a subscription by the provider's id, or nil.
func (s *Service) GetByProviderID(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	return getByProviderID(ctx, s.db, providerSubscriptionID)
}

func getByProviderID(ctx context.Context, tx *gorm.DB, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.WithContext(ctx).Where("provider_subscription_id = ?", providerSubscriptionID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

// Authoritative returns the user's most recently created subscription, the
// one premium access is derived from, or nil.
func (s *Service) Authoritative(ctx context.Context, userID string) (*models.Subscription, error) {
	return authoritative(ctx, s.db, userID)
}

func authoritative(ctx context.Context, tx *gorm.DB, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("provider_created_at desc").
		Order("created_at desc").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authoritative subscription: %w", err)
	}
	return &sub, nil
}

// fillFromProvider overwrites the provider-owned fields of sub with p.
func (s *Service) fillFromProvider(sub *models.Subscription, p *paddle.Subscription) error {
	status := types.SubscriptionStatus(p.Status)
	if !status.Valid() {
		return fmt.Errorf("%w: unknown subscription status %q", ErrInvalidPayload, p.Status)
	}
	sub.Status = status
	sub.ProviderSubscriptionID = p.ID
	if p.CustomerID != "" {
		sub.ProviderCustomerID = p.CustomerID
	}
	if price := p.PrimaryPrice(); price != nil {
		sub.PriceID = price.ID
		sub.PriceAmount = price.UnitPrice.MinorUnits()
		sub.Currency = price.UnitPrice.CurrencyCode
		fallback := sub.Plan
		if fallback == "" {
			fallback = price.ID
		}
		sub.Plan = s.cfg.PlanLabel(price.ID, fallback)
	}
	if sub.Currency == "" {
		sub.Currency = p.CurrencyCode
	}
	sub.CurrentPeriodEnd = utcPtr(p.PeriodEnd())
	sub.NextBilledAt = utcPtr(p.NextBilledAt)
	sub.CancelAtPeriodEnd = p.CancelScheduled()
	sub.CancelAt = nil
	if sub.CancelAtPeriodEnd {
		sub.CancelAt = utcPtr(&p.ScheduledChange.EffectiveAt)
	}
	sub.CanceledAt = utcPtr(p.CanceledAt)
	if !p.CreatedAt.IsZero() {
		sub.ProviderCreatedAt = p.CreatedAt.UTC()
	}
	if !p.UpdatedAt.IsZero() {
		sub.ProviderUpdatedAt = utcPtr(&p.UpdatedAt)
	}
	return nil
}

// stale reports whether p is older than what the row already reflects.
func (s *Service) stale(sub *models.Subscription, p *paddle.Subscription) bool {
	if !s.cfg.Webhook.RejectStaleEvents || sub.ProviderUpdatedAt == nil || p.UpdatedAt.IsZero() {
		return false
	}
	return p.UpdatedAt.Before(*sub.ProviderUpdatedAt)
}

// save persists sub inside tx and reports whether it is the user's
// authoritative subscription afterwards.
func (s *Service) save(ctx context.Context, tx *gorm.DB, sub *models.Subscription) (bool, error) {
	if sub.ID == "" {
		sub.ID = tool.GenerateUUIDV7()
	}
	if err := tx.WithContext(ctx).Save(sub).Error; err != nil {
		return false, fmt.Errorf("failed to save subscription: %w", err)
	}
	current, err := authoritative(ctx, tx, sub.UserID)
	if err != nil {
		return false, err
	}
	return current != nil && current.ID == sub.ID, nil
}

func (s *Service) writeLog(ctx context.Context, before, after *models.Subscription, m mutation) {
	s.logs.Add(1)
	go func() {
		defer s.logs.Done()
		entry := &models.SubscriptionLog{
			ID:                     tool.GenerateUUIDV7(),
			UserID:                 after.UserID,
			ProviderSubscriptionID: after.ProviderSubscriptionID,
			Reason:                 m.reason,
			EventID:                m.eventID,
			Before:                 datatypes.NewJSONType(before),
			After:                  datatypes.NewJSONType(after),
			Extra:                  datatypes.JSONMap{"trace_id": logctx.TraceID(ctx)},
		}
		if err := s.db.Save(entry).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save subscription log: %v", err)
		}
	}()
}

// WaitLogs blocks until pending audit writes finish.
func (s *Service) WaitLogs() { s.logs.Wait() }

// commit runs load+mutate+save in one transaction, then writes the audit log
// and the projection. Projection failures are drift: logged, not returned.
// apply returns false to skip the write.
func (s *Service) commit(ctx context.Context, providerSubscriptionID string, m mutation,
	apply func(tx *gorm.DB, existing *models.Subscription) (*models.Subscription, bool, error),
) (*models.Subscription, error) {
	var (
		before, after *models.Subscription
		isAuth        bool
		written       bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := getByProviderID(ctx, tx, providerSubscriptionID)
		if err != nil {
			return err
		}
		if existing != nil {
			cp := *existing
			before = &cp
		}
		next, ok, err := apply(tx, existing)
		if err != nil || !ok {
			return err
		}
		isAuth, err = s.save(ctx, tx, next)
		if err != nil {
			return err
		}
		after, written = next, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !written {
		return before, nil
	}

	s.writeLog(ctx, before, after, m)

	log := logctx.FromCtx(ctx, s.log)
	log.Infow("subscription_saved",
		"user_id", after.UserID,
		"provider_subscription_id", after.ProviderSubscriptionID,
		"status", after.Status,
		"reason", m.reason,
		"authoritative", isAuth,
	)
	if m.project && isAuth {
		s.project(ctx, after)
	}
	return after, nil
}

// project pushes the subscription's entitlement into the user projections.
func (s *Service) project(ctx context.Context, sub *models.Subscription) {
	plan := sub.Plan
	premium := projection.PremiumFor(sub.Status)
	if err := s.projection.Apply(ctx, sub.UserID, premium, &plan); err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("projection_drift",
			"user_id", sub.UserID,
			"provider_subscription_id", sub.ProviderSubscriptionID,
			"premium", premium,
			"err", err,
		)
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
