package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/subsync/internal/models"
	cfgpkg "github.com/fatflowers/subsync/pkg/config"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/tool"
	"github.com/fatflowers/subsync/pkg/types"
)

const defaultBatchSize = 500

// PremiumFor is the single definition of premium entitlement.
func PremiumFor(status types.SubscriptionStatus) bool {
	return status.Entitled()
}

// Updater keeps the user profile and today-forward usage rows aligned with the
// authoritative subscription.
type Updater struct {
	db        *gorm.DB
	log       *zap.SugaredLogger
	batchSize int
	now       func() time.Time
}

func NewUpdater(db *gorm.DB, log *zap.SugaredLogger, cfg *cfgpkg.Config) *Updater {
	size := cfg.Projection.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	return &Updater{db: db, log: log, batchSize: size, now: time.Now}
}

var Module = fx.Options(
	fx.Provide(NewUpdater),
)

// Apply writes premium (and plan, when non-nil) to the user profile and every
// usage row dated today or later. The profile is written with the first batch.
// Each batch commits on its own; a failure leaves earlier batches applied and
// is returned to the caller.
func (u *Updater) Apply(ctx context.Context, userID string, premium bool, plan *string) error {
	today := tool.DateKey(u.now())
	lastID := ""
	profileDone := false

	for batch := 0; ; batch++ {
		var rows []*models.DailyUsage
		q := u.db.WithContext(ctx).Select("id").
			Where("user_id = ? AND date >= ?", userID, today)
		if lastID != "" {
			q = q.Where("id > ?", lastID)
		}
		if err := q.Order("id").Limit(u.batchSize).Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to page usage rows (batch %d): %w", batch, err)
		}
		ids := lo.Map(rows, func(r *models.DailyUsage, _ int) string { return r.ID })

		err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if !profileDone {
				if err := u.upsertProfile(tx, userID, premium, plan); err != nil {
					return err
				}
			}
			if len(ids) == 0 {
				return nil
			}
			return tx.Model(&models.DailyUsage{}).
				Where("id IN ?", ids).
				Update("is_premium", premium).Error
		})
		if err != nil {
			return fmt.Errorf("failed to apply projection batch %d: %w", batch, err)
		}
		profileDone = true

		if len(ids) < u.batchSize {
			logctx.FromCtx(ctx, u.log).Infow("projection_applied",
				"user_id", userID, "premium", premium, "batches", batch+1, "today", today)
			return nil
		}
		lastID = ids[len(ids)-1]
	}
}

func (u *Updater) upsertProfile(tx *gorm.DB, userID string, premium bool, plan *string) error {
	profile := &models.UserProfile{UserID: userID, IsPremium: premium, Plan: plan}
	columns := []string{"is_premium", "updated_at"}
	if plan != nil {
		columns = append(columns, "plan")
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(profile).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}

// Profile returns the user's profile, or nil when none was projected yet.
func (u *Updater) Profile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := u.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordUsage counts one request for today, snapshotting the user's current
// premium flag on first use of the day.
func (u *Updater) RecordUsage(ctx context.Context, userID string) (*models.DailyUsage, error) {
	now := u.now()
	today := tool.DateKey(now)

	var row models.DailyUsage
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile models.UserProfile
		premium := false
		if err := tx.Where("user_id = ?", userID).Limit(1).Find(&profile).Error; err != nil {
			return fmt.Errorf("failed to load user profile: %w", err)
		}
		if profile.UserID != "" {
			premium = profile.IsPremium
		}

		usage := &models.DailyUsage{
			ID:           tool.GenerateUUIDV7(),
			UserID:       userID,
			Date:         today,
			RequestCount: 1,
			IsPremium:    premium,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]any{
				"request_count": gorm.Expr("daily_usage.request_count + 1"),
				"updated_at":    now,
			}),
		}).Create(usage).Error; err != nil {
			return fmt.Errorf("failed to record usage: %w", err)
		}
		return tx.Where("user_id = ? AND date = ?", userID, today).First(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}
