package payment

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
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/tool"
	"github.com/fatflowers/subsync/pkg/types"
)

var ErrUnsupportedField = errors.New("payment: unsupported filter or sort field")

// filterableColumns are the payment columns exposed to admin filters.
var filterableColumns = []string{
	"user_id", "provider_transaction_id", "provider_subscription_id",
	"status", "currency", "amount", "billed_at", "refunded_at", "created_at",
}

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

var Module = fx.Options(
	fx.Provide(NewService),
)

// Record appends a payment. It returns false when the provider transaction
// was already recorded; the stored row is left untouched.
func (s *Service) Record(ctx context.Context, p *models.Payment) (bool, error) {
	if p.ID == "" {
		p.ID = tool.GenerateUUIDV7()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(p)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		logctx.FromCtx(ctx, s.log).Infow("payment_already_recorded", "provider_transaction_id", p.ProviderTransactionID)
		return false, nil
	}
	return true, nil
}

// AnnotateRefund marks the payment refunded. Only the first refund
// annotation is kept; it returns false when no unrefunded payment matched.
func (s *Service) AnnotateRefund(ctx context.Context, providerTransactionID string, amount int64, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("provider_transaction_id = ? AND refunded_at IS NULL", providerTransactionID).
		Updates(map[string]any{"refunded_at": at.UTC(), "refund_amount": amount})
	if res.Error != nil {
		return false, fmt.Errorf("failed to annotate refund: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Service) GetByProviderTransactionID(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.WithContext(ctx).Where("provider_transaction_id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type ScanRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type ScanResponse struct {
	Items []*models.Payment `json:"items"`
	Total int64             `json:"total"`
}

// filtersAnd combines multiple CommonFilter into a single clause.Expression
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(w.filters))
	for _, f := range w.filters {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

// Scan implements paginated admin listing with filters
func (s *Service) Scan(ctx context.Context, req *ScanRequest) (*ScanResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	if req.Size > 200 {
		req.Size = 200
	}
	if req.From < 0 {
		req.From = 0
	}
	for _, f := range req.Filters {
		if f == nil || !lo.Contains(filterableColumns, f.Field) {
			return nil, fmt.Errorf("%w: filter %v", ErrUnsupportedField, lo.FromPtr(f).Field)
		}
	}
	if req.SortBy != "" && !lo.Contains(filterableColumns, req.SortBy) {
		return nil, fmt.Errorf("%w: sort %s", ErrUnsupportedField, req.SortBy)
	}

	tx := s.db.WithContext(ctx).Model(&models.Payment{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}
	tx = tx.Session(&gorm.Session{})

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count payments: %w", err)
	}

	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: sortBy}, Desc: req.SortOrder != "asc"}}})

	var rows []*models.Payment
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return &ScanResponse{Items: rows, Total: total}, nil
}
