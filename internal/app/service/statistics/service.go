package statistics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/subsync/internal/models"
)

var ErrUnknownStatistic = errors.New("statistics: unknown data item")

type StatisticType string

const (
	// StatisticTypeSubscriptionsByStatus counts subscriptions per lifecycle status.
	StatisticTypeSubscriptionsByStatus StatisticType = "subscriptions_by_status"
	// StatisticTypePremiumUsers counts profiles currently marked premium.
	StatisticTypePremiumUsers StatisticType = "premium_users"
	// StatisticTypeRevenue sums completed payments net of refunds, per currency.
	StatisticTypeRevenue StatisticType = "revenue"
	// StatisticTypeWebhookOutcomes counts webhook deliveries per outcome.
	StatisticTypeWebhookOutcomes StatisticType = "webhook_outcomes"
)

// AllStatisticTypes is used when a request names no data items.
func AllStatisticTypes() []StatisticType {
	return []StatisticType{
		StatisticTypeSubscriptionsByStatus,
		StatisticTypePremiumUsers,
		StatisticTypeRevenue,
		StatisticTypeWebhookOutcomes,
	}
}

type Request struct {
	DataItems []StatisticType `json:"data_items"`
	// From and To bound payments by billed_at and deliveries by created_at.
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

type DataItem struct {
	Label  string `json:"label,omitempty"`
	Value  int64  `json:"value"`
	Value2 int64  `json:"value2,omitempty"`
}

type Response struct {
	DataItems map[StatisticType][]DataItem `json:"data_items"`
}

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

var Module = fx.Options(
	fx.Provide(New),
)

func between(q *gorm.DB, column string, from, to *time.Time) *gorm.DB {
	if from != nil {
		q = q.Where(column+" >= ?", from.UTC())
	}
	if to != nil {
		q = q.Where(column+" < ?", to.UTC())
	}
	return q
}

func (s *Service) subscriptionsByStatus(ctx context.Context, _ *Request) ([]DataItem, error) {
	var results []DataItem
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("status as label, count(*) as value").
		Group("status").
		Order("status").
		Scan(&results).Error
	return results, err
}

func (s *Service) premiumUsers(ctx context.Context, _ *Request) ([]DataItem, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.UserProfile{}).Where("is_premium = ?", true).Count(&n).Error; err != nil {
		return nil, err
	}
	return []DataItem{{Value: n}}, nil
}

// revenue reports net amount in Value and payment count in Value2.
func (s *Service) revenue(ctx context.Context, req *Request) ([]DataItem, error) {
	var results []DataItem
	q := s.db.WithContext(ctx).Model(&models.Payment{}).
		Select("currency as label, COALESCE(SUM(amount - refund_amount), 0) as value, count(*) as value2").
		Where("status = ?", models.PaymentStatusCompleted)
	q = between(q, "billed_at", req.From, req.To)
	err := q.Group("currency").Order("currency").Scan(&results).Error
	return results, err
}

func (s *Service) webhookOutcomes(ctx context.Context, req *Request) ([]DataItem, error) {
	var results []DataItem
	q := s.db.WithContext(ctx).Model(&models.WebhookDeliveryLog{}).
		Select("status as label, count(*) as value")
	q = between(q, "created_at", req.From, req.To)
	err := q.Group("status").Order("status").Scan(&results).Error
	return results, err
}

func (s *Service) statistic(ctx context.Context, req *Request, item StatisticType) ([]DataItem, error) {
	switch item {
	case StatisticTypeSubscriptionsByStatus:
		return s.subscriptionsByStatus(ctx, req)
	case StatisticTypePremiumUsers:
		return s.premiumUsers(ctx, req)
	case StatisticTypeRevenue:
		return s.revenue(ctx, req)
	case StatisticTypeWebhookOutcomes:
		return s.webhookOutcomes(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStatistic, item)
	}
}

// GetStatistics computes every requested data item concurrently.
func (s *Service) GetStatistics(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		req = &Request{}
	}
	items := lo.Uniq(req.DataItems)
	if len(items) == 0 {
		items = AllStatisticTypes()
	}
	for _, item := range items {
		if !lo.Contains(AllStatisticTypes(), item) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStatistic, item)
		}
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(items))
	resChan := make(chan *lo.Entry[StatisticType, []DataItem], len(items))

	for _, item := range items {
		wg.Add(1)
		go func(item StatisticType) {
			defer wg.Done()
			res, err := s.statistic(ctx, req, item)
			if err != nil {
				errChan <- fmt.Errorf("failed to compute %s: %w", item, err)
				return
			}
			resChan <- &lo.Entry[StatisticType, []DataItem]{Key: item, Value: res}
		}(item)
	}

	go func() { wg.Wait(); close(errChan); close(resChan) }()

	results := make(map[StatisticType][]DataItem, len(items))
	for i := 0; i < len(items); i++ {
		select {
		case err := <-errChan:
			if err != nil {
				s.log.Errorw("statistics_failed", "err", err)
				return nil, err
			}
		case entry := <-resChan:
			results[entry.Key] = lo.Ternary(entry.Value == nil, []DataItem{}, entry.Value)
		}
	}
	return &Response{DataItems: results}, nil
}
