package deliverylog

import (
	"context"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/tool"
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
	wg  sync.WaitGroup
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(registerDrain),
)

// Save asynchronously persists a webhook delivery record. Nil input is ignored.
func (s *Service) Save(ctx context.Context, entry *models.WebhookDeliveryLog) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = tool.GenerateUUIDV7()
	}
	if entry.TraceID == "" {
		entry.TraceID = logctx.TraceID(ctx)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.db.Save(entry).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save webhook delivery log: %v", err)
		}
	}()
}

// Wait blocks until pending writes finish.
func (s *Service) Wait() { s.wg.Wait() }

// ListByEvent returns deliveries of one event, oldest first.
func (s *Service) ListByEvent(ctx context.Context, eventID string) ([]*models.WebhookDeliveryLog, error) {
	var rows []*models.WebhookDeliveryLog
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func registerDrain(lc fx.Lifecycle, s *Service) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			done := make(chan struct{})
			go func() { s.Wait(); close(done) }()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
