package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/subsync/internal/app/service/payment"
	"github.com/fatflowers/subsync/internal/app/service/projection"
	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/internal/platform/db/dbtest"
	"github.com/fatflowers/subsync/internal/platform/paddle"
	cfgpkg "github.com/fatflowers/subsync/pkg/config"
	"github.com/fatflowers/subsync/pkg/tool"
	"github.com/fatflowers/subsync/pkg/types"
)

type fakeProvider struct {
	subs  map[string]*paddle.Subscription
	err   error
	calls []string
}

func (f *fakeProvider) record(call, id string) (*paddle.Subscription, error) {
	f.calls = append(f.calls, call+":"+id)
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, &paddle.APIError{StatusCode: 404, Code: "entity_not_found"}
	}
	return sub, nil
}

func (f *fakeProvider) GetSubscription(_ context.Context, id string) (*paddle.Subscription, error) {
	return f.record("get", id)
}

func (f *fakeProvider) CancelSubscription(_ context.Context, id string, immediately bool) (*paddle.Subscription, error) {
	if sub, ok := f.subs[id]; ok && f.err == nil {
		if immediately {
			at := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
			sub.Status = paddle.StatusCanceled
			sub.CanceledAt = &at
			sub.ScheduledChange = nil
		} else {
			sub.ScheduledChange = &paddle.ScheduledChange{Action: paddle.ScheduledActionCancel, EffectiveAt: sub.CurrentBillingPeriod.EndsAt}
		}
	}
	return f.record("cancel", id)
}

func (f *fakeProvider) RemoveScheduledChange(_ context.Context, id string) (*paddle.Subscription, error) {
	if sub, ok := f.subs[id]; ok && f.err == nil {
		sub.ScheduledChange = nil
	}
	return f.record("remove_scheduled_change", id)
}

func (f *fakeProvider) ResumeSubscription(_ context.Context, id string) (*paddle.Subscription, error) {
	if sub, ok := f.subs[id]; ok && f.err == nil {
		sub.Status = paddle.StatusActive
		sub.PausedAt = nil
	}
	return f.record("resume", id)
}

var testNow = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc      *Service
	db       *gorm.DB
	provider *fakeProvider
	proj     *projection.Updater
	cfg      *cfgpkg.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb := dbtest.Open(t)
	log := zap.NewNop().Sugar()
	cfg := &cfgpkg.Config{
		Plans:      []*types.Plan{{ID: "pro", PriceID: "pri_pro", Label: "Pro"}},
		Projection: cfgpkg.ProjectionConfig{BatchSize: 500},
	}
	proj := projection.NewUpdater(gdb, log, cfg)
	fp := &fakeProvider{subs: map[string]*paddle.Subscription{}}
	svc := NewService(gdb, log, cfg, proj, payment.NewService(gdb, log), fp)
	svc.now = func() time.Time { return testNow }
	t.Cleanup(svc.WaitLogs)
	return &testEnv{svc: svc, db: gdb, provider: fp, proj: proj, cfg: cfg}
}

// subscriptionData builds a provider subscription payload.
func subscriptionData(id, userID, status string, mutate ...func(*paddle.Subscription)) *paddle.Subscription {
	created := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	next := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p := &paddle.Subscription{
		ID:           id,
		Status:       status,
		CustomerID:   "ctm_1",
		CurrencyCode: "USD",
		CustomData:   &paddle.CustomData{UserID: userID},
		Items: []paddle.SubscriptionItem{{
			Status:   "active",
			Quantity: 1,
			Price:    paddle.Price{ID: "pri_pro", UnitPrice: paddle.Money{Amount: "1500", CurrencyCode: "USD"}},
		}},
		CurrentBillingPeriod: &paddle.BillingPeriod{StartsAt: created, EndsAt: next},
		NextBilledAt:         &next,
		CreatedAt:            created,
		UpdatedAt:            created,
	}
	for _, m := range mutate {
		m(p)
	}
	return p
}

func event(t *testing.T, id string, typ EventType, data any) *Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &Event{ID: id, Type: typ, OccurredAt: testNow, Data: raw}
}

func (e *testEnv) route(t *testing.T, evt *Event) *Outcome {
	t.Helper()
	out, err := e.svc.Route(context.Background(), evt)
	require.NoError(t, err)
	return out
}

func (e *testEnv) subscription(t *testing.T, providerID string) *models.Subscription {
	t.Helper()
	sub, err := e.svc.GetByProviderID(context.Background(), providerID)
	require.NoError(t, err)
	return sub
}

func (e *testEnv) profile(t *testing.T, userID string) *models.UserProfile {
	t.Helper()
	p, err := e.proj.Profile(context.Background(), userID)
	require.NoError(t, err)
	return p
}

// seedUsage writes usage rows relative to the real current date, which is
// what the projection treats as today.
func (e *testEnv) seedUsage(t *testing.T, userID string, premium bool, offsets ...int) {
	t.Helper()
	for _, d := range offsets {
		require.NoError(t, e.db.Create(&models.DailyUsage{
			ID:        tool.GenerateUUIDV7(),
			UserID:    userID,
			Date:      tool.DateKey(time.Now().AddDate(0, 0, d)),
			IsPremium: premium,
		}).Error)
	}
}

func (e *testEnv) usagePremium(t *testing.T, userID string, offset int) bool {
	t.Helper()
	var row models.DailyUsage
	require.NoError(t, e.db.Where("user_id = ? AND date = ?", userID, tool.DateKey(time.Now().AddDate(0, 0, offset))).First(&row).Error)
	return row.IsPremium
}

func count(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}
