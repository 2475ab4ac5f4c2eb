package statistics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/internal/platform/db/dbtest"
	"github.com/fatflowers/subsync/pkg/tool"
	"github.com/fatflowers/subsync/pkg/types"
)

func TestGetStatistics(t *testing.T) {
	gdb := dbtest.Open(t)
	svc := New(gdb, zap.NewNop().Sugar())
	ctx := context.Background()

	for i, status := range []types.SubscriptionStatus{
		types.SubscriptionStatusActive,
		types.SubscriptionStatusActive,
		types.SubscriptionStatusCanceled,
	} {
		require.NoError(t, gdb.Create(&models.Subscription{
			ID:                     tool.GenerateUUIDV7(),
			UserID:                 "user-" + string(rune('a'+i)),
			ProviderSubscriptionID: "sub_" + string(rune('a'+i)),
			Status:                 status,
		}).Error)
	}
	require.NoError(t, gdb.Create(&models.UserProfile{UserID: "user-a", IsPremium: true}).Error)
	require.NoError(t, gdb.Create(&models.UserProfile{UserID: "user-c", IsPremium: false}).Error)

	billed := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	refunded := billed.Add(48 * time.Hour)
	payments := []*models.Payment{
		{ProviderTransactionID: "txn_1", Status: models.PaymentStatusCompleted, Amount: 1500, Currency: "USD", BilledAt: &billed},
		{ProviderTransactionID: "txn_2", Status: models.PaymentStatusCompleted, Amount: 1500, Currency: "USD", BilledAt: &billed, RefundedAt: &refunded, RefundAmount: 500},
		{ProviderTransactionID: "txn_3", Status: models.PaymentStatusCompleted, Amount: 900, Currency: "EUR", BilledAt: &billed},
		{ProviderTransactionID: "txn_4", Status: models.PaymentStatusPaymentFailed, Amount: 1500, Currency: "USD"},
	}
	for _, p := range payments {
		p.ID = tool.GenerateUUIDV7()
		p.UserID = "user-a"
		require.NoError(t, gdb.Create(p).Error)
	}
	for _, status := range []models.WebhookDeliveryStatus{
		models.WebhookDeliveryStatusHandled,
		models.WebhookDeliveryStatusHandled,
		models.WebhookDeliveryStatusDuplicate,
	} {
		require.NoError(t, gdb.Create(&models.WebhookDeliveryLog{ID: tool.GenerateUUIDV7(), EventID: "evt", Status: status}).Error)
	}

	res, err := svc.GetStatistics(ctx, &Request{})
	require.NoError(t, err)
	require.Len(t, res.DataItems, len(AllStatisticTypes()))

	require.Equal(t, []DataItem{
		{Label: "active", Value: 2},
		{Label: "canceled", Value: 1},
	}, res.DataItems[StatisticTypeSubscriptionsByStatus])
	require.Equal(t, []DataItem{{Value: 1}}, res.DataItems[StatisticTypePremiumUsers])
	require.Equal(t, []DataItem{
		{Label: "EUR", Value: 900, Value2: 1},
		{Label: "USD", Value: 2500, Value2: 2},
	}, res.DataItems[StatisticTypeRevenue])
	require.Equal(t, []DataItem{
		{Label: "duplicate", Value: 1},
		{Label: "handled", Value: 2},
	}, res.DataItems[StatisticTypeWebhookOutcomes])
}

func TestGetStatisticsRevenueWindow(t *testing.T) {
	gdb := dbtest.Open(t)
	svc := New(gdb, zap.NewNop().Sugar())

	may := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	june := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{may, june} {
		at := at
		require.NoError(t, gdb.Create(&models.Payment{
			ID:                    tool.GenerateUUIDV7(),
			ProviderTransactionID: "txn_" + string(rune('a'+i)),
			UserID:                "user-a",
			Status:                models.PaymentStatusCompleted,
			Amount:                1000,
			Currency:              "USD",
			BilledAt:              &at,
		}).Error)
	}

	from, to := june, june.AddDate(0, 1, 0)
	res, err := svc.GetStatistics(context.Background(), &Request{DataItems: []StatisticType{StatisticTypeRevenue}, From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, res.DataItems, 1)
	require.Equal(t, []DataItem{{Label: "USD", Value: 1000, Value2: 1}}, res.DataItems[StatisticTypeRevenue])
}

func TestGetStatisticsEmptyAndUnknown(t *testing.T) {
	gdb := dbtest.Open(t)
	svc := New(gdb, zap.NewNop().Sugar())

	res, err := svc.GetStatistics(context.Background(), &Request{DataItems: []StatisticType{StatisticTypeSubscriptionsByStatus}})
	require.NoError(t, err)
	require.NotNil(t, res.DataItems[StatisticTypeSubscriptionsByStatus])
	require.Empty(t, res.DataItems[StatisticTypeSubscriptionsByStatus])

	_, err = svc.GetStatistics(context.Background(), &Request{DataItems: []StatisticType{"daily_gmv"}})
	require.ErrorIs(t, err, ErrUnknownStatistic)
}
