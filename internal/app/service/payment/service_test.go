package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/internal/platform/db/dbtest"
	"github.com/fatflowers/subsync/pkg/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(dbtest.Open(t), zap.NewNop().Sugar())
}

func payment(txID, userID string, amount int64, status models.PaymentStatus) *models.Payment {
	return &models.Payment{
		ProviderTransactionID:  txID,
		UserID:                 userID,
		ProviderSubscriptionID: "sub_1",
		Status:                 status,
		Amount:                 amount,
		Currency:               "USD",
	}
}

func TestRecord_AppendOnly(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	inserted, err := s.Record(ctx, payment("txn_1", "user-1", 1500, models.PaymentStatusCompleted))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.Record(ctx, payment("txn_1", "user-1", 9999, models.PaymentStatusPaymentFailed))
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := s.GetByProviderTransactionID(ctx, "txn_1")
	require.NoError(t, err)
	require.Equal(t, int64(1500), got.Amount)
	require.Equal(t, models.PaymentStatusCompleted, got.Status)
}

func TestAnnotateRefund_FirstWins(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	_, err := s.Record(ctx, payment("txn_1", "user-1", 1500, models.PaymentStatusCompleted))
	require.NoError(t, err)

	at := time.Date(2025, 5, 3, 10, 0, 0, 0, time.UTC)
	ok, err := s.AnnotateRefund(ctx, "txn_1", 1500, at)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AnnotateRefund(ctx, "txn_1", 200, at.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.AnnotateRefund(ctx, "txn_missing", 200, at)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.GetByProviderTransactionID(ctx, "txn_1")
	require.NoError(t, err)
	require.True(t, got.Refunded())
	require.Equal(t, int64(1500), got.RefundAmount)
}

func TestScan_FiltersAndPaging(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	for i, id := range []string{"txn_1", "txn_2", "txn_3"} {
		_, err := s.Record(ctx, payment(id, "user-1", int64(1000*(i+1)), models.PaymentStatusCompleted))
		require.NoError(t, err)
	}
	_, err := s.Record(ctx, payment("txn_4", "user-2", 500, models.PaymentStatusPaymentFailed))
	require.NoError(t, err)

	res, err := s.Scan(ctx, &ScanRequest{
		Filters:   []*types.CommonFilter{{Field: "user_id", Operator: types.CommonFilterOperatorEq, Values: []any{"user-1"}}},
		Size:      2,
		SortBy:    "amount",
		SortOrder: "asc",
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Total)
	require.Len(t, res.Items, 2)
	require.Equal(t, "txn_1", res.Items[0].ProviderTransactionID)

	res, err = s.Scan(ctx, &ScanRequest{
		Filters: []*types.CommonFilter{{Field: "amount", Operator: types.CommonFilterOperatorGte, Values: []any{2000}}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Total)
}

func TestScan_RejectsUnknownColumns(t *testing.T) {
	s := newTestService(t)
	_, err := s.Scan(context.Background(), &ScanRequest{
		Filters: []*types.CommonFilter{{Field: "raw->>'id'", Operator: types.CommonFilterOperatorEq, Values: []any{"x"}}},
	})
	require.ErrorIs(t, err, ErrUnsupportedField)

	_, err = s.Scan(context.Background(), &ScanRequest{SortBy: "1; drop table payment"})
	require.ErrorIs(t, err, ErrUnsupportedField)
}
