package paddle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/subsync/pkg/config"
)

const subscriptionJSON = `{
  "data": {
    "id": "sub_01",
    "status": "active",
    "customer_id": "ctm_01",
    "currency_code": "USD",
    "custom_data": {"user_id": "user-1"},
    "items": [{"status": "active", "quantity": 1, "price": {"id": "pri_pro", "unit_price": {"amount": "1500", "currency_code": "USD"}}}],
    "current_billing_period": {"starts_at": "2025-05-01T00:00:00Z", "ends_at": "2025-06-01T00:00:00Z"},
    "next_billed_at": "2025-06-01T00:00:00Z",
    "scheduled_change": null,
    "created_at": "2025-05-01T00:00:00Z",
    "updated_at": "2025-05-01T00:00:00Z"
  },
  "meta": {"request_id": "req_1"}
}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := &cfgpkg.Config{Paddle: cfgpkg.PaddleConfig{
		BaseURL:      srv.URL + "/",
		APIKey:       "test-key",
		Timeout:      2 * time.Second,
		MaxAttempts:  3,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}}
	return NewClient(cfg, zap.NewNop().Sugar())
}

func TestGetSubscription_Decodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/subscriptions/sub_01", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, subscriptionJSON)
	})

	sub, err := c.GetSubscription(context.Background(), "sub_01")
	require.NoError(t, err)
	require.Equal(t, "sub_01", sub.ID)
	require.Equal(t, "user-1", sub.UserID())
	require.Equal(t, "pri_pro", sub.PrimaryPrice().ID)
	require.Equal(t, int64(1500), sub.PrimaryPrice().UnitPrice.MinorUnits())
	require.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), sub.PeriodEnd().UTC())
	require.False(t, sub.CancelScheduled())
}

func TestCancelSubscription_SendsEffectiveFrom(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/subscriptions/sub_01/cancel", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, subscriptionJSON)
	})

	_, err := c.CancelSubscription(context.Background(), "sub_01", false)
	require.NoError(t, err)
	require.Equal(t, "next_billing_period", got["effective_from"])

	_, err = c.CancelSubscription(context.Background(), "sub_01", true)
	require.NoError(t, err)
	require.Equal(t, "immediately", got["effective_from"])
}

func TestRemoveScheduledChange_SendsNull(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, subscriptionJSON)
	})

	_, err := c.RemoveScheduledChange(context.Background(), "sub_01")
	require.NoError(t, err)
	v, ok := got["scheduled_change"]
	require.True(t, ok)
	require.Nil(t, v)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, subscriptionJSON)
	})

	sub, err := c.GetSubscription(context.Background(), "sub_01")
	require.NoError(t, err)
	require.Equal(t, "sub_01", sub.ID)
	require.Equal(t, int32(3), calls.Load())
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"type":"request_error","code":"too_many_requests","detail":"slow down"},"meta":{"request_id":"req_9"}}`)
	})

	_, err := c.GetSubscription(context.Background(), "sub_01")
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, int32(3), calls.Load())

	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	require.Equal(t, "too_many_requests", apiErr.Code)
	require.Equal(t, "req_9", apiErr.RequestID)
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"type":"request_error","code":"entity_not_found","detail":"no such subscription"}}`)
	})

	_, err := c.GetSubscription(context.Background(), "sub_missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int32(1), calls.Load())
}

func TestRetryable(t *testing.T) {
	require.False(t, Retryable(nil))
	require.False(t, Retryable(context.Canceled))
	require.True(t, Retryable(&APIError{StatusCode: http.StatusBadGateway}))
	require.True(t, Retryable(&APIError{StatusCode: http.StatusTooManyRequests}))
	require.False(t, Retryable(&APIError{StatusCode: http.StatusConflict}))
	require.True(t, Retryable(ErrUnavailable))
	require.True(t, Retryable(fmt.Errorf("get subscription: %w", &APIError{StatusCode: http.StatusServiceUnavailable})))
	require.False(t, Retryable(fmt.Errorf("get subscription: %w", &APIError{StatusCode: http.StatusNotFound})))
}

func TestAdjustment_ApprovedRefund(t *testing.T) {
	require.True(t, (&Adjustment{Action: "refund", Status: "approved"}).ApprovedRefund())
	require.False(t, (&Adjustment{Action: "refund", Status: "pending_approval"}).ApprovedRefund())
	require.False(t, (&Adjustment{Action: "credit", Status: "approved"}).ApprovedRefund())
}
