package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/subsync/internal/app/service/deliverylog"
	"github.com/fatflowers/subsync/internal/app/service/idempotency"
	"github.com/fatflowers/subsync/internal/app/service/payment"
	"github.com/fatflowers/subsync/internal/app/service/statistics"
	subsvc "github.com/fatflowers/subsync/internal/app/service/subscription"
	"github.com/fatflowers/subsync/internal/app/service/webhook"
	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/internal/platform/db/dbtest"
	"github.com/fatflowers/subsync/internal/platform/paddle"
	"github.com/fatflowers/subsync/pkg/config"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/tool"
	"github.com/fatflowers/subsync/pkg/types"
)

var nopLog = zap.NewNop().Sugar()

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

// withUser stands in for the bearer auth middleware.
func withUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(logctx.UserIDKey, userID)
		c.Next()
	}
}

func doJSON(r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func routeSet(r *gin.Engine) map[string]bool {
	out := map[string]bool{}
	for _, rt := range r.Routes() {
		out[rt.Method+" "+rt.Path] = true
	}
	return out
}

func TestRegisterRoutes_RegistersEndpoints(t *testing.T) {
	r := newEngine()
	RegisterHealthRoutes(r, nil)
	v1 := r.Group("/api/v1")
	RegisterWebhookRoutes(v1, nil, nil, nopLog)
	RegisterSubscriptionRoutes(v1.Group(""), nil, nil, nil, nopLog)
	RegisterAdminRoutes(v1.Group("/admin"), nil, nil, nil, nil, nil, nopLog)

	routes := routeSet(r)
	for _, want := range []string{
		"GET /healthz",
		"POST /api/v1/webhooks/billing",
		"GET /api/v1/subscription",
		"POST /api/v1/subscription/sync",
		"POST /api/v1/subscription/cancel",
		"POST /api/v1/subscription/resume",
		"POST /api/v1/usage/record",
		"POST /api/v1/admin/payments/list",
		"GET /api/v1/admin/stats",
		"GET /api/v1/admin/webhooks/:eventId",
	} {
		require.True(t, routes[want], want)
	}
}

func TestHealthz(t *testing.T) {
	r := newEngine()
	RegisterHealthRoutes(r, dbtest.Open(t))
	w := doJSON(r, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

type processorFunc func(ctx context.Context, raw []byte, header string) (*webhook.Result, error)

func (f processorFunc) Process(ctx context.Context, raw []byte, header string) (*webhook.Result, error) {
	return f(ctx, raw, header)
}

func TestApiBillingWebhook(t *testing.T) {
	cfg := &config.Config{Webhook: config.WebhookConfig{SignatureHeader: "provider-signature", MaxBodyBytes: 64}}
	cases := []struct {
		name string
		err  error
		res  *webhook.Result
		body string
		code int
		want string
	}{
		{"handled", nil, &webhook.Result{EventID: "evt_1", EventType: "subscription.created"}, `{}`, http.StatusOK,
			`{"success":true,"eventId":"evt_1","eventType":"subscription.created"}`},
		{"duplicate", nil, &webhook.Result{EventID: "evt_1", EventType: "subscription.created", Duplicate: true}, `{}`, http.StatusOK,
			`{"success":true,"eventId":"evt_1","eventType":"subscription.created","duplicate":true}`},
		{"ignored", nil, &webhook.Result{EventID: "evt_2", EventType: "customer.updated", Ignored: true}, `{}`, http.StatusOK,
			`{"success":true,"eventId":"evt_2","eventType":"customer.updated","ignored":true}`},
		{"bad signature", fmt.Errorf("%w: x", webhook.ErrInvalidSignature), nil, `{}`, http.StatusUnauthorized, `{"success":false,"error":"invalid signature"}`},
		{"malformed", fmt.Errorf("%w: x", webhook.ErrMalformedPayload), nil, `{}`, http.StatusBadRequest, ""},
		{"handler failure", fmt.Errorf("%w: db", webhook.ErrHandlerFailed), nil, `{}`, http.StatusInternalServerError, `{"success":false,"error":"internal error"}`},
		{"ledger down", idempotency.ErrLedgerUnavailable, nil, `{}`, http.StatusInternalServerError, ""},
		{"too large", nil, nil, strings.Repeat("x", 65), http.StatusRequestEntityTooLarge, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotHeader string
			p := processorFunc(func(_ context.Context, _ []byte, header string) (*webhook.Result, error) {
				gotHeader = header
				return tc.res, tc.err
			})
			r := newEngine()
			RegisterWebhookRoutes(r, p, cfg, nopLog)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(tc.body))
			req.Header.Set("provider-signature", "ts=1;h1=ab")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, tc.code, w.Code)
			if tc.want != "" {
				require.JSONEq(t, tc.want, w.Body.String())
			}
			if tc.code != http.StatusRequestEntityTooLarge {
				require.Equal(t, "ts=1;h1=ab", gotHeader)
			}
		})
	}
}

type fakeManager struct {
	calls int
	state *subsvc.State
	err   error
}

func (f *fakeManager) next() (*subsvc.State, error) {
	f.calls++
	return f.state, f.err
}

func (f *fakeManager) Current(context.Context, string) (*subsvc.State, error) { return f.next() }
func (f *fakeManager) Sync(context.Context, string) (*subsvc.State, error)    { return f.next() }
func (f *fakeManager) Resume(context.Context, string) (*subsvc.State, error)  { return f.next() }
func (f *fakeManager) Cancel(_ context.Context, _ string, immediately bool) (*subsvc.State, error) {
	if f.state != nil && f.state.Subscription != nil && immediately {
		f.state.Subscription.Status = types.SubscriptionStatusCanceled
	}
	return f.next()
}

type fakeUsage struct{}

func (fakeUsage) RecordUsage(_ context.Context, userID string) (*models.DailyUsage, error) {
	return &models.DailyUsage{UserID: userID, Date: "2025-05-10", RequestCount: 3, IsPremium: true}, nil
}

func (fakeUsage) Profile(_ context.Context, userID string) (*models.UserProfile, error) {
	return &models.UserProfile{UserID: userID, IsPremium: true}, nil
}

func subscriptionEngine(t *testing.T, mgr SubscriptionManager) (*gin.Engine, *idempotency.Ledger) {
	t.Helper()
	cfg := &config.Config{Idempotency: config.IdempotencyConfig{MutationRetention: 24 * time.Hour}}
	ledger := idempotency.NewLedger(dbtest.Open(t), nopLog, cfg)
	r := newEngine()
	g := r.Group("/api/v1", withUser("user-1"))
	RegisterSubscriptionRoutes(g, mgr, ledger, fakeUsage{}, nopLog)
	return r, ledger
}

func activeState() *subsvc.State {
	return &subsvc.State{
		Subscription:     &models.Subscription{ProviderSubscriptionID: "sub_1", UserID: "user-1", Status: types.SubscriptionStatusActive},
		Premium:          true,
		DaysUntilRenewal: 22,
	}
}

func TestSubscriptionRoutes_Get(t *testing.T) {
	r, _ := subscriptionEngine(t, &fakeManager{state: activeState()})
	w := doJSON(r, http.MethodGet, "/api/v1/subscription", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Premium          bool                `json:"premium"`
			DaysUntilRenewal int                 `json:"daysUntilRenewal"`
			Profile          *models.UserProfile `json:"profile"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Data.Premium)
	require.Equal(t, 22, body.Data.DaysUntilRenewal)
	require.Equal(t, "user-1", body.Data.Profile.UserID)
}

func TestSubscriptionRoutes_IdempotencyKeyReplays(t *testing.T) {
	mgr := &fakeManager{state: activeState()}
	r, _ := subscriptionEngine(t, mgr)
	headers := map[string]string{IdempotencyKeyHeader: "key-1"}

	first := doJSON(r, http.MethodPost, "/api/v1/subscription/cancel", map[string]any{"cancelImmediately": true}, headers)
	require.Equal(t, http.StatusOK, first.Code)
	require.Contains(t, first.Body.String(), `"status":"canceled"`)

	second := doJSON(r, http.MethodPost, "/api/v1/subscription/cancel", map[string]any{"cancelImmediately": true}, headers)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Equal(t, 1, mgr.calls)

	// The same key on another operation is independent.
	w := doJSON(r, http.MethodPost, "/api/v1/subscription/sync", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, mgr.calls)

	// Without a key every request runs.
	doJSON(r, http.MethodPost, "/api/v1/subscription/resume", nil, nil)
	doJSON(r, http.MethodPost, "/api/v1/subscription/resume", nil, nil)
	require.Equal(t, 4, mgr.calls)
}

func TestSubscriptionRoutes_InFlightKeyConflicts(t *testing.T) {
	mgr := &fakeManager{state: activeState()}
	r, ledger := subscriptionEngine(t, mgr)

	claimed, _, err := ledger.TryClaimMutation(context.Background(), "key-1", "user-1", OperationSync)
	require.NoError(t, err)
	require.True(t, claimed)

	w := doJSON(r, http.MethodPost, "/api/v1/subscription/sync", nil, map[string]string{IdempotencyKeyHeader: "key-1"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Zero(t, mgr.calls)
}

func TestSubscriptionRoutes_FailureReleasesKey(t *testing.T) {
	mgr := &fakeManager{err: &subsvc.UserError{Status: http.StatusBadGateway, Message: "The billing provider is unavailable. Please try again later.", Err: paddle.ErrUnavailable}}
	r, _ := subscriptionEngine(t, mgr)
	headers := map[string]string{IdempotencyKeyHeader: "key-1"}

	w := doJSON(r, http.MethodPost, "/api/v1/subscription/sync", nil, headers)
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Contains(t, w.Body.String(), "billing provider is unavailable")

	mgr.err, mgr.state = nil, activeState()
	w = doJSON(r, http.MethodPost, "/api/v1/subscription/sync", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, mgr.calls)
}

func TestSubscriptionRoutes_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{subsvc.ErrNoSubscription, http.StatusNotFound},
		{fmt.Errorf("%w: status canceled", subsvc.ErrNotResumable), http.StatusConflict},
		{&subsvc.UserError{Status: http.StatusNotFound, Message: "not found", Err: paddle.ErrNotFound}, http.StatusNotFound},
		{&subsvc.UserError{Status: http.StatusConflict, Message: "conflict", Err: paddle.ErrConflict}, http.StatusConflict},
		{&subsvc.UserError{Status: http.StatusTooManyRequests, Message: "busy", Err: paddle.ErrRateLimited}, http.StatusTooManyRequests},
		{&subsvc.UserError{Status: http.StatusGatewayTimeout, Message: "slow", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r, _ := subscriptionEngine(t, &fakeManager{err: tc.err})
		w := doJSON(r, http.MethodPost, "/api/v1/subscription/resume", nil, nil)
		require.Equal(t, tc.code, w.Code, tc.err.Error())
	}
}

func TestSubscriptionRoutes_CancelRejectsBadBody(t *testing.T) {
	mgr := &fakeManager{state: activeState()}
	r, _ := subscriptionEngine(t, mgr)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscription/cancel", strings.NewReader(`{"cancelImmediately":"yes"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Zero(t, mgr.calls)

	// An empty body cancels at period end.
	w = doJSON(r, http.MethodPost, "/api/v1/subscription/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"active"`)
}

func TestRecordUsage(t *testing.T) {
	r, _ := subscriptionEngine(t, &fakeManager{})
	w := doJSON(r, http.MethodPost, "/api/v1/usage/record", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"request_count":3`)
}

type adminEnv struct {
	r          *gin.Engine
	payments   *payment.Service
	ledger     *idempotency.Ledger
	deliveries *deliverylog.Service
}

func newAdminEnv(t *testing.T, token string) *adminEnv {
	t.Helper()
	gdb := dbtest.Open(t)
	cfg := &config.Config{
		Auth:        config.AuthConfig{AdminToken: token},
		Idempotency: config.IdempotencyConfig{Retention: 24 * time.Hour, ClaimLease: time.Minute},
	}
	env := &adminEnv{
		r:          newEngine(),
		payments:   payment.NewService(gdb, nopLog),
		ledger:     idempotency.NewLedger(gdb, nopLog, cfg),
		deliveries: deliverylog.New(gdb, nopLog),
	}
	t.Cleanup(env.deliveries.Wait)
	RegisterAdminRoutes(env.r.Group("/api/v1/admin"), cfg, env.payments, statistics.New(gdb, nopLog), env.ledger, env.deliveries, nopLog)
	return env
}

func adminEngine(t *testing.T, token string) (*gin.Engine, *payment.Service) {
	env := newAdminEnv(t, token)
	return env.r, env.payments
}

func TestAdminRoutes_Auth(t *testing.T) {
	r, _ := adminEngine(t, "")
	require.Equal(t, http.StatusNotFound, doJSON(r, http.MethodGet, "/api/v1/admin/stats", nil, nil).Code)

	r, _ = adminEngine(t, "s3cret")
	require.Equal(t, http.StatusUnauthorized, doJSON(r, http.MethodGet, "/api/v1/admin/stats", nil, nil).Code)
	require.Equal(t, http.StatusUnauthorized, doJSON(r, http.MethodGet, "/api/v1/admin/stats", nil, map[string]string{"Authorization": "Bearer nope"}).Code)
	require.Equal(t, http.StatusOK, doJSON(r, http.MethodGet, "/api/v1/admin/stats", nil, map[string]string{"Authorization": "Bearer s3cret"}).Code)
}

func TestAdminRoutes_ListPayments(t *testing.T) {
	r, payments := adminEngine(t, "s3cret")
	auth := map[string]string{"Authorization": "Bearer s3cret"}
	for i, user := range []string{"user-1", "user-2", "user-1"} {
		_, err := payments.Record(context.Background(), &models.Payment{
			ID:                    tool.GenerateUUIDV7(),
			ProviderTransactionID: fmt.Sprintf("txn_%d", i),
			UserID:                user,
			Status:                models.PaymentStatusCompleted,
			Amount:                1500,
			Currency:              "USD",
		})
		require.NoError(t, err)
	}

	w := doJSON(r, http.MethodPost, "/api/v1/admin/payments/list", map[string]any{
		"filters": []map[string]any{{"field": "user_id", "operator": "eq", "values": []any{"user-1"}}},
		"size":    10,
	}, auth)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data ListPaymentsResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.EqualValues(t, 2, body.Data.Total)
	require.Len(t, body.Data.Items, 2)

	w = doJSON(r, http.MethodPost, "/api/v1/admin/payments/list", map[string]any{
		"filters": []map[string]any{{"field": "raw", "operator": "eq", "values": []any{"x"}}},
	}, auth)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutes_StatsValidation(t *testing.T) {
	r, _ := adminEngine(t, "s3cret")
	auth := map[string]string{"Authorization": "Bearer s3cret"}

	require.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodGet, "/api/v1/admin/stats?from=yesterday", nil, auth).Code)
	require.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodGet, "/api/v1/admin/stats?items=daily_gmv", nil, auth).Code)

	w := doJSON(r, http.MethodGet, "/api/v1/admin/stats?items=premium_users,revenue&from=2025-05-01T00:00:00Z", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"premium_users"`)
	require.NotContains(t, w.Body.String(), `"webhook_outcomes"`)
}

func TestAdminRoutes_WebhookEvent(t *testing.T) {
	env := newAdminEnv(t, "s3cret")
	auth := map[string]string{"Authorization": "Bearer s3cret"}
	ctx := context.Background()

	require.Equal(t, http.StatusNotFound, doJSON(env.r, http.MethodGet, "/api/v1/admin/webhooks/evt_1", nil, auth).Code)

	claimed, err := env.ledger.TryClaim(ctx, "evt_1", "subscription.created")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, env.ledger.MarkProcessed(ctx, "evt_1"))
	env.deliveries.Save(ctx, &models.WebhookDeliveryLog{EventID: "evt_1", EventType: "subscription.created", Status: models.WebhookDeliveryStatusHandled})
	env.deliveries.Save(ctx, &models.WebhookDeliveryLog{EventID: "evt_1", EventType: "subscription.created", Status: models.WebhookDeliveryStatusDuplicate})
	env.deliveries.Wait()

	w := doJSON(env.r, http.MethodGet, "/api/v1/admin/webhooks/evt_1", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data WebhookEventResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "evt_1", body.Data.EventID)
	require.NotNil(t, body.Data.Ledger)
	require.Equal(t, models.ProcessedEventStatusProcessed, body.Data.Ledger.Status)
	require.Len(t, body.Data.Deliveries, 2)
}
