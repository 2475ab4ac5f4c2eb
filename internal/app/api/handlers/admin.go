package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fatflowers/subsync/internal/app/service/payment"
	"github.com/fatflowers/subsync/internal/app/service/statistics"
	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/pkg/config"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/response"
	"github.com/fatflowers/subsync/pkg/types"
)

type ListPaymentsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type PaymentItem struct {
	ID                     string               `json:"id"`
	ProviderTransactionID  string               `json:"provider_transaction_id"`
	UserID                 string               `json:"user_id"`
	ProviderSubscriptionID string               `json:"provider_subscription_id"`
	Status                 models.PaymentStatus `json:"status"`
	Amount                 int64                `json:"amount"`
	Currency               string               `json:"currency"`
	BilledAt               *time.Time           `json:"billed_at"`
	Refunded               bool                 `json:"refunded"`
	RefundedAt             *time.Time           `json:"refunded_at"`
	RefundAmount           int64                `json:"refund_amount"`
	CreatedAt              time.Time            `json:"created_at"`
}

func toPaymentItem(p *models.Payment) *PaymentItem {
	return &PaymentItem{
		ID:                     p.ID,
		ProviderTransactionID:  p.ProviderTransactionID,
		UserID:                 p.UserID,
		ProviderSubscriptionID: p.ProviderSubscriptionID,
		Status:                 p.Status,
		Amount:                 p.Amount,
		Currency:               p.Currency,
		BilledAt:               p.BilledAt,
		Refunded:               p.Refunded(),
		RefundedAt:             p.RefundedAt,
		RefundAmount:           p.RefundAmount,
		CreatedAt:              p.CreatedAt,
	}
}

type ListPaymentsResponse struct {
	Items []*PaymentItem `json:"items"`
	Total int64          `json:"total"`
}

// AdminAuthMiddleware requires `Authorization: Bearer <admin token>`. Admin
// routes answer 404 when no token is configured.
func AdminAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	var token []byte
	if cfg != nil {
		token = []byte(cfg.Auth.AdminToken)
	}
	return func(c *gin.Context) {
		if len(token) == 0 {
			c.AbortWithStatusJSON(http.StatusNotFound, response.ErrorT[any](response.APIResponseCodeNotFound, "admin api disabled"))
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), token) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, "invalid admin token"))
			return
		}
		c.Next()
	}
}

// @Summary      List Payments (Admin)
// @Description  Retrieves a paginated and filterable list of recorded payments.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminToken
// @Param        request body ListPaymentsRequest true "List payments request with filters, pagination, and sorting"
// @Success      200  {object}  handlers.RespListPayments
// @Failure      400  {object}  handlers.RespOK
// @Router       /api/v1/admin/payments/list [post]
func ApiListPayments(svc *payment.Service, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListPaymentsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		scanReq := &payment.ScanRequest{Filters: req.Filters, From: req.From, Size: req.Size, SortBy: req.SortBy, SortOrder: req.SortOrder}
		res, err := svc.Scan(c.Request.Context(), scanReq)
		if errors.Is(err, payment.ErrUnsupportedField) {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err != nil {
			logctx.FromGin(c, base).Errorw("admin_list_payments_failed", "err", err)
			c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, "internal error"))
			return
		}
		items := lo.Map(res.Items, func(it *models.Payment, _ int) *PaymentItem { return toPaymentItem(it) })
		c.JSON(http.StatusOK, response.OKT(&ListPaymentsResponse{Items: items, Total: res.Total}))
	}
}

// @Summary      Get Statistics (Admin)
// @Description  Subscription counts by status, premium users, net revenue per currency and webhook outcomes.
// @Tags         Admin
// @Produce      json
// @Security     AdminToken
// @Param        items query string false "Comma-separated data items; all when empty"
// @Param        from  query string false "RFC3339 lower bound for revenue and webhook outcomes"
// @Param        to    query string false "RFC3339 upper bound (exclusive)"
// @Success      200  {object}  handlers.RespStatistics
// @Failure      400  {object}  handlers.RespOK
// @Router       /api/v1/admin/stats [get]
func ApiGetStatistics(svc *statistics.Service, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := &statistics.Request{}
		if items := c.Query("items"); items != "" {
			req.DataItems = lo.Map(strings.Split(items, ","), func(s string, _ int) statistics.StatisticType {
				return statistics.StatisticType(strings.TrimSpace(s))
			})
		}
		for _, b := range []struct {
			param string
			dst   **time.Time
		}{{"from", &req.From}, {"to", &req.To}} {
			v := c.Query(b.param)
			if v == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, "invalid "+b.param+": "+err.Error()))
				return
			}
			*b.dst = &t
		}

		res, err := svc.GetStatistics(c.Request.Context(), req)
		if errors.Is(err, statistics.ErrUnknownStatistic) {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err != nil {
			logctx.FromGin(c, base).Errorw("admin_stats_failed", "err", err)
			c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, "internal error"))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// EventLedger reads the processed-event ledger.
type EventLedger interface {
	Get(ctx context.Context, eventID string) (*models.ProcessedEvent, error)
}

// DeliveryLog reads recorded webhook deliveries.
type DeliveryLog interface {
	ListByEvent(ctx context.Context, eventID string) ([]*models.WebhookDeliveryLog, error)
}

type WebhookEventResponse struct {
	EventID    string                       `json:"event_id"`
	Ledger     *models.ProcessedEvent       `json:"ledger"`
	Deliveries []*models.WebhookDeliveryLog `json:"deliveries"`
}

// @Summary      Get Webhook Event (Admin)
// @Description  Ledger state and every recorded delivery of one provider event.
// @Tags         Admin
// @Produce      json
// @Security     AdminToken
// @Param        eventId path string true "Provider event id"
// @Success      200  {object}  handlers.RespWebhookEvent
// @Failure      404  {object}  handlers.RespOK
// @Router       /api/v1/admin/webhooks/{eventId} [get]
func ApiGetWebhookEvent(events EventLedger, deliveries DeliveryLog, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		eventID := c.Param("eventId")
		rec, err := events.Get(ctx, eventID)
		if err != nil {
			logctx.FromGin(c, base).Errorw("admin_get_webhook_event_failed", "event_id", eventID, "err", err)
			c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, "internal error"))
			return
		}
		rows, err := deliveries.ListByEvent(ctx, eventID)
		if err != nil {
			logctx.FromGin(c, base).Errorw("admin_list_deliveries_failed", "event_id", eventID, "err", err)
			c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, "internal error"))
			return
		}
		if rec == nil && len(rows) == 0 {
			c.JSON(http.StatusNotFound, response.ErrorT[any](response.APIResponseCodeNotFound, "event not found"))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&WebhookEventResponse{EventID: eventID, Ledger: rec, Deliveries: rows}))
	}
}

func RegisterAdminRoutes(r gin.IRouter, cfg *config.Config, payments *payment.Service, stats *statistics.Service, events EventLedger, deliveries DeliveryLog, log *zap.SugaredLogger) {
	r.Use(AdminAuthMiddleware(cfg))
	r.POST("/payments/list", ApiListPayments(payments, log))
	r.GET("/stats", ApiGetStatistics(stats, log))
	r.GET("/webhooks/:eventId", ApiGetWebhookEvent(events, deliveries, log))
}
