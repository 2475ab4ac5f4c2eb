package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/subsync/internal/app/service/webhook"
	"github.com/fatflowers/subsync/pkg/config"
	"github.com/fatflowers/subsync/pkg/logctx"
)

const defaultMaxWebhookBody = 1 << 20

// WebhookProcessor runs one verified delivery through the pipeline.
type WebhookProcessor interface {
	Process(ctx context.Context, rawBody []byte, signatureHeader string) (*webhook.Result, error)
}

// WebhookResponse is the body returned to the billing provider.
type WebhookResponse struct {
	Success   bool   `json:"success"`
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Error     string `json:"error,omitempty"`
}

// @Summary      Billing webhook
// @Description  Receives signed billing-provider notifications. Duplicates and unknown event types are acknowledged.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        provider-signature header string true "ts=<unix>;h1=<hex hmac-sha256>"
// @Success      200  {object}  handlers.WebhookResponse
// @Failure      400  {object}  handlers.WebhookResponse
// @Failure      401  {object}  handlers.WebhookResponse
// @Failure      413  {object}  handlers.WebhookResponse
// @Failure      500  {object}  handlers.WebhookResponse
// @Router       /api/v1/webhooks/billing [post]
func ApiBillingWebhook(p WebhookProcessor, cfg *config.Config, base *zap.SugaredLogger) gin.HandlerFunc {
	header := "provider-signature"
	limit := int64(defaultMaxWebhookBody)
	if cfg != nil {
		if cfg.Webhook.SignatureHeader != "" {
			header = cfg.Webhook.SignatureHeader
		}
		if cfg.Webhook.MaxBodyBytes > 0 {
			limit = cfg.Webhook.MaxBodyBytes
		}
	}

	return func(c *gin.Context) {
		raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, &WebhookResponse{Error: "payload too large"})
				return
			}
			c.JSON(http.StatusBadRequest, &WebhookResponse{Error: "could not read body"})
			return
		}

		res, err := p.Process(c.Request.Context(), raw, c.GetHeader(header))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, &WebhookResponse{
				Success:   true,
				EventID:   res.EventID,
				EventType: res.EventType,
				Duplicate: res.Duplicate,
				Ignored:   res.Ignored,
			})
		case errors.Is(err, webhook.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, &WebhookResponse{Error: "invalid signature"})
		case errors.Is(err, webhook.ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, &WebhookResponse{Error: err.Error()})
		default:
			logctx.FromGin(c, base).Errorw("webhook_request_failed", "err", err)
			c.JSON(http.StatusInternalServerError, &WebhookResponse{Error: "internal error"})
		}
	}
}

func RegisterWebhookRoutes(r gin.IRouter, p WebhookProcessor, cfg *config.Config, log *zap.SugaredLogger) {
	r.POST("/webhooks/billing", ApiBillingWebhook(p, cfg, log))
}
