package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/subsync/internal/app/service/deliverylog"
	"github.com/fatflowers/subsync/internal/app/service/idempotency"
	"github.com/fatflowers/subsync/internal/app/service/signature"
	"github.com/fatflowers/subsync/internal/app/service/subscription"
	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/metrics"
)

var (
	ErrInvalidSignature  = errors.New("webhook: invalid signature")
	ErrMalformedPayload  = errors.New("webhook: malformed payload")
	ErrHandlerFailed     = errors.New("webhook: handler failed")
	ErrLedgerUnavailable = idempotency.ErrLedgerUnavailable
)

// Envelope is the provider's notification body.
type Envelope struct {
	EventID    string          `json:"event_id" validate:"required,max=128"`
	EventType  string          `json:"event_type" validate:"required,max=64"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data" validate:"required"`
}

// Router applies a verified, claimed event.
type Router interface {
	Route(ctx context.Context, evt *subscription.Event) (*subscription.Outcome, error)
}

type Result struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Processor runs a delivery through verify, parse, claim, route and mark.
type Processor struct {
	verifier   *signature.Verifier
	ledger     *idempotency.Ledger
	router     Router
	deliveries *deliverylog.Service
	metrics    *metrics.WebhookMetrics
	validate   *validator.Validate
	log        *zap.SugaredLogger
}

func NewProcessor(verifier *signature.Verifier, ledger *idempotency.Ledger, router Router, deliveries *deliverylog.Service, m *metrics.WebhookMetrics, log *zap.SugaredLogger) *Processor {
	return &Processor{
		verifier:   verifier,
		ledger:     ledger,
		router:     router,
		deliveries: deliveries,
		metrics:    m,
		validate:   validator.New(),
		log:        log,
	}
}

var Module = fx.Options(
	fx.Provide(func(s *subscription.Service) Router { return s }),
	fx.Provide(NewProcessor),
)

// Process handles one delivery. Duplicates and unknown event types succeed.
// On a routing failure the claim is released so the redelivery is applied.
func (p *Processor) Process(ctx context.Context, rawBody []byte, signatureHeader string) (*Result, error) {
	start := time.Now()
	log := logctx.FromCtx(ctx, p.log)

	if err := p.verifier.Verify(rawBody, signatureHeader); err != nil {
		log.Errorw("security_event", "kind", "webhook_signature_rejected", "reason", err.Error(), "body_bytes", len(rawBody))
		p.record(ctx, &Envelope{}, models.WebhookDeliveryStatusRejected, err, start)
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	env, err := p.parse(rawBody)
	if err != nil {
		log.Warnw("webhook_malformed", "err", err)
		p.record(ctx, &Envelope{}, models.WebhookDeliveryStatusRejected, err, start)
		return nil, err
	}
	log = log.With("event_id", env.EventID, "event_type", env.EventType)
	res := &Result{EventID: env.EventID, EventType: env.EventType}

	claimed, err := p.ledger.TryClaim(ctx, env.EventID, env.EventType)
	if err != nil {
		p.record(ctx, env, models.WebhookDeliveryStatusFailed, err, start)
		return nil, err
	}
	if !claimed {
		log.Infow("webhook_duplicate")
		res.Duplicate = true
		p.record(ctx, env, models.WebhookDeliveryStatusDuplicate, nil, start)
		return res, nil
	}

	out, err := p.router.Route(ctx, &subscription.Event{
		ID:         env.EventID,
		Type:       subscription.EventType(env.EventType),
		OccurredAt: env.OccurredAt.UTC(),
		Data:       env.Data,
	})
	if err != nil {
		if rerr := p.ledger.Release(ctx, env.EventID); rerr != nil {
			log.Errorw("webhook_claim_release_failed", "err", rerr)
		}
		if errors.Is(err, subscription.ErrInvalidPayload) {
			log.Warnw("webhook_invalid_event", "err", err)
			p.record(ctx, env, models.WebhookDeliveryStatusRejected, err, start)
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		log.Errorw("webhook_handler_failed", "err", err)
		p.record(ctx, env, models.WebhookDeliveryStatusFailed, err, start)
		return nil, fmt.Errorf("%w: %w", ErrHandlerFailed, err)
	}

	if err := p.ledger.MarkProcessed(ctx, env.EventID); err != nil {
		// Effects are applied; a redelivery after the lease lapses replays idempotent handlers.
		log.Warnw("webhook_mark_processed_failed", "err", err)
	}

	status := models.WebhookDeliveryStatusHandled
	if out != nil && out.Ignored {
		res.Ignored = true
		res.Reason = out.Reason
		status = models.WebhookDeliveryStatusIgnored
	}
	log.Infow("webhook_processed", "ignored", res.Ignored, "reason", res.Reason, "elapsed_ms", metrics.MillisecondsSince(start))
	p.record(ctx, env, status, nil, start)
	return res, nil
}

func (p *Processor) parse(rawBody []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := p.validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &env, nil
}

func (p *Processor) record(ctx context.Context, env *Envelope, status models.WebhookDeliveryStatus, err error, start time.Time) {
	p.metrics.Observe(env.EventType, string(status), start)
	entry := &models.WebhookDeliveryLog{
		EventID:   env.EventID,
		EventType: env.EventType,
		Status:    status,
	}
	if !env.OccurredAt.IsZero() {
		at := env.OccurredAt.UTC()
		entry.OccurredAt = &at
	}
	if len(env.Data) > 0 {
		entry.Data = datatypes.JSON(env.Data)
	}
	if err != nil {
		msg := err.Error()
		entry.Error = &msg
	}
	p.deliveries.Save(ctx, entry)
}
