package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/internal/platform/paddle"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/types"
)

// ErrInvalidPayload marks event data that can never be applied. Redelivery
// will not help.
var ErrInvalidPayload = errors.New("subscription: invalid event payload")

type EventType string

const (
	EventSubscriptionCreated      EventType = "subscription.created"
	EventSubscriptionUpdated      EventType = "subscription.updated"
	EventSubscriptionCanceled     EventType = "subscription.canceled"
	EventSubscriptionPastDue      EventType = "subscription.past_due"
	EventSubscriptionPaused       EventType = "subscription.paused"
	EventSubscriptionResumed      EventType = "subscription.resumed"
	EventTransactionCompleted     EventType = "transaction.completed"
	EventTransactionPaymentFailed EventType = "transaction.payment_failed"
	EventAdjustmentCreated        EventType = "adjustment.created"
)

// KnownEventTypes lists every event type with a handler.
func KnownEventTypes() []EventType {
	return []EventType{
		EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionCanceled,
		EventSubscriptionPastDue,
		EventSubscriptionPaused,
		EventSubscriptionResumed,
		EventTransactionCompleted,
		EventTransactionPaymentFailed,
		EventAdjustmentCreated,
	}
}

// Event is a verified, claimed webhook event.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time
	Data       json.RawMessage
}

// Outcome reports what a handler did. Ignored events were acknowledged
// without any write.
type Outcome struct {
	Ignored bool
	Reason  string
	UserID  string
}

type eventHandler func(ctx context.Context, evt *Event) (*Outcome, error)

func (s *Service) handlerTable() map[EventType]eventHandler {
	return map[EventType]eventHandler{
		EventSubscriptionCreated:      s.onCreated,
		EventSubscriptionUpdated:      s.onUpdated,
		EventSubscriptionCanceled:     s.onCanceled,
		EventSubscriptionPastDue:      s.statusHandler(types.SubscriptionStatusPastDue, types.SubscriptionChangeReasonPastDue),
		EventSubscriptionPaused:       s.statusHandler(types.SubscriptionStatusPaused, types.SubscriptionChangeReasonPaused),
		EventSubscriptionResumed:      s.onResumed,
		EventTransactionCompleted:     s.transactionHandler(models.PaymentStatusCompleted),
		EventTransactionPaymentFailed: s.transactionHandler(models.PaymentStatusPaymentFailed),
		EventAdjustmentCreated:        s.onAdjustment,
	}
}

// Route applies evt. Unknown event types are acknowledged as ignored.
func (s *Service) Route(ctx context.Context, evt *Event) (*Outcome, error) {
	h, ok := s.handlers[evt.Type]
	if !ok {
		logctx.FromCtx(ctx, s.log).Infow("webhook_event_unhandled", "event_id", evt.ID, "event_type", evt.Type)
		return &Outcome{Ignored: true, Reason: "unknown_event_type"}, nil
	}
	return h(ctx, evt)
}

func decodeSubscription(evt *Event) (*paddle.Subscription, error) {
	var p paddle.Subscription
	if err := json.Unmarshal(evt.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing subscription id", ErrInvalidPayload)
	}
	return &p, nil
}

func ignored(reason string) *Outcome { return &Outcome{Ignored: true, Reason: reason} }

func (s *Service) onCreated(ctx context.Context, evt *Event) (*Outcome, error) {
	p, err := decodeSubscription(evt)
	if err != nil {
		return nil, err
	}
	userID := p.UserID()
	if userID == "" {
		return nil, fmt.Errorf("%w: subscription %s has no custom_data.user_id", ErrInvalidPayload, p.ID)
	}

	m := mutation{reason: types.SubscriptionChangeReasonCreated, eventID: evt.ID, project: true}
	var skipped string
	sub, err := s.commit(ctx, p.ID, m, func(_ *gorm.DB, existing *models.Subscription) (*models.Subscription, bool, error) {
		next := &models.Subscription{UserID: userID}
		if existing != nil {
			if s.stale(existing, p) {
				skipped = "stale"
				return nil, false, nil
			}
			cp := *existing
			next = &cp
		}
		if err := s.fillFromProvider(next, p); err != nil {
			return nil, false, err
		}
		if next.ProviderCreatedAt.IsZero() {
			next.ProviderCreatedAt = s.now().UTC()
		}
		return next, true, nil
	})
	if err != nil {
		return nil, err
	}
	if skipped != "" {
		return ignored(skipped), nil
	}
	return &Outcome{UserID: sub.UserID}, nil
}

// overwrite applies the provider payload to a known subscription, then
// adjust (if any) for event-specific fields. Unknown subscriptions are
// dropped with a warning.
func (s *Service) overwrite(ctx context.Context, evt *Event, m mutation, adjust func(sub *models.Subscription, p *paddle.Subscription)) (*Outcome, error) {
	p, err := decodeSubscription(evt)
	if err != nil {
		return nil, err
	}

	var skipped string
	sub, err := s.commit(ctx, p.ID, m, func(_ *gorm.DB, existing *models.Subscription) (*models.Subscription, bool, error) {
		if existing == nil {
			skipped = "unknown_subscription"
			return nil, false, nil
		}
		if s.stale(existing, p) {
			skipped = "stale"
			return nil, false, nil
		}
		next := *existing
		if err := s.fillFromProvider(&next, p); err != nil {
			return nil, false, err
		}
		if adjust != nil {
			adjust(&next, p)
		}
		return &next, true, nil
	})
	if err != nil {
		return nil, err
	}
	if skipped != "" {
		logctx.FromCtx(ctx, s.log).Warnw("subscription_event_skipped",
			"event_id", evt.ID, "event_type", evt.Type, "provider_subscription_id", p.ID, "reason", skipped)
		return ignored(skipped), nil
	}
	return &Outcome{UserID: sub.UserID}, nil
}

func (s *Service) onUpdated(ctx context.Context, evt *Event) (*Outcome, error) {
	m := mutation{reason: types.SubscriptionChangeReasonUpdated, eventID: evt.ID, project: true}
	return s.overwrite(ctx, evt, m, nil)
}

// onCanceled distinguishes a scheduled cancellation (premium kept until the
// period ends) from an immediate one.
func (s *Service) onCanceled(ctx context.Context, evt *Event) (*Outcome, error) {
	p, err := decodeSubscription(evt)
	if err != nil {
		return nil, err
	}
	if p.CancelScheduled() {
		// The payload status still applies; a past_due row reported active regains premium.
		m := mutation{reason: types.SubscriptionChangeReasonCanceled, eventID: evt.ID, project: true}
		return s.overwrite(ctx, evt, m, nil)
	}

	m := mutation{reason: types.SubscriptionChangeReasonCanceled, eventID: evt.ID, project: true}
	return s.overwrite(ctx, evt, m, func(sub *models.Subscription, p *paddle.Subscription) {
		sub.Status = types.SubscriptionStatusCanceled
		sub.CancelAtPeriodEnd = false
		sub.CancelAt = nil
		if sub.CanceledAt == nil {
			at := evt.OccurredAt
			if at.IsZero() {
				at = s.now()
			}
			at = at.UTC()
			sub.CanceledAt = &at
		}
	})
}

func (s *Service) statusHandler(status types.SubscriptionStatus, reason types.SubscriptionChangeReason) eventHandler {
	return func(ctx context.Context, evt *Event) (*Outcome, error) {
		m := mutation{reason: reason, eventID: evt.ID, project: true}
		return s.overwrite(ctx, evt, m, func(sub *models.Subscription, _ *paddle.Subscription) {
			sub.Status = status
		})
	}
}

func (s *Service) onResumed(ctx context.Context, evt *Event) (*Outcome, error) {
	m := mutation{reason: types.SubscriptionChangeReasonResumed, eventID: evt.ID, project: true}
	return s.overwrite(ctx, evt, m, func(sub *models.Subscription, _ *paddle.Subscription) {
		sub.Status = types.SubscriptionStatusActive
		sub.CancelAtPeriodEnd = false
		sub.CancelAt = nil
		sub.CanceledAt = nil
	})
}

func (s *Service) transactionHandler(status models.PaymentStatus) eventHandler {
	return func(ctx context.Context, evt *Event) (*Outcome, error) {
		var txn paddle.Transaction
		if err := json.Unmarshal(evt.Data, &txn); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if txn.ID == "" {
			return nil, fmt.Errorf("%w: missing transaction id", ErrInvalidPayload)
		}

		userID := txn.UserID()
		if userID == "" && txn.SubscriptionID != "" {
			sub, err := s.GetByProviderID(ctx, txn.SubscriptionID)
			if err != nil {
				return nil, err
			}
			if sub != nil {
				userID = sub.UserID
			}
		}
		if userID == "" {
			logctx.FromCtx(ctx, s.log).Warnw("payment_without_user",
				"event_id", evt.ID, "provider_transaction_id", txn.ID, "provider_subscription_id", txn.SubscriptionID)
			return ignored("unknown_user"), nil
		}

		amount, currency := txn.Amount()
		billedAt := utcPtr(txn.BilledAt)
		if billedAt == nil && status == models.PaymentStatusCompleted {
			billedAt = utcPtr(&evt.OccurredAt)
		}
		inserted, err := s.payments.Record(ctx, &models.Payment{
			ProviderTransactionID:  txn.ID,
			UserID:                 userID,
			ProviderSubscriptionID: txn.SubscriptionID,
			Status:                 status,
			Amount:                 amount,
			Currency:               currency,
			BilledAt:               billedAt,
			Raw:                    []byte(evt.Data),
		})
		if err != nil {
			return nil, err
		}
		if !inserted {
			return &Outcome{UserID: userID, Reason: "payment_exists"}, nil
		}
		return &Outcome{UserID: userID}, nil
	}
}

// onAdjustment annotates refunds on the original payment. Other adjustment
// kinds carry no state this service tracks.
func (s *Service) onAdjustment(ctx context.Context, evt *Event) (*Outcome, error) {
	var adj paddle.Adjustment
	if err := json.Unmarshal(evt.Data, &adj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !adj.ApprovedRefund() {
		return ignored("not_an_approved_refund"), nil
	}
	if adj.TransactionID == "" {
		return nil, fmt.Errorf("%w: refund without transaction id", ErrInvalidPayload)
	}

	at := adj.CreatedAt
	if at.IsZero() {
		at = evt.OccurredAt
	}
	amount := paddle.Money{Amount: adj.Totals.Total}.MinorUnits()
	ok, err := s.payments.AnnotateRefund(ctx, adj.TransactionID, amount, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		logctx.FromCtx(ctx, s.log).Warnw("refund_without_payment", "event_id", evt.ID, "provider_transaction_id", adj.TransactionID)
		return ignored("payment_not_found_or_refunded"), nil
	}
	return &Outcome{}, nil
}
