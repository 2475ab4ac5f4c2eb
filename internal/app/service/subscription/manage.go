package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"

	"github.com/fatflowers/subsync/internal/app/service/projection"
	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/internal/platform/paddle"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/tool"
	"github.com/fatflowers/subsync/pkg/types"
)

var (
	ErrNoSubscription = errors.New("subscription: user has no subscription")
	ErrNotResumable   = errors.New("subscription: subscription cannot be resumed")
)

// UserError is a failure shown to the user, with the HTTP status it maps to.
type UserError struct {
	Status  int
	Message string
	Err     error
}

func (e *UserError) Error() string { return e.Message + ": " + e.Err.Error() }
func (e *UserError) Unwrap() error { return e.Err }

// translateProviderError turns a provider API failure into a user-facing
// error. Nothing is swallowed; the cause stays wrapped.
func translateProviderError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &UserError{Status: http.StatusGatewayTimeout, Message: "The billing provider did not respond in time. Please try again.", Err: err}
	case errors.Is(err, paddle.ErrNotFound):
		return &UserError{Status: http.StatusNotFound, Message: "We couldn't find your subscription with the billing provider.", Err: err}
	case errors.Is(err, paddle.ErrConflict), errors.Is(err, paddle.ErrBadRequest):
		return &UserError{Status: http.StatusConflict, Message: "Your subscription can't be changed in its current state.", Err: err}
	case errors.Is(err, paddle.ErrRateLimited):
		return &UserError{Status: http.StatusTooManyRequests, Message: "The billing provider is busy. Please try again in a moment.", Err: err}
	default:
		return &UserError{Status: http.StatusBadGateway, Message: "The billing provider is unavailable. Please try again later.", Err: err}
	}
}

// State is the subscription view returned by the user endpoints.
type State struct {
	Subscription     *models.Subscription `json:"subscription"`
	Premium          bool                 `json:"premium"`
	DaysUntilRenewal int                  `json:"daysUntilRenewal"`
	// Unchanged is set when the subscription already was in the requested state.
	Unchanged bool `json:"unchanged,omitempty"`
}

func (s *Service) state(sub *models.Subscription, unchanged bool) *State {
	st := &State{Subscription: sub, Unchanged: unchanged}
	if sub == nil {
		return st
	}
	st.Premium = projection.PremiumFor(sub.Status)
	renewal := sub.NextBilledAt
	if renewal == nil {
		renewal = sub.CurrentPeriodEnd
	}
	if renewal != nil && sub.Status != types.SubscriptionStatusCanceled {
		st.DaysUntilRenewal = tool.DaysUntil(s.now(), *renewal)
	}
	return st
}

// Current returns the user's authoritative subscription.
func (s *Service) Current(ctx context.Context, userID string) (*State, error) {
	sub, err := s.Authoritative(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNoSubscription
	}
	return s.state(sub, false), nil
}

// Sync pulls the provider's view of the user's authoritative subscription,
// stores it and re-runs the projection regardless of whether anything changed.
func (s *Service) Sync(ctx context.Context, userID string) (*State, error) {
	sub, err := s.Authoritative(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNoSubscription
	}

	remote, err := s.provider.GetSubscription(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("subscription_sync_provider_error",
			"provider_subscription_id", sub.ProviderSubscriptionID, "err", err)
		return nil, translateProviderError(err)
	}

	saved, err := s.applyRemote(ctx, remote, types.SubscriptionChangeReasonSync)
	if err != nil {
		return nil, err
	}
	return s.state(saved, false), nil
}

// Cancel cancels the user's subscription at period end, or immediately.
func (s *Service) Cancel(ctx context.Context, userID string, immediately bool) (*State, error) {
	sub, err := s.Authoritative(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNoSubscription
	}
	if sub.Status == types.SubscriptionStatusCanceled || (!immediately && sub.CancelAtPeriodEnd) {
		return s.state(sub, true), nil
	}

	remote, err := s.provider.CancelSubscription(ctx, sub.ProviderSubscriptionID, immediately)
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("subscription_cancel_provider_error",
			"provider_subscription_id", sub.ProviderSubscriptionID, "immediately", immediately, "err", err)
		return nil, translateProviderError(err)
	}
	saved, err := s.applyRemote(ctx, remote, types.SubscriptionChangeReasonUserCancel)
	if err != nil {
		return nil, err
	}
	return s.state(saved, false), nil
}

// Resume undoes a scheduled cancellation or resumes a paused subscription.
func (s *Service) Resume(ctx context.Context, userID string) (*State, error) {
	sub, err := s.Authoritative(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNoSubscription
	}

	var call func(context.Context, string) (*paddle.Subscription, error)
	switch {
	case sub.CancelAtPeriodEnd && sub.Status != types.SubscriptionStatusCanceled:
		call = s.provider.RemoveScheduledChange
	case sub.Status == types.SubscriptionStatusPaused:
		call = s.provider.ResumeSubscription
	case sub.Status.Entitled():
		return s.state(sub, true), nil
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotResumable, sub.Status)
	}

	remote, err := call(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("subscription_resume_provider_error",
			"provider_subscription_id", sub.ProviderSubscriptionID, "err", err)
		return nil, translateProviderError(err)
	}
	saved, err := s.applyRemote(ctx, remote, types.SubscriptionChangeReasonUserResume)
	if err != nil {
		return nil, err
	}
	return s.state(saved, false), nil
}

// applyRemote stores the provider's view of a known subscription and always
// re-projects it. The provider response is newer than anything stored, so
// the stale guard does not apply.
func (s *Service) applyRemote(ctx context.Context, remote *paddle.Subscription, reason types.SubscriptionChangeReason) (*models.Subscription, error) {
	m := mutation{reason: reason, project: true}
	saved, err := s.commit(ctx, remote.ID, m, func(_ *gorm.DB, existing *models.Subscription) (*models.Subscription, bool, error) {
		if existing == nil {
			return nil, false, fmt.Errorf("%w: %s", ErrNoSubscription, remote.ID)
		}
		next := *existing
		if err := s.fillFromProvider(&next, remote); err != nil {
			return nil, false, err
		}
		if next.Status == types.SubscriptionStatusCanceled && next.CanceledAt == nil {
			at := s.now().UTC()
			next.CanceledAt = &at
		}
		return &next, true, nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}
