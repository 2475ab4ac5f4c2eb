package types

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Valid reports whether s is one of the known lifecycle states.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue,
		SubscriptionStatusPaused, SubscriptionStatusCanceled:
		return true
	}
	return false
}

// Entitled reports whether the status grants premium access.
func (s SubscriptionStatus) Entitled() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing
}

// SubscriptionChangeReason tags a subscription mutation in the audit log.
type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonCreated    SubscriptionChangeReason = "created"
	SubscriptionChangeReasonUpdated    SubscriptionChangeReason = "updated"
	SubscriptionChangeReasonCanceled   SubscriptionChangeReason = "canceled"
	SubscriptionChangeReasonPastDue    SubscriptionChangeReason = "past_due"
	SubscriptionChangeReasonPaused     SubscriptionChangeReason = "paused"
	SubscriptionChangeReasonResumed    SubscriptionChangeReason = "resumed"
	SubscriptionChangeReasonSync       SubscriptionChangeReason = "manual_sync"
	SubscriptionChangeReasonUserCancel SubscriptionChangeReason = "user_cancel"
	SubscriptionChangeReasonUserResume SubscriptionChangeReason = "user_resume"
)

// Plan maps a provider price to the plan label shown on the user profile.
type Plan struct {
	ID      string `json:"id" mapstructure:"id"`
	PriceID string `json:"price_id" mapstructure:"price_id"`
	Label   string `json:"label" mapstructure:"label"`
}
