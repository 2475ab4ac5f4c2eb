package paddle

import (
	"strconv"
	"time"
)

// Subscription statuses reported by the provider.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusPaused   = "paused"
	StatusCanceled = "canceled"
)

const (
	ScheduledActionCancel = "cancel"
	ScheduledActionPause  = "pause"
	ScheduledActionResume = "resume"
)

// CustomData carries the values attached at checkout. user_id links a
// provider entity to a local account.
type CustomData struct {
	UserID string `json:"user_id,omitempty"`
}

type Money struct {
	// Amount is a decimal string in minor units, e.g. "1500".
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currency_code"`
}

// MinorUnits parses Amount. Malformed or empty amounts yield 0.
func (m Money) MinorUnits() int64 {
	v, err := strconv.ParseInt(m.Amount, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

type Price struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	UnitPrice   Money  `json:"unit_price"`
}

type SubscriptionItem struct {
	Status   string `json:"status"`
	Quantity int    `json:"quantity"`
	Price    Price  `json:"price"`
}

type BillingPeriod struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type ScheduledChange struct {
	Action      string     `json:"action"`
	EffectiveAt time.Time  `json:"effective_at"`
	ResumeAt    *time.Time `json:"resume_at"`
}

// Subscription is the provider's subscription entity, shared by API
// responses and webhook payloads.
type Subscription struct {
	ID                   string             `json:"id"`
	Status               string             `json:"status"`
	CustomerID           string             `json:"customer_id"`
	CurrencyCode         string             `json:"currency_code"`
	CustomData           *CustomData        `json:"custom_data"`
	Items                []SubscriptionItem `json:"items"`
	CurrentBillingPeriod *BillingPeriod     `json:"current_billing_period"`
	NextBilledAt         *time.Time         `json:"next_billed_at"`
	ScheduledChange      *ScheduledChange   `json:"scheduled_change"`
	PausedAt             *time.Time         `json:"paused_at"`
	CanceledAt           *time.Time         `json:"canceled_at"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

func (s *Subscription) UserID() string {
	if s == nil || s.CustomData == nil {
		return ""
	}
	return s.CustomData.UserID
}

// PrimaryPrice returns the price of the first item, the one the plan is
// derived from.
func (s *Subscription) PrimaryPrice() *Price {
	if s == nil || len(s.Items) == 0 {
		return nil
	}
	return &s.Items[0].Price
}

// PeriodEnd is the end of the current billing period, if any.
func (s *Subscription) PeriodEnd() *time.Time {
	if s == nil || s.CurrentBillingPeriod == nil {
		return nil
	}
	t := s.CurrentBillingPeriod.EndsAt
	return &t
}

// CancelScheduled reports whether cancellation is deferred to period end.
func (s *Subscription) CancelScheduled() bool {
	return s != nil && s.ScheduledChange != nil && s.ScheduledChange.Action == ScheduledActionCancel
}

type Totals struct {
	Subtotal     string `json:"subtotal"`
	Tax          string `json:"tax"`
	Total        string `json:"total"`
	GrandTotal   string `json:"grand_total"`
	CurrencyCode string `json:"currency_code"`
}

type TransactionDetails struct {
	Totals Totals `json:"totals"`
}

// Transaction is a provider billing transaction (payment attempt).
type Transaction struct {
	ID             string             `json:"id"`
	Status         string             `json:"status"`
	CustomerID     string             `json:"customer_id"`
	SubscriptionID string             `json:"subscription_id"`
	CurrencyCode   string             `json:"currency_code"`
	CustomData     *CustomData        `json:"custom_data"`
	Details        TransactionDetails `json:"details"`
	BilledAt       *time.Time         `json:"billed_at"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (t *Transaction) UserID() string {
	if t == nil || t.CustomData == nil {
		return ""
	}
	return t.CustomData.UserID
}

// Amount returns the grand total in minor units with its currency.
func (t *Transaction) Amount() (int64, string) {
	currency := t.Details.Totals.CurrencyCode
	if currency == "" {
		currency = t.CurrencyCode
	}
	return Money{Amount: t.Details.Totals.GrandTotal}.MinorUnits(), currency
}

const (
	AdjustmentActionRefund   = "refund"
	AdjustmentStatusApproved = "approved"
)

// Adjustment is a refund, credit or chargeback against a transaction.
type Adjustment struct {
	ID             string    `json:"id"`
	Action         string    `json:"action"`
	Status         string    `json:"status"`
	TransactionID  string    `json:"transaction_id"`
	SubscriptionID string    `json:"subscription_id"`
	CustomerID     string    `json:"customer_id"`
	CurrencyCode   string    `json:"currency_code"`
	Totals         Totals    `json:"totals"`
	CreatedAt      time.Time `json:"created_at"`
}

// ApprovedRefund reports whether the adjustment returns money to the customer.
func (a *Adjustment) ApprovedRefund() bool {
	return a != nil && a.Action == AdjustmentActionRefund && a.Status == AdjustmentStatusApproved
}
