// Package ratelimit implements fixed-window request counting with an optional
// block period after a breach.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Policy configures one limit. BlockDuration of zero disables blocking; the
// caller is then rejected only until the counting window resets.
type Policy struct {
	Max           int
	Window        time.Duration
	BlockDuration time.Duration
}

// Result is the verdict for one request.
type Result struct {
	Allowed   bool
	Remaining int
	// ResetTime is when the caller may try again.
	ResetTime    time.Time
	BlockedUntil *time.Time
}

// Store holds the shared counting state. Implementations must apply a hit
// atomically.
type Store interface {
	Hit(ctx context.Context, key string, p Policy, now time.Time) (Result, error)
}

var ErrInvalidPolicy = errors.New("ratelimit: invalid policy")

type Limiter struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Check counts one request for identifier under policy p.
func (l *Limiter) Check(ctx context.Context, identifier string, p Policy) (Result, error) {
	if p.Max <= 0 || p.Window <= 0 || p.BlockDuration < 0 {
		return Result{}, ErrInvalidPolicy
	}
	return l.store.Hit(ctx, identifier, p, l.now())
}
