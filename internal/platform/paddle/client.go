package paddle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/subsync/pkg/config"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/retry"
)

const (
	effectiveImmediately      = "immediately"
	effectiveNextBillingCycle = "next_billing_period"
	maxResponseBytes          = 1 << 20
)

// Client calls the provider REST API. Every call runs with bounded retries
// on throttling and 5xx; the mutations it issues converge on a target state,
// so repeating them is safe.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   retry.Policy
	log     *zap.SugaredLogger
}

func NewClient(cfg *cfgpkg.Config, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.Paddle.BaseURL, "/"),
		apiKey:  cfg.Paddle.APIKey,
		http:    &http.Client{Timeout: cfg.Paddle.Timeout},
		retry: retry.Policy{
			MaxAttempts:     cfg.Paddle.MaxAttempts,
			InitialInterval: cfg.Paddle.RetryInitial,
			MaxInterval:     cfg.Paddle.RetryMax,
		},
		log: log,
	}
}

var Module = fx.Options(
	fx.Provide(NewClient),
)

type envelope[T any] struct {
	Data T `json:"data"`
}

type errorEnvelope struct {
	Error APIError `json:"error"`
	Meta  struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

// GetSubscription fetches the provider's current view of a subscription.
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return c.subscriptionCall(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(id), nil)
}

// CancelSubscription cancels immediately or at the end of the billing period.
func (c *Client) CancelSubscription(ctx context.Context, id string, immediately bool) (*Subscription, error) {
	effective := effectiveNextBillingCycle
	if immediately {
		effective = effectiveImmediately
	}
	body := map[string]any{"effective_from": effective}
	return c.subscriptionCall(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(id)+"/cancel", body)
}

// RemoveScheduledChange drops a pending cancellation.
func (c *Client) RemoveScheduledChange(ctx context.Context, id string) (*Subscription, error) {
	body := map[string]any{"scheduled_change": nil}
	return c.subscriptionCall(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), body)
}

// ResumeSubscription resumes a paused subscription immediately.
func (c *Client) ResumeSubscription(ctx context.Context, id string) (*Subscription, error) {
	body := map[string]any{"effective_from": effectiveImmediately}
	return c.subscriptionCall(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(id)+"/resume", body)
}

func (c *Client) subscriptionCall(ctx context.Context, method, path string, body any) (*Subscription, error) {
	var out envelope[*Subscription]
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, fmt.Errorf("paddle: empty subscription in response to %s %s", method, path)
	}
	return out.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("paddle: encode request: %w", err)
		}
		payload = b
	}

	log := logctx.FromCtx(ctx, c.log)
	p := c.retry
	p.Notify = func(err error, wait time.Duration) {
		log.Warnw("paddle_call_retry", "method", method, "path", path, "wait_ms", wait.Milliseconds(), "err", err)
	}

	return retry.Do(ctx, p, func(ctx context.Context) error {
		return c.once(ctx, method, path, payload, out)
	}, Retryable)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("paddle: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil {
			apiErr.Type = env.Error.Type
			apiErr.Code = env.Error.Code
			apiErr.Detail = env.Error.Detail
			apiErr.RequestID = env.Meta.RequestID
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("paddle: decode response: %w", err)
	}
	return nil
}

// IsAPIError extracts the provider error, if err carries one.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
