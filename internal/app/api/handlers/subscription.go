package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mw "github.com/fatflowers/subsync/internal/app/api/middleware"
	subsvc "github.com/fatflowers/subsync/internal/app/service/subscription"
	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/response"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	maxIdempotencyKeyLen = 255

	OperationSync   = "subscription.sync"
	OperationCancel = "subscription.cancel"
	OperationResume = "subscription.resume"
)

// SubscriptionManager is the user-facing subscription surface.
type SubscriptionManager interface {
	Current(ctx context.Context, userID string) (*subsvc.State, error)
	Sync(ctx context.Context, userID string) (*subsvc.State, error)
	Cancel(ctx context.Context, userID string, immediately bool) (*subsvc.State, error)
	Resume(ctx context.Context, userID string) (*subsvc.State, error)
}

// MutationLedger deduplicates user mutations carrying an Idempotency-Key.
type MutationLedger interface {
	TryClaimMutation(ctx context.Context, key, userID, operation string) (bool, *models.IdempotencyKey, error)
	CompleteMutation(ctx context.Context, key, userID, operation string, response any) error
	ReleaseMutation(ctx context.Context, key, userID, operation string) error
}

// UsageStore records usage and reads the premium projection.
type UsageStore interface {
	RecordUsage(ctx context.Context, userID string) (*models.DailyUsage, error)
	Profile(ctx context.Context, userID string) (*models.UserProfile, error)
}

type CancelSubscriptionRequest struct {
	CancelImmediately bool `json:"cancelImmediately"`
}

type CurrentSubscriptionResponse struct {
	*subsvc.State
	Profile *models.UserProfile `json:"profile"`
}

// writeServiceError maps subscription errors to HTTP responses.
func writeServiceError(c *gin.Context, base *zap.SugaredLogger, err error) {
	var ue *subsvc.UserError
	switch {
	case errors.As(err, &ue):
		code := response.APIResponseCodeProviderError
		switch ue.Status {
		case http.StatusNotFound:
			code = response.APIResponseCodeNotFound
		case http.StatusConflict:
			code = response.APIResponseCodeConflict
		case http.StatusTooManyRequests:
			code = response.APIResponseCodeTooManyRequests
		}
		c.JSON(ue.Status, response.ErrorT[any](code, ue.Message))
	case errors.Is(err, subsvc.ErrNoSubscription):
		c.JSON(http.StatusNotFound, response.ErrorT[any](response.APIResponseCodeNotFound, "no subscription found"))
	case errors.Is(err, subsvc.ErrNotResumable):
		c.JSON(http.StatusConflict, response.ErrorT[any](response.APIResponseCodeConflict, "subscription cannot be resumed"))
	default:
		logctx.FromGin(c, base).Errorw("subscription_request_failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, "internal error"))
	}
}

// runMutation executes fn at most once per Idempotency-Key. A completed key
// replays the stored response; a key still in flight is a conflict.
func runMutation(c *gin.Context, ledger MutationLedger, base *zap.SugaredLogger, op string, fn func(ctx context.Context) (*subsvc.State, error)) {
	ctx := c.Request.Context()
	userID := mw.UserID(c)
	key := c.GetHeader(IdempotencyKeyHeader)

	if key == "" || ledger == nil {
		state, err := fn(ctx)
		if err != nil {
			writeServiceError(c, base, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(state))
		return
	}
	if len(key) > maxIdempotencyKeyLen {
		c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, "Idempotency-Key too long"))
		return
	}

	log := logctx.FromGin(c, base).With("operation", op, "idempotency_key", key)
	claimed, prior, err := ledger.TryClaimMutation(ctx, key, userID, op)
	if err != nil {
		log.Errorw("idempotency_claim_failed", "err", err)
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, "internal error"))
		return
	}
	if !claimed {
		if prior != nil && prior.Status == models.IdempotencyKeyStatusCompleted && len(prior.Response) > 0 {
			log.Infow("idempotent_replay")
			c.Header("Idempotent-Replayed", "true")
			c.Data(http.StatusOK, "application/json; charset=utf-8", prior.Response)
			return
		}
		c.JSON(http.StatusConflict, response.ErrorT[any](response.APIResponseCodeConflict, "a request with this Idempotency-Key is in progress"))
		return
	}

	state, err := fn(ctx)
	if err != nil {
		if rerr := ledger.ReleaseMutation(ctx, key, userID, op); rerr != nil {
			log.Warnw("idempotency_release_failed", "err", rerr)
		}
		writeServiceError(c, base, err)
		return
	}
	out := response.OKT(state)
	if err := ledger.CompleteMutation(ctx, key, userID, op, out); err != nil {
		log.Warnw("idempotency_complete_failed", "err", err)
	}
	c.JSON(http.StatusOK, out)
}

// @Summary      Current subscription
// @Description  Returns the caller's authoritative subscription and premium profile.
// @Tags         Subscription
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.RespSubscriptionState
// @Failure      401  {object}  handlers.RespOK
// @Failure      404  {object}  handlers.RespOK
// @Router       /api/v1/subscription [get]
func ApiGetSubscription(mgr SubscriptionManager, usage UsageStore, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		state, err := mgr.Current(ctx, mw.UserID(c))
		if err != nil {
			writeServiceError(c, base, err)
			return
		}
		profile, err := usage.Profile(ctx, mw.UserID(c))
		if err != nil {
			writeServiceError(c, base, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(&CurrentSubscriptionResponse{State: state, Profile: profile}))
	}
}

// @Summary      Sync subscription
// @Description  Pulls the provider's view of the caller's subscription and re-applies premium projections.
// @Tags         Subscription
// @Produce      json
// @Security     BearerAuth
// @Param        Idempotency-Key header string false "Deduplicates retries of this request"
// @Success      200  {object}  handlers.RespSubscriptionState
// @Failure      401  {object}  handlers.RespOK
// @Failure      404  {object}  handlers.RespOK
// @Failure      502  {object}  handlers.RespOK
// @Router       /api/v1/subscription/sync [post]
func ApiSyncSubscription(mgr SubscriptionManager, ledger MutationLedger, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := mw.UserID(c)
		runMutation(c, ledger, base, OperationSync, func(ctx context.Context) (*subsvc.State, error) {
			return mgr.Sync(ctx, userID)
		})
	}
}

// @Summary      Cancel subscription
// @Description  Cancels at period end, or immediately when cancelImmediately is set. Already-canceled subscriptions return unchanged.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        Idempotency-Key header string false "Deduplicates retries of this request"
// @Param        request body handlers.CancelSubscriptionRequest false "Cancel options"
// @Success      200  {object}  handlers.RespSubscriptionState
// @Failure      400  {object}  handlers.RespOK
// @Failure      404  {object}  handlers.RespOK
// @Failure      409  {object}  handlers.RespOK
// @Failure      502  {object}  handlers.RespOK
// @Router       /api/v1/subscription/cancel [post]
func ApiCancelSubscription(mgr SubscriptionManager, ledger MutationLedger, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelSubscriptionRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		userID := mw.UserID(c)
		runMutation(c, ledger, base, OperationCancel, func(ctx context.Context) (*subsvc.State, error) {
			return mgr.Cancel(ctx, userID, req.CancelImmediately)
		})
	}
}

// @Summary      Resume subscription
// @Description  Removes a scheduled cancellation or resumes a paused subscription. Active subscriptions return unchanged.
// @Tags         Subscription
// @Produce      json
// @Security     BearerAuth
// @Param        Idempotency-Key header string false "Deduplicates retries of this request"
// @Success      200  {object}  handlers.RespSubscriptionState
// @Failure      404  {object}  handlers.RespOK
// @Failure      409  {object}  handlers.RespOK
// @Failure      502  {object}  handlers.RespOK
// @Router       /api/v1/subscription/resume [post]
func ApiResumeSubscription(mgr SubscriptionManager, ledger MutationLedger, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := mw.UserID(c)
		runMutation(c, ledger, base, OperationResume, func(ctx context.Context) (*subsvc.State, error) {
			return mgr.Resume(ctx, userID)
		})
	}
}

// @Summary      Record usage
// @Description  Counts one unit of usage for the caller today.
// @Tags         Usage
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.RespDailyUsage
// @Failure      401  {object}  handlers.RespOK
// @Router       /api/v1/usage/record [post]
func ApiRecordUsage(usage UsageStore, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		row, err := usage.RecordUsage(c.Request.Context(), mw.UserID(c))
		if err != nil {
			writeServiceError(c, base, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(row))
	}
}

// RegisterSubscriptionRoutes mounts the user routes on an authenticated group.
// mutate wraps the provider-calling routes, typically with a rate limit.
func RegisterSubscriptionRoutes(r gin.IRouter, mgr SubscriptionManager, ledger MutationLedger, usage UsageStore, log *zap.SugaredLogger, mutate ...gin.HandlerFunc) {
	r.GET("/subscription", ApiGetSubscription(mgr, usage, log))
	r.POST("/subscription/sync", chain(mutate, ApiSyncSubscription(mgr, ledger, log))...)
	r.POST("/subscription/cancel", chain(mutate, ApiCancelSubscription(mgr, ledger, log))...)
	r.POST("/subscription/resume", chain(mutate, ApiResumeSubscription(mgr, ledger, log))...)
	r.POST("/usage/record", ApiRecordUsage(usage, log))
}

func chain(mws []gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(mws)+1)
	return append(append(out, mws...), h)
}
