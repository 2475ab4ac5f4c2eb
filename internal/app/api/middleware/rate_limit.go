package middleware

import (
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/ratelimit"
	"github.com/fatflowers/subsync/pkg/response"
)

// RateLimitMiddleware applies policy per caller, keyed by the authenticated
// user id when present and the client IP otherwise. Store failures let the
// request through.
func RateLimitMiddleware(limiter *ratelimit.Limiter, scope string, policy ratelimit.Policy, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := UserID(c)
		if caller == "" {
			caller = "ip:" + c.ClientIP()
		}
		key := scope + ":" + caller

		res, err := limiter.Check(c.Request.Context(), key, policy)
		if err != nil {
			logctx.FromGin(c, base).Warnw("rate_limit_store_error", "scope", scope, "err", err)
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(policy.Max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))

		if !res.Allowed {
			retry := int(math.Ceil(time.Until(res.ResetTime).Seconds()))
			if retry < 1 {
				retry = 1
			}
			h.Set("Retry-After", strconv.Itoa(retry))
			logctx.FromGin(c, base).Infow("rate_limited", "scope", scope, "key", key, "reset_at", res.ResetTime)
			c.AbortWithStatusJSON(response.APIResponseCodeTooManyRequests.HTTPStatus(),
				response.ErrorT[any](response.APIResponseCodeTooManyRequests, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}

// PolicyFrom converts a configured policy.
func PolicyFrom(limit int, window, block time.Duration) ratelimit.Policy {
	return ratelimit.Policy{Max: limit, Window: window, BlockDuration: block}
}
