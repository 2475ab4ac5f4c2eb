package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/subsync/pkg/config"
	"github.com/fatflowers/subsync/pkg/logctx"
	"github.com/fatflowers/subsync/pkg/response"
)

var (
	ErrMissingToken   = errors.New("auth: missing bearer token")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrAuthDisabled   = errors.New("auth: signing key is not configured")
	errMissingSubject = errors.New("auth: token has no subject")
)

// TokenVerifier validates HS256 id-tokens and returns the user id they carry
// in the subject claim.
type TokenVerifier struct {
	key      []byte
	issuer   string
	audience string
}

func NewTokenVerifier(cfg *cfgpkg.Config) *TokenVerifier {
	return &TokenVerifier{
		key:      []byte(cfg.Auth.SigningKey),
		issuer:   cfg.Auth.Issuer,
		audience: cfg.Auth.Audience,
	}
}

// UserID parses and validates raw, returning the subject.
func (v *TokenVerifier) UserID(raw string) (string, error) {
	if len(v.key) == 0 {
		return "", ErrAuthDisabled
	}
	claims := &jwt.StandardClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return "", fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return "", fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, errMissingSubject)
	}
	return claims.Subject, nil
}

// AuthMiddleware requires `Authorization: Bearer <id-token>` and stores the
// user id on the gin and request contexts.
func AuthMiddleware(v *TokenVerifier, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthorized(c, ErrMissingToken.Error())
			return
		}
		userID, err := v.UserID(raw)
		if err != nil {
			logctx.FromGin(c, base).Warnw("auth_rejected", "err", err)
			abortUnauthorized(c, "invalid or expired token")
			return
		}

		c.Set(logctx.UserIDKey, userID)
		ctx := logctx.WithUserID(c.Request.Context(), userID)
		c.Request = c.Request.WithContext(ctx)
		if l, ok := ctx.Value(logctx.LoggerKey).(*zap.SugaredLogger); ok && l != nil {
			c.Set(logctx.LoggerKey, l)
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, msg))
}

// UserID returns the authenticated user id set by AuthMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(logctx.UserIDKey)
}
