package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"

	cfgpkg "github.com/fatflowers/subsync/pkg/config"
)

const DefaultTolerance = 300 * time.Second

var (
	ErrMissingSecret       = errors.New("signature: webhook secret is not configured")
	ErrMissingHeader       = errors.New("signature: missing signature header")
	ErrMalformedHeader     = errors.New("signature: malformed signature header")
	ErrTimestampOutOfRange = errors.New("signature: timestamp outside tolerance")
	ErrSignatureMismatch   = errors.New("signature: digest mismatch")
)

// Verifier checks `ts=<unix>;h1=<hex>` headers against an HMAC-SHA256 of
// "<ts>:<raw body>".
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func New(secret string, tolerance time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}, nil
}

// NewFromConfig fails app startup when the secret is missing.
func NewFromConfig(cfg *cfgpkg.Config) (*Verifier, error) {
	return New(cfg.Webhook.Secret, cfg.Webhook.Tolerance)
}

var Module = fx.Options(
	fx.Provide(NewFromConfig),
)

// Verify returns nil iff header carries a fresh, matching digest of rawBody.
func (v *Verifier) Verify(rawBody []byte, header string) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingHeader
	}
	ts, digest, err := parseHeader(header)
	if err != nil {
		return err
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrMalformedHeader
	}
	skew := v.now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return ErrTimestampOutOfRange
	}

	provided, err := hex.DecodeString(digest)
	if err != nil {
		return ErrMalformedHeader
	}
	expected := v.mac(ts, rawBody)
	if len(provided) != len(expected) {
		return ErrSignatureMismatch
	}
	if !hmac.Equal(provided, expected) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign builds a header value for rawBody at ts.
func (v *Verifier) Sign(ts time.Time, rawBody []byte) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "ts=" + t + ";h1=" + hex.EncodeToString(v.mac(t, rawBody))
}

func (v *Verifier) mac(ts string, rawBody []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(ts))
	h.Write([]byte{':'})
	h.Write(rawBody)
	return h.Sum(nil)
}

func parseHeader(header string) (ts, digest string, err error) {
	for _, part := range strings.Split(header, ";") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = val
		case "h1":
			digest = val
		}
	}
	if ts == "" || digest == "" {
		return "", "", ErrMalformedHeader
	}
	return ts, digest, nil
}
