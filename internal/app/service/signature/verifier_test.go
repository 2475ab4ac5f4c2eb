package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var body = []byte(`{"event_id":"evt_1","event_type":"subscription.created","data":{"id":"sub_1"}}`)

func newVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v, err := New("whsec_test", 0)
	require.NoError(t, err)
	v.now = func() time.Time { return now }
	return v
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New("", time.Minute)
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestVerify_AcceptsValidSignature(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	v := newVerifier(t, now)

	// digest computed independently of Sign
	h := hmac.New(sha256.New, []byte("whsec_test"))
	h.Write([]byte(fmt.Sprintf("%d:%s", now.Unix(), body)))
	header := fmt.Sprintf("ts=%d;h1=%s", now.Unix(), hex.EncodeToString(h.Sum(nil)))

	require.NoError(t, v.Verify(body, header))
	require.Equal(t, header, v.Sign(now, body))
}

func TestVerify_TamperedBodyRejected(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	v := newVerifier(t, now)
	header := v.Sign(now, body)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		require.ErrorIs(t, v.Verify(tampered, header), ErrSignatureMismatch, "byte %d", i)
	}
}

func TestVerify_Freshness(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	v := newVerifier(t, now)

	require.NoError(t, v.Verify(body, v.Sign(now.Add(-300*time.Second), body)))
	require.NoError(t, v.Verify(body, v.Sign(now.Add(300*time.Second), body)))
	require.ErrorIs(t, v.Verify(body, v.Sign(now.Add(-301*time.Second), body)), ErrTimestampOutOfRange)
	require.ErrorIs(t, v.Verify(body, v.Sign(now.Add(301*time.Second), body)), ErrTimestampOutOfRange)
}

func TestVerify_HeaderErrors(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	v := newVerifier(t, now)
	good := v.Sign(now, body)

	cases := map[string]struct {
		header string
		want   error
	}{
		"empty":          {"", ErrMissingHeader},
		"missing h1":     {fmt.Sprintf("ts=%d", now.Unix()), ErrMalformedHeader},
		"missing ts":     {"h1=abcd", ErrMalformedHeader},
		"bad ts":         {"ts=yesterday;h1=abcd", ErrMalformedHeader},
		"non-hex digest": {fmt.Sprintf("ts=%d;h1=zz", now.Unix()), ErrMalformedHeader},
		"short digest":   {fmt.Sprintf("ts=%d;h1=abcd", now.Unix()), ErrSignatureMismatch},
		"other secret":   {mustOther(t, now), ErrSignatureMismatch},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, v.Verify(body, tc.header), tc.want)
		})
	}
	require.NoError(t, v.Verify(body, good))
}

func mustOther(t *testing.T, now time.Time) string {
	other, err := New("whsec_other", 0)
	require.NoError(t, err)
	return other.Sign(now, body)
}
