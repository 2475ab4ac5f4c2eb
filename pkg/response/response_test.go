package response

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	ok := OKT(map[string]int{"days": 3})
	require.Equal(t, APIResponseCodeOK, ok.Code)
	require.Equal(t, "ok", ok.Message)

	bad := ErrorT[any](APIResponseCodeTooManyRequests, "slow down")
	require.Equal(t, "too many requests", bad.Message)
	require.Equal(t, http.StatusTooManyRequests, bad.Code.HTTPStatus())
	require.Equal(t, http.StatusBadGateway, APIResponseCodeProviderError.HTTPStatus())
	require.Equal(t, http.StatusInternalServerError, APIResponseCode(12345).HTTPStatus())
}
