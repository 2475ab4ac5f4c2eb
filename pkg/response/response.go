package response

import "net/http"

// APIResponseCode is the business code carried in every envelope.
type APIResponseCode int

const (
	APIResponseCodeOK              APIResponseCode = 0
	APIResponseCodeBadRequest      APIResponseCode = 40000
	APIResponseCodeUnauthorized    APIResponseCode = 40100
	APIResponseCodeNotFound        APIResponseCode = 40400
	APIResponseCodeConflict        APIResponseCode = 40900
	APIResponseCodeTooManyRequests APIResponseCode = 42900
	APIResponseCodeError           APIResponseCode = 50000
	APIResponseCodeProviderError   APIResponseCode = 50200
)

var codeToMsg = map[APIResponseCode]string{
	APIResponseCodeOK:              "ok",
	APIResponseCodeBadRequest:      "bad request",
	APIResponseCodeUnauthorized:    "unauthorized",
	APIResponseCodeNotFound:        "not found",
	APIResponseCodeConflict:        "conflict",
	APIResponseCodeTooManyRequests: "too many requests",
	APIResponseCodeError:           "unexpected error",
	APIResponseCodeProviderError:   "billing provider error",
}

var codeToStatus = map[APIResponseCode]int{
	APIResponseCodeOK:              http.StatusOK,
	APIResponseCodeBadRequest:      http.StatusBadRequest,
	APIResponseCodeUnauthorized:    http.StatusUnauthorized,
	APIResponseCodeNotFound:        http.StatusNotFound,
	APIResponseCodeConflict:        http.StatusConflict,
	APIResponseCodeTooManyRequests: http.StatusTooManyRequests,
	APIResponseCodeError:           http.StatusInternalServerError,
	APIResponseCodeProviderError:   http.StatusBadGateway,
}

// APIResponse is the generic response envelope used by HTTP APIs.
// Use OKT / ErrorT helpers to construct instances.
type APIResponse[T any] struct {
	Code    APIResponseCode `json:"code"`
	Message string          `json:"message"`
	Data    T               `json:"data"`
}

// OKT returns a successful response with data.
func OKT[T any](data T) *APIResponse[T] {
	return &APIResponse[T]{Code: APIResponseCodeOK, Message: codeToMsg[APIResponseCodeOK], Data: data}
}

// ErrorT returns an error response with message and optional data.
func ErrorT[T any](code APIResponseCode, data T) *APIResponse[T] {
	return &APIResponse[T]{Code: code, Message: codeToMsg[code], Data: data}
}

// HTTPStatus maps a business code to the HTTP status used on the wire.
func (c APIResponseCode) HTTPStatus() int {
	if s, ok := codeToStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}
