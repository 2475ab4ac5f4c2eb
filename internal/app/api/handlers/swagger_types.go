package handlers

import (
	"github.com/fatflowers/subsync/internal/app/service/statistics"
	subsvc "github.com/fatflowers/subsync/internal/app/service/subscription"
	"github.com/fatflowers/subsync/internal/models"
	"github.com/fatflowers/subsync/pkg/response"
)

// RespOK is a generic envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

// RespHealth wraps the health status map.
type RespHealth struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    map[string]string        `json:"data"`
}

// RespSubscriptionState wraps subscription.State in the standard envelope.
type RespSubscriptionState struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    subsvc.State             `json:"data"`
}

// RespDailyUsage wraps models.DailyUsage in the standard envelope.
type RespDailyUsage struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.DailyUsage        `json:"data"`
}

// RespListPayments wraps ListPaymentsResponse in the standard envelope.
type RespListPayments struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    ListPaymentsResponse     `json:"data"`
}

// RespStatistics wraps statistics.Response in the standard envelope.
type RespStatistics struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    statistics.Response      `json:"data"`
}

// RespWebhookEvent wraps WebhookEventResponse in the standard envelope.
type RespWebhookEvent struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    WebhookEventResponse     `json:"data"`
}
