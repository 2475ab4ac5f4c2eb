package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/subsync/internal/app/api/server"
	"github.com/fatflowers/subsync/internal/app/service/deliverylog"
	"github.com/fatflowers/subsync/internal/app/service/idempotency"
	"github.com/fatflowers/subsync/internal/app/service/payment"
	"github.com/fatflowers/subsync/internal/app/service/projection"
	"github.com/fatflowers/subsync/internal/app/service/signature"
	"github.com/fatflowers/subsync/internal/app/service/statistics"
	"github.com/fatflowers/subsync/internal/app/service/subscription"
	"github.com/fatflowers/subsync/internal/app/service/webhook"
	"github.com/fatflowers/subsync/internal/platform/cache"
	"github.com/fatflowers/subsync/internal/platform/db"
	"github.com/fatflowers/subsync/internal/platform/paddle"
	"github.com/fatflowers/subsync/pkg/config"
	"github.com/fatflowers/subsync/pkg/logger"
	"github.com/fatflowers/subsync/pkg/metrics"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	cache.Module,
	metrics.Module,
	paddle.Module,
	server.Module,
	signature.Module,
	idempotency.Module,
	projection.Module,
	payment.Module,
	deliverylog.Module,
	subscription.Module,
	webhook.Module,
	statistics.Module,
)
