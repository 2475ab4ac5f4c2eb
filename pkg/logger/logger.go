package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	cfgpkg "github.com/fatflowers/subsync/pkg/config"
)

func New(lc fx.Lifecycle, cfg *cfgpkg.Config) (*zap.SugaredLogger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.TimeKey = "time"
	l, err := zcfg.Build()
	if err != nil {
		return nil, err
	}

	if cfg != nil && cfg.Sentry.DSN != "" {
		l, err = attachSentry(l, cfg)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				sentry.Flush(2 * time.Second)
				return nil
			},
		})
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = l.Sync()
			return nil
		},
	})
	return l.Sugar(), nil
}

// attachSentry forwards error-level entries (handler failures, security events) to Sentry.
func attachSentry(l *zap.Logger, cfg *cfgpkg.Config) (*zap.Logger, error) {
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.Sentry.DSN,
		Environment: string(cfg.Env),
	}); err != nil {
		return nil, fmt.Errorf("failed to init sentry: %w", err)
	}
	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level:             zapcore.ErrorLevel,
		EnableBreadcrumbs: true,
		BreadcrumbLevel:   zapcore.InfoLevel,
		Tags:              map[string]string{"component": "subsync"},
	}, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		return nil, fmt.Errorf("failed to build sentry core: %w", err)
	}
	return zapsentry.AttachCoreToLogger(core, l), nil
}

var Module = fx.Options(
	fx.Provide(New),
)
