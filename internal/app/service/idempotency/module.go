package idempotency

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/subsync/pkg/config"
)

var Module = fx.Options(
	fx.Provide(NewLedger),
	fx.Invoke(registerSweeper),
)

// registerSweeper garbage-collects expired ledger records for the lifetime
// of the app.
func registerSweeper(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, l *Ledger) {
	interval := cfg.Idempotency.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						n, err := l.Sweep(ctx)
						if err != nil {
							log.Warnw("idempotency_sweep_failed", "err", err)
							continue
						}
						if n > 0 {
							log.Infow("idempotency_sweep", "deleted", n)
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
