package subscription

import (
	"context"

	"go.uber.org/fx"

	"github.com/fatflowers/subsync/internal/platform/paddle"
)

// Module exposes the subscription service via Fx.
var Module = fx.Options(
	fx.Provide(func(c *paddle.Client) BillingProvider { return c }),
	fx.Provide(NewService),
	fx.Invoke(func(lc fx.Lifecycle, s *Service) {
		lc.Append(fx.Hook{OnStop: func(context.Context) error {
			s.WaitLogs()
			return nil
		}})
	}),
)
