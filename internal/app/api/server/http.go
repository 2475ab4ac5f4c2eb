package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/subsync/docs"
	"github.com/fatflowers/subsync/internal/app/api/handlers"
	mw "github.com/fatflowers/subsync/internal/app/api/middleware"
	"github.com/fatflowers/subsync/internal/app/service/deliverylog"
	"github.com/fatflowers/subsync/internal/app/service/idempotency"
	"github.com/fatflowers/subsync/internal/app/service/payment"
	"github.com/fatflowers/subsync/internal/app/service/projection"
	"github.com/fatflowers/subsync/internal/app/service/statistics"
	subsvc "github.com/fatflowers/subsync/internal/app/service/subscription"
	"github.com/fatflowers/subsync/internal/app/service/webhook"
	cfgpkg "github.com/fatflowers/subsync/pkg/config"
	metrics "github.com/fatflowers/subsync/pkg/metrics"
	"github.com/fatflowers/subsync/pkg/ratelimit"
)

const (
	scopeWebhook  = "webhook"
	scopeMutation = "mutation"
)

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Request logger & access log are attached per group in registerRoutes.
	r.Use(mw.TraceMiddleware())
	return r
}

type routeDeps struct {
	fx.In

	Log           *zap.SugaredLogger
	Cfg           *cfgpkg.Config
	DB            *gorm.DB
	Processor     *webhook.Processor
	Subscriptions *subsvc.Service
	Ledger        *idempotency.Ledger
	Usage         *projection.Updater
	Payments      *payment.Service
	Stats         *statistics.Service
	Deliveries    *deliverylog.Service
	Limiter       *ratelimit.Limiter
	Tokens        *mw.TokenVerifier
}

func registerRoutes(r *gin.Engine, d routeDeps) {
	log, cfg := d.Log, d.Cfg

	// Prometheus metrics
	if cfg.MetricsAddr != "" {
		p := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			ReqCntURLLabelMappingFn: func(c *gin.Context) string {
				if fp := c.FullPath(); fp != "" {
					return fp
				}
				return c.Request.URL.Path
			},
			Logger: log,
		})
		p.SetListenAddress(cfg.MetricsAddr)
		p.Use(r)

		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}

	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub, d.DB)
	// Swagger UI
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())

	// Provider webhooks carry no user; they are limited per source IP.
	wh := cfg.RateLimit.Webhook
	hooks := apiV1.Group("", mw.RateLimitMiddleware(d.Limiter, scopeWebhook, mw.PolicyFrom(wh.Max, wh.Window, wh.BlockDuration), log))
	handlers.RegisterWebhookRoutes(hooks, d.Processor, cfg, log)

	// User routes
	mu := cfg.RateLimit.Mutation
	user := apiV1.Group("", mw.AuthMiddleware(d.Tokens, log))
	handlers.RegisterSubscriptionRoutes(user, d.Subscriptions, d.Ledger, d.Usage, log,
		mw.RateLimitMiddleware(d.Limiter, scopeMutation, mw.PolicyFrom(mu.Max, mu.Window, mu.BlockDuration), log))

	// Admin APIs
	handlers.RegisterAdminRoutes(apiV1.Group("/admin"), cfg, d.Payments, d.Stats, d.Ledger, d.Deliveries, log)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Provide(mw.NewTokenVerifier),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
