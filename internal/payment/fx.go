package payment

import (
	"context"
	"net/http"

	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/config"
	"github.com/smallbiznis/pixwatch/internal/observability/metrics"
	"github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/payment/gateway"
	"github.com/smallbiznis/pixwatch/internal/payment/liveevents"
	"github.com/smallbiznis/pixwatch/internal/payment/stream"
	"github.com/smallbiznis/pixwatch/internal/payment/tracker"
	"github.com/smallbiznis/pixwatch/internal/payment/watch"
	"github.com/smallbiznis/pixwatch/internal/ratelimit"
	"github.com/smallbiznis/pixwatch/internal/record/reconciler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.tracking",
	fx.Provide(gateway.New),
	fx.Provide(func(c *gateway.Client) domain.StatusFetcher { return c }),
	fx.Provide(provideStreamDialer),
	fx.Provide(stream.NewHub),
	fx.Provide(tracker.NewFactory),
	fx.Provide(liveevents.NewHub),
	fx.Provide(provideWatchManager),
)

// provideStreamDialer reads the stream retry tunables once; open connections keep them.
func provideStreamDialer(cfg config.Config, tracking *config.TrackingConfigHolder, clk clock.Clock, log *zap.Logger) domain.StreamDialer {
	current := tracking.Get()
	return stream.NewSSEDialer(stream.SSEConfig{
		BaseURL:       cfg.Payments.BaseURL,
		APIKey:        cfg.Payments.APIKey,
		RetryDelay:    current.StreamRetryDelay,
		MaxReconnects: current.StreamMaxReconnects,
	}, &http.Client{}, clk, log)
}

type watchParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Factory    *tracker.Factory
	Events     *liveevents.Hub
	Reconciler *reconciler.Reconciler
	Gateway    *gateway.Client
	Guard      *ratelimit.PaymentGuard
	Clock      clock.Clock
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

func provideWatchManager(p watchParams) *watch.Manager {
	m := watch.New(watch.Params{
		Factory:    p.Factory,
		Events:     p.Events,
		Reconciler: p.Reconciler,
		Confirmer:  p.Gateway,
		Lock:       p.Guard,
		Clock:      p.Clock,
		Log:        p.Log,
		Metrics:    p.Metrics,
	})
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			m.Shutdown()
			return nil
		},
	})
	return m
}
