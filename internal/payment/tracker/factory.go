package tracker

import (
	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/config"
	"github.com/smallbiznis/pixwatch/internal/observability/metrics"
	"github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/payment/stream"
	"go.uber.org/zap"
)

// Factory builds trackers that share one stream hub. Each tracker reads the
// tracking config current at creation time.
type Factory struct {
	hub     *stream.Hub
	fetcher domain.StatusFetcher
	clock   clock.Clock
	cfg     *config.TrackingConfigHolder
	log     *zap.Logger
	metrics *metrics.TrackingMetrics
}

func NewFactory(hub *stream.Hub, fetcher domain.StatusFetcher, clk clock.Clock, cfg *config.TrackingConfigHolder, log *zap.Logger, m *metrics.TrackingMetrics) *Factory {
	return &Factory{hub: hub, fetcher: fetcher, clock: clk, cfg: cfg, log: log, metrics: m}
}

func (f *Factory) New(cb Callbacks) *Tracker {
	return New(f.hub, f.fetcher, f.clock, ConfigFromTracking(f.cfg.Get()), cb, f.log, f.metrics)
}
