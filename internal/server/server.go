package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/pixwatch/internal/checkout"
	checkoutdomain "github.com/smallbiznis/pixwatch/internal/checkout/domain"
	"github.com/smallbiznis/pixwatch/internal/config"
	"github.com/smallbiznis/pixwatch/internal/observability"
	obsmiddleware "github.com/smallbiznis/pixwatch/internal/observability/logger"
	"github.com/smallbiznis/pixwatch/internal/observability/tracing"
	"github.com/smallbiznis/pixwatch/internal/payment"
	paymentdomain "github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/payment/liveevents"
	"github.com/smallbiznis/pixwatch/internal/payment/watch"
	"github.com/smallbiznis/pixwatch/internal/ratelimit"
	"github.com/smallbiznis/pixwatch/internal/record"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 15 * time.Second

var Module = fx.Module("http.server",
	ratelimit.Module,
	record.Module,
	payment.Module,
	checkout.Module,
	fx.Provide(func(m *watch.Manager) PaymentWatcher { return m }),
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// PaymentWatcher is the tracking surface the HTTP handlers use.
type PaymentWatcher interface {
	Watch(ctx context.Context, chargeID paymentdomain.ChargeID) (watch.Snapshot, error)
	Snapshot(chargeID paymentdomain.ChargeID) (watch.Snapshot, error)
	Stop(chargeID paymentdomain.ChargeID) bool
	Reset(ctx context.Context, chargeID paymentdomain.ChargeID) (watch.Snapshot, error)
	ConfirmManually(ctx context.Context, chargeID paymentdomain.ChargeID) (watch.ConfirmResult, error)
}

// NewEngine builds the gin engine with the shared middleware chain. CORS is
// only installed when origins are configured.
func NewEngine(obsCfg observability.Config, corsOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  corsOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Last-Event-ID", "X-Correlation-Id"},
			ExposeHeaders: []string{"Retry-After", "X-Rate-Limited-Reason", "X-Correlation-Id"},
			MaxAge:        12 * time.Hour,
		}))
	}
	r.Use(tracing.GinMiddleware())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, cfg.CORSOrigins)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	checkoutSvc checkoutdomain.Service
	watcher     PaymentWatcher
	events      *liveevents.Hub
	guard       *ratelimit.PaymentGuard

	heartbeatInterval time.Duration
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	CheckoutSvc checkoutdomain.Service
	Watcher     PaymentWatcher
	Events      *liveevents.Hub         `optional:"true"`
	Guard       *ratelimit.PaymentGuard `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:            p.Gin,
		cfg:               p.Cfg,
		checkoutSvc:       p.CheckoutSvc,
		watcher:           p.Watcher,
		events:            p.Events,
		guard:             p.Guard,
		heartbeatInterval: defaultHeartbeatInterval,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.POST("/checkout", s.CheckoutRateLimit(), s.SubmitCheckout)

	api.GET("/payments/:id", s.GetPayment)
	api.POST("/payments/:id/watch", s.WatchPayment)
	api.GET("/payments/:id/events", s.StreamPaymentEvents)
	api.POST("/payments/:id/confirm", s.ConfirmPayment)
	api.DELETE("/payments/:id/tracking", s.StopPaymentTracking)
	api.POST("/payments/:id/reset", s.ResetPaymentTracking)

	api.GET("/bookings", s.ListBookings)
	api.DELETE("/bookings/:id", s.CancelBooking)
	api.GET("/cases", s.ListCases)
	api.DELETE("/cases/:id", s.CancelCase)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
