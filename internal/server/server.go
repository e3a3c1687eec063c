package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/clearpointsec/billing/internal/config"
	invoicedomain "github.com/clearpointsec/billing/internal/invoice/domain"
	"github.com/clearpointsec/billing/internal/observability"
	paymentdomain "github.com/clearpointsec/billing/internal/payment/domain"
	"github.com/clearpointsec/billing/internal/scheduler"
	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	WebhookSvc paymentdomain.Service
	SubSvc     subscriptiondomain.Service
	InvoiceSvc invoicedomain.Service
	Scheduler  *scheduler.Scheduler
	Metrics    *observability.Metrics
}

type Server struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.Config
	webhookSvc paymentdomain.Service
	subSvc     subscriptiondomain.Service
	invoiceSvc invoicedomain.Service
	scheduler  *scheduler.Scheduler
	metrics    *observability.Metrics
}

func New(p Params) *Server {
	return &Server{
		db:         p.DB,
		log:        p.Log.Named("server"),
		cfg:        p.Cfg,
		webhookSvc: p.WebhookSvc,
		subSvc:     p.SubSvc,
		invoiceSvc: p.InvoiceSvc,
		scheduler:  p.Scheduler,
		metrics:    p.Metrics,
	}
}

func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.registerRoutes(r)
	return r
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/healthz", s.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")

	api.POST("/webhooks/payplus/recurring", s.IngestRecurringWebhook)
	api.GET("/webhooks/payplus/recurring", s.WebhookLiveness)

	user := api.Group("/user")
	user.GET("/:userId/subscription/access", s.ValidateSubscriptionAccess)
	user.GET("/:userId/subscription/status", s.GetSubscriptionStatus)

	admin := api.Group("/admin")
	admin.POST("/subscriptions/:userId/sync", s.SyncSubscription)
	admin.GET("/subscriptions/:userId/verify", s.VerifySubscription)
	admin.POST("/subscriptions/:userId/verify", s.VerifyAndFixSubscription)
	admin.POST("/subscriptions/:userId/cancel", s.CancelSubscription)
	admin.POST("/quotes/convert", s.ConvertQuote)

	api.GET("/invoices/:id/pdf", s.RenderInvoicePDF)

	api.GET("/cron/subscription-manager", s.RunSubscriptionManager)
}

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var Module = fx.Module("server",
	fx.Provide(New),
	fx.Invoke(Start),
)

func Start(lc fx.Lifecycle, s *Server) {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				s.log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
