package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/clinicpay/internal/audit"
	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	"github.com/smallbiznis/clinicpay/internal/config"
	"github.com/smallbiznis/clinicpay/internal/observability"
	obsmiddleware "github.com/smallbiznis/clinicpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/clinicpay/internal/observability/tracing"
	"github.com/smallbiznis/clinicpay/internal/patient"
	"github.com/smallbiznis/clinicpay/internal/payment"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	"github.com/smallbiznis/clinicpay/internal/providers"
	"github.com/smallbiznis/clinicpay/internal/ratelimit"
	"github.com/smallbiznis/clinicpay/internal/reconciliation"
	reconciliationdomain "github.com/smallbiznis/clinicpay/internal/reconciliation/domain"
	"github.com/smallbiznis/clinicpay/internal/sale"
	"github.com/smallbiznis/clinicpay/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	patient.Module,
	session.Module,
	sale.Module,
	payment.Module,
	reconciliation.Module,
	providers.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	engine            *gin.Engine
	cfg               config.Config
	log               *zap.Logger
	auditSvc          auditdomain.Service
	paymentSvc        paymentdomain.Service
	reconciliationSvc reconciliationdomain.Service
	obsMetrics        *obsmetrics.Metrics
	importLimiter     *ratelimit.ImportLimiter
}

type ServerParams struct {
	fx.In

	Gin               *gin.Engine
	Cfg               config.Config
	Log               *zap.Logger
	AuditSvc          auditdomain.Service
	PaymentSvc        paymentdomain.Service
	ReconciliationSvc reconciliationdomain.Service
	ObsMetrics        *obsmetrics.Metrics      `optional:"true"`
	ImportLimiter     *ratelimit.ImportLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:            p.Gin,
		cfg:               p.Cfg,
		log:               p.Log.Named("http.server"),
		auditSvc:          p.AuditSvc,
		paymentSvc:        p.PaymentSvc,
		reconciliationSvc: p.ReconciliationSvc,
		obsMetrics:        p.ObsMetrics,
		importLimiter:     p.ImportLimiter,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payments --------
	api.POST("/payments", s.CreatePayment)
	api.GET("/payments/summary", s.GetPaymentsSummary)
	api.GET("/payments/:id", s.GetPaymentByID)
	api.GET("/payments/:id/allocations", s.ListPaymentAllocations)
	api.GET("/payments/:id/receipt", s.GetPaymentReceipt)
	api.POST("/payments/:id/allocations", s.AllocatePayment)
	api.POST("/payments/:id/refund", s.RefundPayment)
	api.POST("/payments/:id/void", s.VoidPayment)

	// -------- Patients --------
	api.GET("/patients/:id/payments", s.ListPatientPayments)

	// -------- Reconciliation --------
	recon := api.Group("/reconciliation")
	{
		recon.POST("/batches", s.IngestBatch)
		recon.POST("/batches/upload", s.ImportUploadRateLimit(), s.UploadBatch)
		recon.GET("/batches", s.ListBatches)
		recon.GET("/batches/:id", s.GetBatchByID)
		recon.GET("/batches/:id/transactions", s.ListBatchTransactions)
		recon.POST("/batches/:id/auto-match", s.AutoMatchBatch)
		recon.POST("/transactions/:id/reconcile", s.ReconcileTransaction)
		recon.GET("/summary", s.GetReconciliationSummary)
	}

	// -------- Audit --------
	api.GET("/audit-logs", s.ListAuditLogs)

	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
