package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoPolymarket/otcgate/internal/bootstrap"
	"github.com/GoPolymarket/otcgate/internal/config"
	"github.com/GoPolymarket/otcgate/internal/handler"
	"github.com/GoPolymarket/otcgate/internal/middleware"
	"github.com/GoPolymarket/otcgate/internal/notify"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/GoPolymarket/otcgate/internal/pricefeed"
	"github.com/GoPolymarket/otcgate/internal/repository"
	"github.com/GoPolymarket/otcgate/internal/service"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Logger (stdout, or a lumberjack-rotated file)
	logger.InitWithOptions(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Persistence
	db, err := repository.NewDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	logger.Info("✅ Connected to database", "driver", cfg.Database.Driver)

	var idemStore middleware.IdempotencyStore = repository.NewDBIdempotencyStore(db)
	var quoteStore repository.QuoteStore = repository.NewQuoteRepo(db)
	if cfg.Redis.Addr != "" {
		rdb, err := repository.NewRedisClient(cfg.Redis)
		if err == nil {
			logger.Info("✅ Connected to Redis")
			idemStore = repository.NewRedisIdempotencyStore(rdb, time.Duration(cfg.Redis.IdempotencyTTLSeconds)*time.Second)
			quoteStore = repository.NewCachedQuoteStore(quoteStore, rdb, time.Duration(cfg.Redis.QuoteCacheTTLSeconds)*time.Second)
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back to database", "error", err)
		}
	}

	var notifier notify.Publisher = notify.Noop{}
	if cfg.NATS.URL != "" {
		nc, err := notify.NewNATSPublisher(cfg.NATS)
		if err == nil {
			logger.Info("✅ Connected to NATS", "prefix", cfg.NATS.SubjectPrefix)
			notifier = nc
			defer nc.Close()
		} else {
			logger.Error("⚠️ Failed to connect to NATS, lifecycle events disabled", "error", err)
		}
	}

	// 3. Chains, prices and pool discovery
	chains, oracles, resetDetection := bootstrap.DialChains(ctx, cfg)

	static := pricefeed.NewStaticProviderFromConfig(cfg.PriceFeed.StaticPrices, cfg.PriceFeed.NativeUSDPrices)
	var prices pricefeed.Provider = static
	var stream *pricefeed.StreamService
	if cfg.PriceFeed.URL != "" {
		stream = pricefeed.NewStreamService(cfg.PriceFeed.URL, time.Duration(cfg.PriceFeed.MaxAgeSeconds)*time.Second)
		stream.Start()
		prices = pricefeed.Fallback{Primary: stream, Secondary: static}
	}

	// 4. Initialize Core Services
	consRepo := repository.NewConsignmentRepo(db)
	offerRepo := repository.NewOfferRepo(db)
	ledger := service.NewInventoryLedger(repository.NewInventoryRepo(db))
	quotes := service.NewQuoteService(quoteStore, consRepo, prices, cfg)
	quotes.SetChains(chains)
	resets := service.NewResetGate()

	offers := service.NewOfferService(service.OfferDeps{
		Offers:            offerRepo,
		Consignments:      consRepo,
		Deals:             repository.NewDealRepo(db),
		Quotes:            quotes,
		Ledger:            ledger,
		Prices:            prices,
		Chains:            chains,
		Resets:            resets,
		Notifier:          notifier,
		MaxSubmitAttempts: bootstrap.MaxSubmitAttempts(cfg),
	})
	recon := service.NewReconciler(service.ReconcilerDeps{
		Offers:         offerRepo,
		Tokens:         repository.NewTokenRepo(db),
		Cursors:        repository.NewCursorRepo(db),
		Ledger:         ledger,
		OfferSv:        offers,
		Quotes:         quotes,
		Chains:         chains,
		Oracle:         oracles,
		Resets:         resets,
		Notifier:       notifier,
		Config:         cfg.Reconcile,
		ResetDetection: resetDetection,
	})
	offers.SetTrigger(recon)
	go recon.Run(ctx)

	auditRepo := repository.NewAuditRepo(db)
	auditSvc := service.NewAuditService(auditRepo, cfg.Log.AuditFile)

	janitor := service.NewJanitor(time.Hour).
		Add("audit_logs", auditRepo, time.Duration(cfg.Database.AuditRetentionDays)*24*time.Hour).
		Add("idempotency_keys", repository.NewDBIdempotencyStore(db), time.Duration(cfg.Database.IdempotencyRetentionHours)*time.Hour)
	go janitor.Run(ctx)

	// 5. Setup Router
	r := gin.New()
	r.Use(gin.Recovery())

	// Global Middleware
	// a reset clears on the next reconcile pass
	r.Use(middleware.ErrorHandler(middleware.WithRetryAfter(apperrors.ErrChainReset, cfg.Reconcile.Interval())))
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.AuditMiddleware(auditSvc))
	r.Use(middleware.ReadOnlyMiddleware(cfg.Server.ReadOnly))
	r.Use(middleware.RateLimitMiddleware(middleware.NewIPLimiter(cfg.Server.RateLimitQPS, cfg.Server.RateBurst)))
	r.Use(middleware.IdempotencyMiddleware(idemStore))

	// Health Check
	r.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok", "service": "otcgate", "chains": chains.Names()}
		if stream != nil {
			status["price_stream_connected"] = stream.Connected()
		}
		if reset := resets.Snapshot(); len(reset) > 0 {
			status["resetting"] = reset
		}
		c.JSON(http.StatusOK, status)
	})

	// Metrics Endpoint
	if cfg.Server.MetricsPath != "" {
		r.GET(cfg.Server.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	handler.RegisterRoutes(r, handler.Handlers{
		Consignments: handler.NewConsignmentHandler(service.NewConsignmentService(consRepo, ledger, chains), chains),
		Offers:       handler.NewOfferHandler(offers),
		Quotes:       handler.NewQuoteHandler(quotes, offers),
		Admin:        handler.NewAdminHandler(offers, recon, chains),
		Audit:        handler.NewAuditHandler(auditSvc),
	}, middleware.AdminMiddleware(cfg))

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("🚀 OTCGate started", "port", cfg.Server.Port, "chains", chains.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if stream != nil {
		stream.Stop()
	}
	auditSvc.Close()

	logger.Info("Server exiting")
}
