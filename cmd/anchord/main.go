package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/drivelane/fleettrust/internal/anchor"
	"github.com/drivelane/fleettrust/internal/batch"
	"github.com/drivelane/fleettrust/internal/heuristics"
	"github.com/drivelane/fleettrust/internal/notifier"
	"github.com/drivelane/fleettrust/internal/trust"
	"github.com/drivelane/fleettrust/pkg/common"
	"github.com/drivelane/fleettrust/pkg/config"
	"github.com/drivelane/fleettrust/pkg/database"
	"github.com/drivelane/fleettrust/pkg/health"
	"github.com/drivelane/fleettrust/pkg/logger"
	"github.com/drivelane/fleettrust/pkg/tracing"
)

const version = "1.4.2"

// anchord runs the anchoring dispatcher and the stale-trip watchdog off the
// request path. It exposes only health, metrics, and a manual sweep trigger.
func main() {
	cfg, err := config.Load("anchord")
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if err := cfg.ValidateAnchor(); err != nil {
		logger.Fatal("invalid anchoring configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Server.ServiceName, &cfg.Tracing)
	if err != nil {
		logger.Error("failed to init tracing", zap.Error(err))
	} else {
		defer shutdownTracing(context.Background())
	}

	pool, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close(pool)

	// watchdog needs the full validation path so force-closed trips still
	// get verdicts and trust adjustments
	trustSvc := trust.NewService(trust.NewRepository(pool), cfg.Trust.CASMaxAttempts)
	if cfg.NATS.Enabled {
		n, err := notifier.Connect(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			logger.Error("failed to connect to nats, notifications disabled", zap.Error(err))
		} else {
			defer n.Close()
			trustSvc.SetNotifier(n)
		}
	}
	engineCfg := heuristics.Config{
		MaxSpeedMPH:         cfg.Heuristics.MaxSpeedMPH,
		FraudScoreThreshold: cfg.Heuristics.FraudScoreThreshold,
		MaxRollbacks:        cfg.Heuristics.MaxRollbacks,
		RollbackWeight:      cfg.Heuristics.RollbackWeight,
		RateWeight:          cfg.Heuristics.RateWeight,
		TamperWeight:        cfg.Heuristics.TamperWeight,
	}
	if err := engineCfg.Validate(); err != nil {
		logger.Fatal("invalid heuristics configuration", zap.Error(err))
	}
	engine := heuristics.NewEngine(engineCfg)
	batchSvc := batch.NewService(batch.NewRepository(pool), batch.NewEngineEvaluator(engine), trustSvc, nil)

	submitTimeout := time.Duration(cfg.Anchor.SubmitTimeoutSecs) * time.Second
	client := anchor.NewHTTPLedgerClient(cfg.Anchor.LedgerURL, cfg.Anchor.LedgerAPIKey, submitTimeout)
	dispatcher := anchor.NewDispatcher(anchor.NewRepository(pool), client, cfg.Anchor.SweepBatchLimit, submitTimeout)

	go dispatcher.Run(ctx, time.Duration(cfg.Anchor.SweepIntervalSecs)*time.Second)
	go runWatchdog(ctx, batchSvc, time.Duration(cfg.Anchor.TripTimeoutMinutes)*time.Minute)

	srv := opsServer(cfg, pool, dispatcher)
	go func() {
		logger.Info("anchord ops server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("ops server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down anchord")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}

// runWatchdog periodically force-closes trips stuck active beyond the trip
// timeout so they are not lost to validation.
func runWatchdog(ctx context.Context, svc *batch.Service, tripTimeout time.Duration) {
	interval := tripTimeout / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("stale trip watchdog started",
		zap.Duration("trip_timeout", tripTimeout), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.ForceCompleteStale(ctx, tripTimeout); err != nil {
				logger.Error("watchdog pass failed", zap.Error(err))
			}
		}
	}
}

func opsServer(cfg *config.Config, pool *pgxpool.Pool, dispatcher *anchor.Dispatcher) *http.Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// the ledger probe is cached so a hot healthz endpoint cannot hammer the
	// external service
	ledgerCheck := health.NewCachedChecker(
		health.HTTPEndpointChecker(cfg.Anchor.LedgerURL+"/healthz"), 30*time.Second)

	router.GET("/healthz", common.HealthCheckWithDeps(cfg.Server.ServiceName, version, map[string]func() error{
		"database": health.DatabaseChecker(pool),
		"ledger":   ledgerCheck.Check,
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// manual on-demand sweep, used by admins alongside the batch retry
	// endpoint on the api service
	router.POST("/sweep", func(c *gin.Context) {
		result, err := dispatcher.Sweep(c.Request.Context())
		if err != nil {
			common.ErrorResponse(c, http.StatusInternalServerError, "sweep failed")
			return
		}
		common.SuccessResponse(c, result)
	})

	return &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
}
