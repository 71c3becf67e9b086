package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/timeout"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/drivelane/fleettrust/internal/batch"
	"github.com/drivelane/fleettrust/internal/heuristics"
	"github.com/drivelane/fleettrust/internal/notifier"
	"github.com/drivelane/fleettrust/internal/trust"
	"github.com/drivelane/fleettrust/pkg/common"
	"github.com/drivelane/fleettrust/pkg/config"
	"github.com/drivelane/fleettrust/pkg/database"
	"github.com/drivelane/fleettrust/pkg/health"
	"github.com/drivelane/fleettrust/pkg/logger"
	"github.com/drivelane/fleettrust/pkg/middleware"
	"github.com/drivelane/fleettrust/pkg/ratelimit"
	"github.com/drivelane/fleettrust/pkg/redis"
	"github.com/drivelane/fleettrust/pkg/tracing"
)

const version = "1.4.2"

func main() {
	cfg, err := config.Load("api")
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

	if cfg.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     "fleettrust@" + version,
		}); err != nil {
			logger.Error("failed to init sentry", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()
	shutdownTracing, err := tracing.Init(ctx, cfg.Server.ServiceName, &cfg.Tracing)
	if err != nil {
		logger.Error("failed to init tracing", zap.Error(err))
	} else {
		defer shutdownTracing(ctx)
	}

	if err := database.Migrate(&cfg.Database, "migrations"); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	pool, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close(pool)

	redisClient, err := redis.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	// trust ledger
	trustRepo := trust.NewRepository(pool)
	trustSvc := trust.NewService(trustRepo, cfg.Trust.CASMaxAttempts)
	trustSvc.SetCache(trust.NewRedisScoreCache(redisClient.Client, time.Duration(cfg.Trust.CacheTTLSecs)*time.Second))

	var natsNotifier *notifier.NATSNotifier
	if cfg.NATS.Enabled {
		natsNotifier, err = notifier.Connect(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			// notifications are best-effort, the ledger works without them
			logger.Error("failed to connect to nats, notifications disabled", zap.Error(err))
		} else {
			defer natsNotifier.Close()
			trustSvc.SetNotifier(natsNotifier)
		}
	}
	trustHandler := trust.NewHandler(trustSvc)

	// batch intake and validation
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
	batchRepo := batch.NewRepository(pool)
	batchSvc := batch.NewService(batchRepo, batch.NewEngineEvaluator(engine), trustSvc, nil)
	batchSvc.SetCache(redisClient.Client)
	batchHandler := batch.NewHandler(batchSvc)

	checks := map[string]func() error{
		"database": health.DatabaseChecker(pool),
		"redis":    health.RedisChecker(redisClient.Client),
	}
	if natsNotifier != nil {
		checks["nats"] = health.NATSChecker(natsNotifier.Conn())
	}
	router := buildRouter(cfg, redisClient, trustHandler, batchHandler, checks)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("api server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}

func buildRouter(cfg *config.Config, redisClient *redis.Client, trustHandler *trust.Handler, batchHandler *batch.Handler, checks map[string]func() error) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics(cfg.Server.ServiceName))
	if cfg.Sentry.Enabled {
		router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.Server.CORSOrigins, ",")
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", trust.ActorHeader, ratelimit.DeviceIDHeader}
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", common.HealthCheckWithDeps(cfg.Server.ServiceName, version, checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.Use(middleware.MaxBodySize(1 << 20))
	api.Use(timeout.New(
		timeout.WithTimeout(time.Duration(cfg.Server.RequestTimeout)*time.Second),
		timeout.WithHandler(func(c *gin.Context) { c.Next() }),
		timeout.WithResponse(func(c *gin.Context) {
			common.ErrorResponse(c, http.StatusRequestTimeout, "request timed out")
		}),
	))

	// device ingestion is rate limited per device; admin reads are not
	limiter := ratelimit.NewLimiter(redisClient.Client, cfg.RateLimit)
	device := api.Group("")
	device.Use(limiter.Middleware())
	batchHandler.RegisterRoutes(device)

	trustHandler.RegisterRoutes(api)

	return router
}
