package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	intDatabase "callsession-backend/internal/database"
	"callsession-backend/internal/domain"
	callHandler "callsession-backend/internal/handler/http/call"
	pushHandler "callsession-backend/internal/handler/http/push"
	wsHandler "callsession-backend/internal/handler/ws"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/repository/cassandra"
	"callsession-backend/internal/repository/cockroach"
	"callsession-backend/internal/repository/memory"
	redisRepo "callsession-backend/internal/repository/redis"
	"callsession-backend/internal/service/call"
	signalBus "callsession-backend/internal/signal"
	"callsession-backend/pkg/config"
	pkgDatabase "callsession-backend/pkg/database"
	"callsession-backend/pkg/env"
	"callsession-backend/pkg/jwt"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/mediatoken"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/push"
)

func main() {
	if err := env.LoadDotEnv(); err != nil {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 1. Call store
	var (
		callRepo  call.CallRepository
		directory call.Directory
	)
	switch cfg.Store.Driver {
	case "cockroach":
		db, err := pkgDatabase.ConnectCockroachDB(ctx, cfg.Database, 5)
		if err != nil {
			logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
		}
		defer db.Close()
		if err := cockroach.Migrate(ctx, db.Pool); err != nil {
			logger.Fatal("Failed to migrate call schema", zap.Error(err))
		}
		callRepo = cockroach.NewCallRepository(db.Pool)
		directory = cockroach.NewDirectoryRepository(db.Pool)
	case "memory":
		dir := memory.NewDirectory()
		for _, raw := range cfg.Store.SeedUsers {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				logger.Fatal("Invalid MEMORY_SEED_USERS entry", zap.String("value", raw))
			}
			dir.AddUser(domain.User{UserID: id, Name: "user-" + raw})
		}
		callRepo = memory.NewCallRepository()
		directory = dir
		logger.Warn("Using in-memory call store, calls are lost on restart")
	}

	// 2. Redis with degraded mode support
	redisDB := intDatabase.NewRedisDB(cfg.Redis, appMetrics.GetRegistry())
	defer redisDB.Close()
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, running degraded", zap.Error(err))
	}
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 3. Call event journal
	var journal *cassandra.CallEventRepository
	if cfg.Cassandra.Enabled {
		cass, err := pkgDatabase.NewCassandraDB(cfg.Cassandra)
		if err != nil {
			logger.Fatal("Failed to connect to Cassandra", zap.Error(err))
		}
		defer cass.Close()
		journal = cassandra.NewCallEventRepository(cass.Session, appMetrics)
		if err := journal.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to create call event table", zap.Error(err))
		}
	}

	// 4. Push notifications
	pushProvider, err := push.NewProvider(ctx, cfg.Push)
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	if cfg.Server.Environment == "production" && pushProvider.Name() == "mock" {
		logger.Warn("Mock push provider in production, no device will be notified")
	}
	pushSvc := push.NewService(pushProvider, redisRepo.NewPushTokenRepository(redisDB.Client), appMetrics)

	// 5. Signalling fan-out
	bus := signalBus.MultiBus{
		signalBus.NewRedisBus(redisDB),
		signalBus.NewPushBus(pushSvc),
	}
	opts := []call.Option{call.WithRecorder(appMetrics)}
	if journal != nil {
		bus = append(bus, signalBus.NewJournalBus(journal))
		opts = append(opts, call.WithJournal(journal))
	}

	// 6. Call service
	tokens := mediatoken.NewBuilder(cfg.Media.AppID, cfg.Media.AppCertificate)
	if !tokens.Configured() {
		logger.Warn("Media credentials not configured, token issuance will fail")
	}
	callSvc := call.NewService(callRepo, directory, bus, tokens, call.Config{
		TokenTTL:    cfg.Media.TokenTTL,
		RingTimeout: cfg.Call.RingTimeout,
	}, opts...)
	go sweepRinging(ctx, callSvc, cfg.Call.SweepInterval)

	// 7. Handlers
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, 15*time.Minute)
	callHdlr := callHandler.NewHandler(callSvc)
	pushHdlr := pushHandler.NewHandler(pushSvc)
	eventsHub := wsHandler.NewEventsHub(redisDB, callSvc, cfg.Server.CORSOrigins, wsHandler.DefaultMaxConnections, appMetrics)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.CORSOrigins))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, middleware.NewRedisRevocationChecker(redisDB)))
	{
		// Event stream is long-lived and stays outside the request timeout
		v1.GET("/calls/ws/events", eventsHub.ServeWS)

		calls := v1.Group("/calls")
		calls.Use(middleware.RequestTimeout(middleware.DefaultRequestTimeout))
		initiateLimiter := middleware.NewRateLimiter(redisDB, "calls_initiate", cfg.Call.InitiateLimit, time.Minute, appMetrics)
		callHdlr.RegisterRoutes(calls, initiateLimiter.Middleware())

		pushTokens := v1.Group("/push/tokens")
		pushTokens.Use(middleware.RequestTimeout(middleware.DefaultRequestTimeout))
		pushHdlr.RegisterRoutes(pushTokens)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
			zap.Bool("journal", journal != nil),
			zap.String("push_provider", pushProvider.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down call service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	eventsHub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}

// sweepRinging expires calls nobody answered within the ring timeout
func sweepRinging(ctx context.Context, svc *call.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ExpireRinging(ctx)
			if err != nil {
				logger.Warn("Ring timeout sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Expired unanswered calls", zap.Int("count", n))
			}
		}
	}
}
