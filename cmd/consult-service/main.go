package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	intDatabase "consultlink-backend/internal/database"
	consultationHandler "consultlink-backend/internal/handler/http/consultation"
	wsHandler "consultlink-backend/internal/handler/ws"
	"consultlink-backend/internal/middleware"
	"consultlink-backend/internal/repository/cockroach"
	"consultlink-backend/internal/repository/memory"
	redisRepo "consultlink-backend/internal/repository/redis"
	"consultlink-backend/internal/service/consultation"
	"consultlink-backend/pkg/audit"
	"consultlink-backend/pkg/config"
	"consultlink-backend/pkg/constants"
	pkgDatabase "consultlink-backend/pkg/database"
	"consultlink-backend/pkg/email"
	"consultlink-backend/pkg/jwt"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
)

const (
	joinRateLimit  = 30
	joinRateWindow = time.Minute
	requestTimeout = 15 * time.Second
)

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
		Service:  cfg.Server.ServiceName,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	intDatabase.InitRedisMetrics(appMetrics.GetRegistry())

	// 2. Session storage
	var (
		sessions consultation.SessionRepository
		db       *pkgDatabase.CockroachDB
	)
	if cfg.Database.Enabled {
		db, err = connectCockroach(ctx, cfg)
		if err != nil {
			logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
		}
		defer db.Close()

		repo := cockroach.NewConsultationRepository(db.Pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to ensure consultation schema", zap.Error(err))
		}
		sessions = repo
		logger.Info("Connected to CockroachDB", zap.String("database", cfg.Database.Database))
	} else {
		sessions = memory.NewConsultationRepository()
		logger.Warn("DB_ENABLED=false, consultations are kept in memory only")
	}

	// 3. Redis: join cache, room slots, cross-instance signaling, audit trail
	var (
		redisDB    *intDatabase.RedisClient
		joinCache  consultation.JoinCache
		roomStore  wsHandler.RoomStore
		broker     wsHandler.SignalBroker
		revocation middleware.RevocationChecker
		auditLog   *audit.AuditLogger
	)
	if cfg.Redis.Enabled {
		redisDB, err = intDatabase.NewRedisDB(&intDatabase.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		})
		if err != nil {
			logger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisDB.Close()

		if err := redisDB.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unreachable at startup, running degraded", zap.Error(err))
		}
		redisDB.StartHealthCheck(ctx, 10*time.Second)

		joinCache = redisRepo.NewJoinCache(redisDB, cfg.Consultation.JoinCacheTTL)
		roomStore = redisRepo.NewRoomStore(redisDB, constants.RoomCapacity, cfg.Signaling.RoomTTL)
		broker = redisRepo.NewSignalBroker(redisDB)
		revocation = middleware.NewRedisRevocationChecker(redisDB)
		auditLog = audit.NewAuditLogger(redisDB.Client)
		logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr()))
	} else {
		localCache := memory.NewJoinCache(cfg.Consultation.JoinCacheTTL)
		defer localCache.StartCleanup(time.Minute)()
		joinCache = localCache
		roomStore = memory.NewRoomStore(constants.RoomCapacity)
		auditLog = audit.NewAuditLogger(nil)
		logger.Warn("REDIS_ENABLED=false, signaling is limited to this instance")
	}

	// 4. Email
	var sender email.Sender
	if cfg.SMTP.Host != "" {
		sender = email.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	} else {
		if cfg.Server.Environment == "production" {
			logger.Fatal("SMTP_HOST is required in production")
		}
		sender = &email.MockSender{}
		logger.Info("Using mock email sender")
	}

	// 5. Services and handlers
	consultSvc := consultation.NewService(sessions, joinCache, email.NewService(sender), auditLog, appMetrics,
		cfg.Server.PublicAppURL, cfg.Consultation.DefaultExpiresInHours)
	validator := consultation.NewValidator(sessions, joinCache, auditLog, appMetrics)
	consultHdlr := consultationHandler.NewHandler(consultSvc, validator)

	signalingHub := wsHandler.NewSignalingHub(wsHandler.HubConfig{
		MaxConnections: cfg.Signaling.MaxConnections,
		PingInterval:   cfg.Signaling.PingInterval,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, roomStore, broker, validator, consultSvc, jwtManager, auditLog, appMetrics)

	go consultSvc.RunExpirySweeper(ctx, cfg.Consultation.ExpirySweepInterval)

	// 6. Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to configure trusted proxies", zap.Error(err))
	}

	checks := map[string]middleware.HealthChecker{}
	if db != nil {
		checks["database"] = db.Pool.Ping
	}
	if redisDB != nil {
		checks["redis"] = func(ctx context.Context) error {
			if redisDB.IsDegraded() {
				return intDatabase.ErrDegraded
			}
			return nil
		}
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName, checks))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	consultations := router.Group("/v1/consultations")

	clinician := consultations.Group("")
	clinician.Use(middleware.Timeout(requestTimeout))
	clinician.Use(middleware.AuthMiddleware(jwtManager, revocation))
	clinician.Use(middleware.RequireRole(jwt.RoleDoctor))

	public := consultations.Group("")
	public.Use(middleware.Timeout(requestTimeout))
	public.Use(middleware.NewRateLimiter(redisDB, joinRateLimit, joinRateWindow).Middleware())

	consultHdlr.RegisterRoutes(clinician, public)

	// The signaling socket authenticates itself: join-link token for
	// patients, clinician JWT for doctors.
	consultations.GET("/ws/signaling", signalingHub.ServeWS)

	// 7. Serve until signalled
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Consultation service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment),
			zap.String("signaling", "/v1/consultations/ws/signaling"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()
	signalingHub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// connectCockroach dials with exponential backoff
func connectCockroach(ctx context.Context, cfg *config.Config) (*pkgDatabase.CockroachDB, error) {
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}

	const maxRetries = 5
	delay := time.Second

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var db *pkgDatabase.CockroachDB
		db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
		if err == nil {
			return db, nil
		}
		if attempt == maxRetries {
			break
		}
		logger.Warn("CockroachDB connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, err)
}
