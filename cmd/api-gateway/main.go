package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	_ "github.com/noah-isme/buildmaster-api/api/swagger"
	"github.com/noah-isme/buildmaster-api/internal/handler"
	"github.com/noah-isme/buildmaster-api/internal/repository"
	"github.com/noah-isme/buildmaster-api/internal/router"
	"github.com/noah-isme/buildmaster-api/internal/service"
	"github.com/noah-isme/buildmaster-api/pkg/cache"
	"github.com/noah-isme/buildmaster-api/pkg/config"
	"github.com/noah-isme/buildmaster-api/pkg/database"
	"github.com/noah-isme/buildmaster-api/pkg/jobs"
	"github.com/noah-isme/buildmaster-api/pkg/logger"
	"github.com/noah-isme/buildmaster-api/pkg/snapshot"
)

// @title Buildmaster Audit API
// @version 1.0.0
// @description Audit trail capture and query service
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const auditPoolName = "audit"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	metrics := service.NewMetricsService()
	checks := map[string]handler.ReadinessCheck{}

	var db *sqlx.DB
	if cfg.Audit.Store == config.StorePostgres || cfg.Database.Host != "" {
		conn, err := database.NewPostgres(ctx, cfg.Database)
		switch {
		case err == nil:
			db = conn
			defer db.Close()
			checks["postgres"] = db.PingContext
		case cfg.Audit.Store == config.StorePostgres:
			return fmt.Errorf("connect postgres: %w", err)
		default:
			logr.Warn("postgres unavailable, auth and user routes disabled", zap.Error(err))
		}
	}

	store, closeStore, err := openAuditStore(ctx, cfg, db, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis, cfg.Cache)
	if err != nil {
		logr.Warn("redis unavailable, statistics cache disabled", zap.Error(err))
	}
	cacheRepo := repository.NewCacheRepository(redisClient)
	defer cacheRepo.Close() //nolint:errcheck
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.DefaultTTL, logr, redisClient != nil)

	pool := jobs.NewPool(auditPoolName, jobs.PoolConfig{
		CoreWorkers: cfg.Audit.CoreWorkers,
		MaxWorkers:  cfg.Audit.MaxWorkers,
		QueueSize:   cfg.Audit.QueueSize,
		KeepAlive:   cfg.Audit.KeepAlive,
		Policy:      jobs.ParsePolicy(cfg.Audit.OverloadPolicy),
		Logger:      logr,
		Observer:    metrics,
	})
	metrics.TrackPoolQueue(auditPoolName, pool.Stats)
	pool.Start(context.Background())

	validate := validator.New()
	auditSvc := service.NewAuditService(store, pool, snapshot.NewConverter(logr), cacheSvc, metrics, logr)
	querySvc := service.NewAuditQueryService(store, cacheSvc, service.AuditQueryConfig{
		StatsCacheTTL: cfg.Audit.StatsCacheTTL,
		ExportLimit:   cfg.Audit.ExportLimit,
	}, logr)

	var userRepo *repository.UserRepository
	if db != nil {
		userRepo = repository.NewUserRepository(db)
		if err := userRepo.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure user schema: %w", err)
		}
	}

	authCfg := service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	}
	// Without Postgres the auth service only validates tokens.
	authSvc := service.NewAuthService(nil, auditSvc, validate, logr, authCfg)
	if userRepo != nil {
		authSvc = service.NewAuthService(userRepo, auditSvc, validate, logr, authCfg)
	}

	deps := router.Dependencies{
		Config:         cfg,
		Logger:         logr,
		Metrics:        metrics,
		Tokens:         authSvc,
		Audit:          auditSvc,
		AuditHandler:   handler.NewAuditHandler(querySvc, validate),
		MetricsHandler: handler.NewMetricsHandler(metrics, checks),
	}
	if userRepo != nil {
		deps.AuthHandler = handler.NewAuthHandler(authSvc)
		deps.UserHandler = handler.NewUserHandler(service.NewUserService(userRepo, auditSvc, validate, logr), validate)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router.New(deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "audit_store", cfg.Audit.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	httpCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logr.Warn("http shutdown incomplete", zap.Error(err))
	}

	poolCtx, cancelPool := context.WithTimeout(context.Background(), cfg.Audit.ShutdownTimeout)
	defer cancelPool()
	if err := pool.Shutdown(poolCtx); err != nil {
		stats := pool.Stats()
		logr.Warn("audit pool did not drain", zap.Int("queued", stats.Queued), zap.Error(err))
	}
	return nil
}

// openAuditStore selects the audit store named by AUDIT_STORE and prepares its schema.
func openAuditStore(ctx context.Context, cfg *config.Config, db *sqlx.DB, checks map[string]handler.ReadinessCheck) (repository.AuditStore, func(), error) {
	noop := func() {}

	switch cfg.Audit.Store {
	case config.StoreMongo:
		client, coll, err := database.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, noop, err
		}
		repo := repository.NewMongoAuditRepository(coll)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, noop, fmt.Errorf("ensure audit indexes: %w", err)
		}
		checks["mongo"] = mongoPing(client)
		return repo, func() { _ = client.Disconnect(context.Background()) }, nil
	case config.StoreMemory:
		return repository.NewMemoryAuditRepository(), noop, nil
	default:
		repo := repository.NewAuditRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, noop, fmt.Errorf("ensure audit schema: %w", err)
		}
		return repo, noop, nil
	}
}

func mongoPing(client *mongo.Client) handler.ReadinessCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	}
}
