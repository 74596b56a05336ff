package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/telemedicine-scheduling/internal/api"
	"github.com/hackgods/telemedicine-scheduling/internal/appointment"
	"github.com/hackgods/telemedicine-scheduling/internal/clock"
	"github.com/hackgods/telemedicine-scheduling/internal/config"
	"github.com/hackgods/telemedicine-scheduling/internal/db"
	"github.com/hackgods/telemedicine-scheduling/internal/logger"
	"github.com/hackgods/telemedicine-scheduling/internal/notify"
	redisclient "github.com/hackgods/telemedicine-scheduling/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store", cfg.StoreDriver),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo   appointment.Repository
		checks []api.Check
	)

	switch cfg.StoreDriver {
	case config.StorePostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
		if err == nil {
			err = db.Migrate(pgCtx, pgPool)
		}
		cancelPg()
		if err != nil {
			log.Fatal("postgres setup error", zap.Error(err))
		}
		defer pgPool.Close()
		log.Info("connected to Postgres")

		repo = appointment.NewPgRepository(pgPool)
		checks = append(checks, api.Check{Name: "postgres", Critical: true, Ping: pingPostgres(pgPool)})
	default:
		log.Warn("using in-memory store, data is lost on restart")
		repo = appointment.NewMemoryRepository()
	}

	locker := redisclient.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.Connect(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Fatal("redis connection error", zap.Error(err))
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		}()
		log.Info("connected to Redis")

		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		checks = append(checks, api.Check{Name: "redis", Critical: true, Ping: pingRedis(rdb)})
	}

	var publisher notify.Publisher = notify.NewLogPublisher(log)
	if cfg.AMQPURL != "" {
		conn, err := notify.Dial(cfg.AMQPURL)
		if err != nil {
			log.Fatal("rabbitmq connection error", zap.Error(err))
		}
		defer conn.Close()

		amqpPub, err := notify.NewAMQPPublisher(conn, cfg.NotificationQueue)
		if err != nil {
			log.Fatal("rabbitmq publisher error", zap.Error(err))
		}
		defer amqpPub.Close()
		log.Info("publishing notifications to RabbitMQ", zap.String("queue", cfg.NotificationQueue))

		publisher = amqpPub
		// Notifications are best effort, so a broker outage only degrades readiness.
		checks = append(checks, api.Check{Name: "rabbitmq", Ping: func(context.Context) error {
			if conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}})
	}

	svc := appointment.NewService(repo, locker, publisher, clock.System(), cfg, log)

	var validator *api.TokenValidator
	if cfg.JWTSecret != "" {
		validator = api.NewTokenValidator(cfg.JWTSecret)
	} else {
		log.Warn("JWT_SECRET not set, trusting X-User-ID and X-User-Role headers")
	}

	router := api.NewRouter(api.RouterConfig{
		Service:        svc,
		Logger:         log,
		Metrics:        api.NewMetrics(),
		Checks:         checks,
		Validator:      validator,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimit:      cfg.RateLimitRPS,
		Env:            cfg.Env,
		Version:        cfg.Version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func pingPostgres(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		return pool.Ping(ctx)
	}
}

func pingRedis(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
