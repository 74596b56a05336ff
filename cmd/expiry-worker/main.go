package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

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

	if cfg.StoreDriver != config.StorePostgres {
		log.Fatal("expiry-worker needs the postgres store", zap.String("store", cfg.StoreDriver))
	}

	log.Info("expiry-worker starting up",
		zap.String("env", cfg.Env),
		zap.String("schedule", cfg.SweepSchedule),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

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
		publisher = amqpPub
	}

	repo := appointment.NewPgRepository(pgPool)
	svc := appointment.NewService(repo, redisclient.NewLocalLocker(), publisher, clock.System(), cfg, log)

	w := &worker{svc: svc, log: log, lastRun: time.Now()}

	// Run once at startup
	w.runOnce(rootCtx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.SweepSchedule, func() { w.runOnce(rootCtx) }); err != nil {
		log.Fatal("invalid sweep schedule", zap.String("schedule", cfg.SweepSchedule), zap.Error(err))
	}
	c.Start()

	<-rootCtx.Done()
	log.Info("shutdown signal received, stopping expiry worker")
	<-c.Stop().Done()
}

type worker struct {
	svc *appointment.Service
	log *zap.Logger

	mu      sync.Mutex
	lastRun time.Time
}

// runOnce sweeps lapsed holds and sends reminders for appointments that
// entered the reminder window since the previous run.
func (w *worker) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()

	swept, err := w.svc.SweepExpiredHolds(runCtx)
	if err != nil {
		w.log.Error("hold sweep failed", zap.Error(err))
	}

	w.mu.Lock()
	since := w.lastRun
	w.mu.Unlock()

	reminded, err := w.svc.SendReminders(runCtx, since, start)
	if err != nil {
		w.log.Error("reminder run failed", zap.Error(err))
	} else {
		w.mu.Lock()
		w.lastRun = start
		w.mu.Unlock()
	}

	w.log.Info("expiry run complete",
		zap.Int64("holds_swept", swept),
		zap.Int("reminders_sent", reminded),
		zap.Duration("took", time.Since(start)),
	)
}
