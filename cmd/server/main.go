package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"sepa-collections-backend/internal/alerts"
	"sepa-collections-backend/internal/bankfeed"
	"sepa-collections-backend/internal/config"
	"sepa-collections-backend/internal/lock"
	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/psp"
	"sepa-collections-backend/internal/queue"
	"sepa-collections-backend/internal/repository"
	"sepa-collections-backend/internal/routes"
	"sepa-collections-backend/internal/services/batch"
	"sepa-collections-backend/internal/services/mandate"
	"sepa-collections-backend/internal/services/payment"
	"sepa-collections-backend/internal/services/reconciliation"
	"sepa-collections-backend/internal/worker"
)

func main() {
	// Load .env
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := config.NewLogger(cfg.LogLevel)
	if envErr != nil {
		log.Info("no .env file found, relying on system env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := config.InitDB(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("database unavailable")
	}

	var locker lock.Locker = lock.NewLocalLocker()
	rdb, err := config.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("redis unavailable")
	}
	if rdb != nil {
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb)
	} else {
		log.Warn("REDIS_ADDRESS not set, condominium locks are in-process only")
	}

	var publisher alerts.Publisher
	if cfg.Alerts.PubSubProjectID != "" && cfg.Alerts.PubSubTopic != "" {
		p, err := alerts.NewPubSubPublisher(ctx, cfg.Alerts.PubSubProjectID, cfg.Alerts.PubSubTopic, cfg.Alerts.CredentialsJSON)
		if err != nil {
			log.WithError(err).Fatal("pubsub unavailable")
		}
		defer p.Close()
		publisher = p
	}
	alertService := alerts.NewService(repository.NewActionItemRepository(db), publisher, log)

	tracker := payment.NewTracker(repository.NewInstructionRepository(db), repository.NewBatchRepository(db), log)

	jobs := queue.New(db, cfg.Queue, log)
	jobs.OnPoison(func(ctx context.Context, job models.BatchJob, cause error) {
		if _, err := alertService.Raise(ctx, alerts.Alert{
			Kind:          models.ActionJobPoisoned,
			CondominiumID: job.CondominiumID,
			SubjectID:     job.ID.String(),
			Detail:        map[string]string{"batch_id": job.BatchID.String(), "error": cause.Error()},
		}); err != nil {
			config.LogError(log, "main", "OnPoison", "raise action item", job.ID, err)
		}
	})

	builder := batch.NewBuilder(batch.Deps{
		DB:      db,
		Tracker: tracker,
		Queue:   jobs,
		Locker:  locker,
		Alerts:  alertService,
		Log:     log,
		Config:  cfg.Queue,
	})

	var importer bankfeed.Importer
	if cfg.BankFeed.BaseURL != "" {
		importer = bankfeed.NewClient(cfg.BankFeed)
	} else {
		log.Warn("BANK_FEED_BASE_URL not set, only CSV statements can be reconciled")
	}
	reconService := reconciliation.NewService(reconciliation.Deps{
		DB:       db,
		Tracker:  tracker,
		Importer: importer,
		Alerts:   alertService,
		Log:      log,
		Config:   cfg.Reconciliation,
	})

	var (
		pool       *worker.Pool
		dispatched = make(chan struct{})
	)
	if cfg.Queue.WorkersEnabled {
		submitter := worker.NewBatchSubmitter(worker.SubmitterDeps{
			DB:         db,
			Tracker:    tracker,
			PSP:        psp.NewClient(cfg.PSP),
			Queue:      jobs,
			Alerts:     alertService,
			Log:        log,
			PSPTimeout: cfg.PSP.Timeout,
		})
		pool = worker.NewPool(cfg.Queue.WorkerCount, cfg.Queue.QueueSize, cfg.Queue.LockTTL, submitter.Process, log)
		pool.Start()
		dispatcher := worker.NewDispatcher(jobs, pool, cfg.Queue, log)
		go func() {
			defer close(dispatched)
			if err := dispatcher.Run(ctx); err != nil {
				log.WithError(err).Error("dispatcher stopped")
			}
		}()
	} else {
		close(dispatched)
		log.Info("queue workers disabled on this instance")
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	// CORS config
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-Actor"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	routes.RegisterRoutes(r, routes.Services{
		Tracker:        tracker,
		Mandates:       mandate.NewService(db, log),
		Builder:        builder,
		Reconciliation: reconService,
		Alerts:         alertService,
	}, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("port", cfg.Server.Port).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown")
	}
	<-dispatched
	if pool != nil {
		pool.Shutdown(30 * time.Second)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	log.Info("stopped")
}
