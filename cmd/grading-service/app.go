package main

import (
	"context"
	"fmt"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/batch"
	"github.com/SAP-F-2025/grading-service/internal/cache"
	"github.com/SAP-F-2025/grading-service/internal/config"
	"github.com/SAP-F-2025/grading-service/internal/events"
	"github.com/SAP-F-2025/grading-service/internal/grading"
	"github.com/SAP-F-2025/grading-service/internal/metrics"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/queue"
	"github.com/SAP-F-2025/grading-service/internal/repositories"
	"github.com/SAP-F-2025/grading-service/internal/repositories/memory"
	"github.com/SAP-F-2025/grading-service/internal/repositories/postgres"
	"github.com/SAP-F-2025/grading-service/internal/results"
	"github.com/SAP-F-2025/grading-service/internal/router"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/SAP-F-2025/grading-service/internal/validator"
	"github.com/SAP-F-2025/grading-service/pkg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const escalationBuffer = 1024

// app owns every long-lived component; close releases them in reverse start order.
type app struct {
	cfg     *config.Config
	logger  utils.Logger
	metrics *metrics.Metrics

	repos     repositories.Repositories
	recorder  *router.AsyncRecorder
	cache     *cache.TieredManager
	manager   *batch.Manager
	bus       *events.JobBus
	publisher events.EventPublisher
	queue     *queue.Queue

	db    *gorm.DB
	redis *redis.Client
}

func buildApp(ctx context.Context, cfg *config.Config, logger utils.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewMetrics(reg)}

	if err := a.initRepositories(); err != nil {
		return nil, err
	}

	client, err := pkg.NewRedisClient(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.redis = client
	var l2 cache.L2Store
	if client != nil {
		l2 = cache.NewRedisStore(client, cfg.Cache.TTL, logger)
	}
	a.cache = cache.NewTieredManager(cache.Options{MaxEntries: cfg.Cache.MaxEntries, TTL: cfg.Cache.TTL}, l2, logger, a.metrics)

	v := validator.New()
	v.Batch().MaxQuestions = cfg.Grading.MaxQuestions
	thresholds := grading.Thresholds{Correct: cfg.Grading.CorrectThreshold, Partial: cfg.Grading.PartialThreshold}
	scorer := grading.NewScorer(thresholds)
	adapters := []grading.Adapter{
		grading.NewRuleAdapter(scorer, cfg.Grading.Rule.MaxBatchSize, cfg.Grading.Rule.Timeout),
	}
	localEnabled := cfg.Local.ClassifierURL != ""
	if localEnabled {
		local := grading.NewLocalAdapter(cfg.Local.ClassifierURL, scorer, v, logger,
			cfg.Grading.Local.MaxBatchSize, cfg.Grading.Local.Timeout)
		healthCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if version, err := local.Health(healthCtx); err != nil {
			// Chunks fall back to the rule engine until the sidecar comes up.
			logger.Warn("Local classifier not reachable", "url", cfg.Local.ClassifierURL, "error", err)
		} else {
			logger.Info("Local classifier ready", "url", cfg.Local.ClassifierURL, "model_version", version)
		}
		cancel()
		adapters = append(adapters, local)
	}
	remoteEnabled := cfg.Remote.APIKey != ""
	if remoteEnabled {
		adapters = append(adapters, grading.NewRemoteAdapter(grading.RemoteOptions{
			BaseURL:           cfg.Remote.BaseURL,
			APIKey:            cfg.Remote.APIKey,
			Model:             cfg.Remote.Model,
			Temperature:       cfg.Remote.Temperature,
			RequestsPerSecond: cfg.Remote.RequestsPerSecond,
			MaxBatchSize:      cfg.Grading.Remote.MaxBatchSize,
			Timeout:           cfg.Grading.Remote.Timeout,
		}, scorer, v, logger))
	}

	a.recorder = router.NewAsyncRecorder(a.repos.Escalations, logger, a.metrics, escalationBuffer)
	r := router.New(router.Options{
		Thresholds:    thresholds,
		HybridMode:    cfg.Grading.HybridMode,
		LocalEnabled:  localEnabled,
		RemoteEnabled: remoteEnabled,
	}, a.recorder, a.metrics)

	processor := results.NewProcessor(thresholds, v, logger, a.recorder)
	a.manager = batch.NewManager(adapters, r, a.cache, processor, scorer, v, batch.Options{
		Concurrency: map[models.EngineKind]int{
			models.EngineRule:   cfg.Grading.Rule.Concurrency,
			models.EngineLocal:  cfg.Grading.Local.Concurrency,
			models.EngineRemote: cfg.Grading.Remote.Concurrency,
		},
		DefaultConcurrency: cfg.Queue.MaxConcurrency,
	}, logger, a.metrics)

	slogger := utils.ToSlogLogger(logger)
	a.bus = events.NewJobBus(slogger)
	a.publisher, err = cfg.Events.CreateEventPublisher(slogger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	a.queue = queue.NewQueue(a.repos.Jobs, a.manager, a.bus, a.publisher, v, queue.Options{
		MinConcurrency:    cfg.Queue.MinConcurrency,
		MaxConcurrency:    cfg.Queue.MaxConcurrency,
		PollInterval:      cfg.Queue.PollInterval,
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		StaleAfter:        cfg.Queue.StaleAfter,
	}, logger, a.metrics)

	logger.Info("Grading pipeline ready",
		"engines", a.manager.Engines(),
		"hybrid", cfg.Grading.HybridMode,
		"database", cfg.DatabaseDriver,
		"redis", client != nil)
	return a, nil
}

func (a *app) initRepositories() error {
	switch a.cfg.DatabaseDriver {
	case "memory":
		a.repos = repositories.Repositories{
			Jobs:        memory.NewJobMemory(),
			Escalations: memory.NewEscalationMemory(),
		}
		return nil
	case "postgres", "":
		db, err := pkg.InitDatabase(a.cfg)
		if err != nil {
			return err
		}
		a.db = db
		a.repos = repositories.Repositories{
			Jobs:        postgres.NewJobPostgreSQL(db),
			Escalations: postgres.NewEscalationPostgreSQL(db),
		}
		return nil
	default:
		return fmt.Errorf("unknown database driver %q", a.cfg.DatabaseDriver)
	}
}

func (a *app) close() {
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("Failed to close event publisher", "error", err)
		}
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		if err := pkg.CloseDatabase(a.db); err != nil {
			a.logger.Warn("Failed to close database", "error", err)
		}
	}
}
