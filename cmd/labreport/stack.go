package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adverant/nexus/labreport-pipeline/internal/clients"
	"github.com/adverant/nexus/labreport-pipeline/internal/config"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/monitor"
	"github.com/adverant/nexus/labreport-pipeline/internal/processor"
	"github.com/adverant/nexus/labreport-pipeline/internal/processor/tesseract"
	"github.com/adverant/nexus/labreport-pipeline/internal/queue"
	"github.com/adverant/nexus/labreport-pipeline/internal/router"
	"github.com/adverant/nexus/labreport-pipeline/internal/scheduler"
	"github.com/adverant/nexus/labreport-pipeline/internal/session"
	"github.com/adverant/nexus/labreport-pipeline/internal/storage"
	"github.com/adverant/nexus/labreport-pipeline/internal/tracker"
)

// stack is every component of one CLI invocation. Redis and PostgreSQL are
// optional: when they are unreachable the pipeline runs without events,
// hand-off or persistence.
type stack struct {
	cfg       *config.Config
	prefs     *storage.PreferenceFile
	registry  *prometheus.Registry
	tracker   *tracker.Tracker
	client    *clients.AnalysisClient
	publisher *queue.RedisPublisher
	facility  *queue.Facility
	store     *storage.PostgresStore
	monitor   *monitor.Monitor
	router    *router.Router
	intake    *processor.Intake
	scheduler *scheduler.Scheduler
	session   *session.Manager
	logger    *logging.Logger
}

func uploadOptions() clients.UploadOptions {
	return clients.UploadOptions{PreferAccuracy: true}
}

func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	logger := logging.NewLogger("LabReport")
	s := &stack{
		cfg:      cfg,
		prefs:    storage.NewPreferenceFile(cfg.PreferencesFile, cfg.DefaultPreferences()),
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	s.tracker = tracker.New(
		tracker.WithRegisterer(s.registry),
		tracker.WithLogger(logging.NewLogger("Tracker")),
	)
	s.client = clients.NewAnalysisClient(cfg.AnalysisServiceURL,
		clients.WithAPIKey(cfg.AnalysisAPIKey),
		clients.WithPollInterval(cfg.StatusPollInterval),
	)
	s.intake = processor.NewIntake(cfg.MaxFileSize, logging.NewLogger("Intake"))

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if pub, err := queue.NewRedisPublisher(connectCtx, cfg.RedisURL, logging.NewLogger("Events")); err != nil {
		logger.Warn("Redis unavailable, running without events or background hand-off", "error", err)
	} else {
		s.publisher = pub
		if f, err := queue.NewFacility(cfg.RedisURL, logging.NewLogger("UploadFacility")); err != nil {
			logger.Warn("Background hand-off disabled", "error", err)
		} else {
			s.facility = f
		}
	}

	if cfg.DatabaseURL != "" {
		store, err := storage.NewPostgresStore(connectCtx, cfg.DatabaseURL)
		if err == nil {
			err = store.EnsureSchema(connectCtx)
			if err != nil {
				_ = store.Close()
			}
		}
		if err != nil {
			logger.Warn("PostgreSQL unavailable, results will not be persisted", "error", err)
		} else {
			s.store = store
		}
	}

	monOpts := []monitor.Option{monitor.WithLogger(logging.NewLogger("StatusMonitor"))}
	if s.publisher != nil {
		monOpts = append(monOpts, monitor.WithPublisher(s.publisher))
	}
	s.monitor = monitor.New(s.client, monOpts...)

	remote := monitor.NewRemotePath(s.client, s.monitor, uploadOptions(), logging.NewLogger("RemotePath"))
	local := router.NewLocalPath(
		tesseract.NewEngine(cfg.TesseractLanguages),
		processor.EngineConfig{Languages: cfg.TesseractLanguages, DPI: 300},
		logging.NewLogger("LocalPath"),
	)
	s.router = router.New(remote, local, s.tracker, logging.NewLogger("Router"))

	schedOpts := []scheduler.Option{
		scheduler.WithConcurrency(cfg.UploadConcurrency),
		scheduler.WithUploadOptions(uploadOptions()),
		scheduler.WithObserver(s.observeUpload),
		scheduler.WithLogger(logging.NewLogger("UploadScheduler")),
	}
	if cfg.StrictPriority {
		schedOpts = append(schedOpts, scheduler.WithStrictPriority())
	}
	if s.facility != nil {
		schedOpts = append(schedOpts, scheduler.WithFacility(s.facility))
	}
	s.scheduler = scheduler.New(s.client, schedOpts...)

	deps := session.Deps{
		Router:      s.router,
		Scheduler:   s.scheduler,
		Monitor:     s.monitor,
		Tracker:     s.tracker,
		Preferences: s.prefs,
		Intake:      s.intake,
		Logger:      logging.NewLogger("Session"),
	}
	// typed nils must not reach the interfaces
	if s.store != nil {
		deps.Store = s.store
	}
	if s.publisher != nil {
		deps.Events = s.publisher
	}

	m, err := session.New(deps)
	if err != nil {
		s.close(ctx)
		return nil, err
	}
	s.session = m
	return s, nil
}

func (s *stack) observeUpload(task models.UploadTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if s.publisher != nil {
		if err := s.publisher.PublishUploadTask(ctx, task); err != nil {
			s.logger.Debug("Failed to publish upload task", "task_id", task.ID, "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.SaveUploadTask(ctx, task); err != nil {
			s.logger.Debug("Failed to save upload task", "task_id", task.ID, "error", err)
		}
	}
}

// close stops the session, hands unfinished uploads off and releases
// connections. ctx bounds the scheduler's drain.
func (s *stack) close(ctx context.Context) {
	if s.session != nil {
		s.session.Close()
	}
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(ctx); err != nil {
			s.logger.Warn("Upload scheduler shutdown", "error", err)
		}
	}
	if s.monitor != nil {
		s.monitor.Close()
	}
	if s.facility != nil {
		_ = s.facility.Close()
	}
	if s.publisher != nil {
		_ = s.publisher.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}
