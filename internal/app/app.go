package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/pipeline"
	"github.com/ternarybob/brainrot/internal/server"
	"github.com/ternarybob/brainrot/internal/services/events"
	"github.com/ternarybob/brainrot/internal/services/llm"
	"github.com/ternarybob/brainrot/internal/services/media"
	"github.com/ternarybob/brainrot/internal/services/messaging"
	"github.com/ternarybob/brainrot/internal/services/scheduler"
	"github.com/ternarybob/brainrot/internal/storage"
	"github.com/ternarybob/brainrot/internal/worker"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Collaborators
	EventService *events.Service
	Messenger    interfaces.Messenger
	Runner       media.Runner
	Summarizer   *llm.Summarizer
	Archive      interfaces.JobArchive // nil when storage.badger.enabled is false

	// Pipeline
	Dispatcher  *pipeline.Dispatcher
	Coordinator *pipeline.Coordinator
	Listener    *pipeline.Listener

	SchedulerService *scheduler.Service
	Server           *server.Server // nil when server.enabled is false

	errs chan error
}

// New initializes the application with all dependencies. Nothing runs
// until Start is called.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
		errs:      make(chan error, 2),
	}

	if err := app.initServices(); err != nil {
		app.closeServices()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initPipeline(); err != nil {
		app.closeServices()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if err := app.initMaintenance(); err != nil {
		app.closeServices()
		return nil, fmt.Errorf("failed to initialize maintenance jobs: %w", err)
	}

	if cfg.Server.Enabled {
		app.Server = server.New(server.Deps{
			Pipeline:  app.Coordinator,
			Archive:   app.Archive,
			Scheduler: app.SchedulerService,
		}, cfg.Server, logger)
	}

	logger.Info().
		Str("transport", cfg.Messaging.Transport).
		Str("llm_provider", string(cfg.LLM.Provider)).
		Bool("archive_enabled", app.Archive != nil).
		Bool("server_enabled", cfg.Server.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initServices creates the external collaborators: event bus, messaging
// transport, media tools, summarizer and archive
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeJobLogger(a.EventService, a.Logger); err != nil {
		return fmt.Errorf("failed to subscribe job logger: %w", err)
	}

	messenger, err := messaging.NewMessenger(a.Config.Messaging, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create messenger: %w", err)
	}
	a.Messenger = messenger

	runner := media.NewExecRunner(a.Logger)
	a.Runner = runner

	summarizer, err := llm.NewSummarizerFromConfig(a.ctx, a.Config, runner, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create summarizer: %w", err)
	}
	a.Summarizer = summarizer

	archive, err := storage.NewJobArchive(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to open job archive: %w", err)
	}
	a.Archive = archive

	a.Logger.Debug().
		Str("ytdlp", a.Config.Media.YtDlpPath).
		Str("ffmpeg", a.Config.Media.FFmpegPath).
		Str("whisper", a.Config.Media.WhisperPath).
		Msg("Services initialized")
	return nil
}

// initPipeline registers the stage executors and builds the coordinator
func (a *App) initPipeline() error {
	cfg := a.Config

	registry := pipeline.NewRegistry(pipeline.StageSettingsFromConfig(cfg.Pipeline.Stages), a.Logger)
	registry.Register(pipeline.NewDownloadStage(media.NewYtDlp(cfg.Media, a.Runner, a.Logger)))
	registry.Register(pipeline.NewExtractStage(media.NewFFmpegExtractor(cfg.Media, a.Runner, a.Logger)))
	registry.Register(pipeline.NewTranscribeStage(media.NewWhisperTranscriber(cfg.Media, a.Runner, a.Logger)))
	registry.Register(pipeline.NewSummarizeStage(a.Summarizer))

	a.Dispatcher = pipeline.NewDispatcher(a.Messenger, pipeline.DispatcherConfig{
		MaxLength: cfg.Reply.MaxLength,
		Quote:     cfg.Reply.Quote,
		SendRate:  cfg.Messaging.SendRate,
		SendBurst: cfg.Messaging.SendBurst,
	}, a.Logger)
	registry.Register(pipeline.NewReplyStage(a.Dispatcher))

	dedup := pipeline.NewDedupIndex(
		common.ParseDurationOr(cfg.Dedup.Window, 10*time.Minute),
		pipeline.DedupScope(cfg.Dedup.Scope),
	)

	pool := worker.NewWorkerPool(a.Logger, cfg.Pipeline.Workers)

	a.Coordinator = pipeline.NewCoordinator(
		pipeline.NewJobStore(),
		dedup,
		registry,
		a.Dispatcher,
		pool,
		a.EventService,
		a.Archive,
		pipeline.CoordinatorConfig{
			MaxHeavyJobs:  cfg.Pipeline.MaxHeavyJobs,
			JobBudget:     common.ParseDurationOr(cfg.Pipeline.JobBudget, 0),
			Retention:     common.ParseDurationOr(cfg.Pipeline.Retention, 10*time.Minute),
			WorkDir:       cfg.Pipeline.WorkDir,
			KeepArtifacts: cfg.Pipeline.KeepArtifacts,
		},
		a.Logger,
	)

	a.Listener = pipeline.NewListener(a.Messenger, a.Coordinator, cfg.Messaging.AllowedSenders, a.Logger)

	common.RegisterCrashSection("pipeline", a.pipelineCrashState)
	return nil
}

// pipelineCrashState reports coordinator counters for crash files, giving
// up if the coordinator lock is held by the crashing goroutine
func (a *App) pipelineCrashState() string {
	stats := make(chan pipeline.Stats, 1)
	go func() { stats <- a.Coordinator.Stats() }()

	select {
	case s := <-stats:
		data, err := json.Marshal(s)
		if err != nil {
			return err.Error()
		}
		return string(data)
	case <-time.After(time.Second):
		return "coordinator locked"
	}
}

// initMaintenance registers the periodic sweeps
func (a *App) initMaintenance() error {
	a.SchedulerService = scheduler.NewService(a.Logger)
	retention := common.ParseDurationOr(a.Config.Pipeline.Retention, 10*time.Minute)

	if spec := a.Config.Maintenance.SweepSchedule; spec != "" {
		err := a.SchedulerService.Register(scheduler.Job{
			Name:        "pipeline-sweep",
			Schedule:    spec,
			Description: "Abort jobs over budget, drop expired terminal jobs and dedup entries",
			Run: func(ctx context.Context) error {
				a.Coordinator.Sweep()
				if n := a.Dispatcher.Prune(retention); n > 0 {
					a.Logger.Debug().Int("pruned", n).Msg("Dispatch records pruned")
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
	}

	keep := common.ParseDurationOr(a.Config.Storage.ArchiveRetention, 0)
	if a.Archive != nil && a.Config.Maintenance.ArchiveSchedule != "" && keep > 0 {
		err := a.SchedulerService.Register(scheduler.Job{
			Name:        "archive-prune",
			Schedule:    a.Config.Maintenance.ArchiveSchedule,
			Description: "Delete archived jobs older than the archive retention",
			Timeout:     5 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.Archive.Prune(ctx, time.Now().Add(-keep))
				return err
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Start runs the coordinator, the maintenance schedule, the listener and
// the status server
func (a *App) Start() error {
	a.Coordinator.Start()

	if err := a.SchedulerService.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	common.SafeGo(a.Logger, "listener", func() {
		if err := a.Listener.Run(a.ctx); err != nil {
			a.Logger.Error().Err(err).Msg("Listener stopped")
			a.report(fmt.Errorf("listener: %w", err))
		}
	})

	if a.Server != nil {
		common.SafeGo(a.Logger, "status-server", func() {
			if err := a.Server.Start(); err != nil {
				a.Logger.Error().Err(err).Msg("Status server failed")
				a.report(err)
			}
		})
	}

	a.Logger.Info().Msg("Brainrot bot running")
	return nil
}

// Errors reports fatal runtime failures, such as the messaging transport exiting
func (a *App) Errors() <-chan error {
	return a.errs
}

func (a *App) report(err error) {
	select {
	case a.errs <- err:
	default:
	}
}

// Close stops intake first, then drains the pipeline until ctx expires,
// then releases the collaborators
func (a *App) Close(ctx context.Context) error {
	a.Logger.Info().Msg("Shutting down")

	// Stop intake
	a.cancelCtx()

	var errs []error
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.Coordinator != nil {
		a.Coordinator.Stop(ctx)
	}

	if err := a.closeServices(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeServices releases whatever initServices managed to create
func (a *App) closeServices() error {
	a.cancelCtx()

	var errs []error
	if a.Messenger != nil {
		if err := a.Messenger.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close messenger")
		}
		a.Messenger = nil
	}

	if a.Summarizer != nil {
		if err := a.Summarizer.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close summarizer")
		}
		a.Summarizer = nil
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
		a.EventService = nil
	}

	if a.Archive != nil {
		if err := a.Archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close archive: %w", err))
		} else {
			a.Logger.Info().Msg("Job archive closed")
		}
		a.Archive = nil
	}

	return errors.Join(errs...)
}
