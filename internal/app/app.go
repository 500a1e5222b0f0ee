package app

import (
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/handlers"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/jobengine"
	"github.com/ternarybob/optionscan/internal/jobs/orchestrator"
	"github.com/ternarybob/optionscan/internal/services/definitions"
	"github.com/ternarybob/optionscan/internal/services/events"
	"github.com/ternarybob/optionscan/internal/services/scheduler"
	"github.com/ternarybob/optionscan/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Engine access and batch orchestration
	EngineClient *jobengine.Client
	Orchestrator *orchestrator.Orchestrator

	// Event-driven services
	EventService     interfaces.EventService
	SchedulerService *scheduler.Service

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	BatchHandler     *handlers.BatchHandler
	SchedulerHandler *handlers.SchedulerHandler
	WSHandler        *handlers.WebSocketHandler
}

// Option customizes New
type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithEngineHTTPClient overrides the HTTP client used to reach the engine
func WithEngineHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.EventService = events.NewService(app.Logger)
	if cfg.Logging.Level == "debug" || cfg.Logging.Level == "trace" {
		if err := events.SubscribeLoggerToAllEvents(app.EventService, app.Logger); err != nil {
			app.Logger.Warn().Err(err).Msg("Failed to subscribe event logger")
		}
	}

	if err := app.initServices(o); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("engine", cfg.Engine.BaseURL).
		Bool("scans_enabled", cfg.Scans.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Bool("in_memory", true).
		Msg("Storage layer initialized")
	return nil
}

// initServices builds the engine client, orchestrator and scheduler in dependency order
func (a *App) initServices(o *options) error {
	clientOpts := []jobengine.ClientOption{
		jobengine.WithBaseURL(a.Config.Engine.BaseURL),
		jobengine.WithDomain(a.Config.Engine.Domain),
		jobengine.WithRateLimit(a.Config.Engine.RateLimit),
		jobengine.WithLogger(a.Logger),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, jobengine.WithHTTPClient(o.httpClient))
	} else {
		clientOpts = append(clientOpts, jobengine.WithHTTPClient(&http.Client{
			Timeout: common.ParseDurationOr(a.Config.Engine.Timeout, jobengine.DefaultTimeout),
		}))
	}
	a.EngineClient = jobengine.NewClient(clientOpts...)

	orchConfig, err := orchestrator.FromConfig(a.Config)
	if err != nil {
		return err
	}
	a.Orchestrator = orchestrator.New(
		a.EngineClient,
		a.EventService,
		a.StorageManager.JobStorage(),
		a.StorageManager.BatchStorage(),
		orchConfig,
		a.Logger,
	)

	a.SchedulerService = scheduler.NewService(a.Orchestrator, a.Logger)
	if a.Config.Scans.Enabled {
		if _, err := definitions.RegisterDir(a.Config.Scans.DefinitionsDir, a.SchedulerService, a.Logger); err != nil {
			return fmt.Errorf("failed to load scan definitions: %w", err)
		}
	}

	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.BatchHandler = handlers.NewBatchHandler(
		a.Orchestrator,
		a.StorageManager.JobStorage(),
		a.StorageManager.BatchStorage(),
		a.Logger,
	)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Logger, &a.Config.WebSocket)
}

// StartScheduler starts firing scan schedules when scheduled scans are enabled
func (a *App) StartScheduler() error {
	if !a.Config.Scans.Enabled {
		a.Logger.Debug().Msg("Scheduled scans disabled")
		return nil
	}
	return a.SchedulerService.Start()
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop scheduler first so no new batches start during shutdown
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.Orchestrator != nil {
		if err := a.Orchestrator.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close orchestrator")
		}
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
			return err
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
