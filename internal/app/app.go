// -----------------------------------------------------------------------
// App - dependency wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/fresco/internal/activities"
	"github.com/ternarybob/fresco/internal/balancer"
	"github.com/ternarybob/fresco/internal/comfy"
	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/handlers"
	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/registry"
	badgerstore "github.com/ternarybob/fresco/internal/storage/badger"
	"github.com/ternarybob/fresco/internal/storage/files"
	"github.com/ternarybob/fresco/internal/temporal"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	FileStore      *files.Store
	Registry       *registry.Registry
	Balancer       *balancer.Balancer
	Activities     *activities.Activities

	TemporalClient client.Client
	Worker         worker.Worker

	sweeper *cron.Cron

	// HTTP handlers
	WorkflowHandler *handlers.WorkflowHandler
	ChainHandler    *handlers.ChainHandler
	JobHandler      *handlers.JobHandler
	BackendHandler  *handlers.BackendHandler
	ApprovalHandler *handlers.ApprovalHandler
	StatusHandler   *handlers.StatusHandler
}

// backendsFile is the YAML document listing render backends
type backendsFile struct {
	Backends []struct {
		Address string `yaml:"address"`
	} `yaml:"backends"`
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	storageManager, err := badgerstore.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.StorageManager = storageManager

	fileStore, err := files.NewStore(cfg.Artifacts.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	app.FileStore = fileStore

	app.Registry = registry.NewRegistry(cfg.Templates.Dir, logger)
	if err := app.Registry.Load(); err != nil {
		return nil, fmt.Errorf("failed to load workflow templates: %w", err)
	}

	addresses, err := app.backendAddresses()
	if err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		logger.Warn().Msg("No render backends configured")
	}
	app.Balancer = balancer.New(addresses, func(address string) *comfy.Client {
		return comfy.NewClient(address, "fresco-health", cfg.Backends.RequestTimeout)
	}, cfg.Backends.RequestTimeout, cfg.Backends.RefreshRate)

	app.Activities = activities.NewActivities(app.Balancer, app.Registry, app.StorageManager, app.FileStore, cfg)

	temporalClient, err := temporal.Dial(&cfg.Temporal)
	if err != nil {
		return nil, err
	}
	app.TemporalClient = temporalClient
	app.Worker = temporal.NewWorker(temporalClient, cfg.Temporal.TaskQueue, app.Activities)

	app.WorkflowHandler = handlers.NewWorkflowHandler(app.Registry, app.StorageManager, temporalClient, cfg)
	app.ChainHandler = handlers.NewChainHandler(app.StorageManager, app.Registry, temporalClient, cfg)
	app.JobHandler = handlers.NewJobHandler(app.StorageManager, app.FileStore, cfg)
	app.BackendHandler = handlers.NewBackendHandler(app.Balancer)
	app.ApprovalHandler = handlers.NewApprovalHandler(app.StorageManager, app.Registry, temporalClient)
	app.StatusHandler = handlers.NewStatusHandler(app.Registry)

	if cfg.Sweep.Enabled {
		if err := app.initSweeper(); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// backendAddresses merges the inline config list with the YAML pool file.
// A missing file is not an error; backends can be configured either way.
func (a *App) backendAddresses() ([]string, error) {
	seen := make(map[string]bool)
	var addresses []string
	add := func(addr string) {
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		addresses = append(addresses, addr)
	}

	for _, addr := range a.Config.Backends.Addresses {
		add(addr)
	}

	if path := a.Config.Backends.File; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read backends file %s: %w", path, err)
			}
		} else {
			var pool backendsFile
			if err := yaml.Unmarshal(data, &pool); err != nil {
				return nil, fmt.Errorf("failed to parse backends file %s: %w", path, err)
			}
			for _, b := range pool.Backends {
				add(b.Address)
			}
		}
	}
	return addresses, nil
}

// initSweeper schedules the artifact-file sweep. Files still referenced by a
// non-terminal job are never removed regardless of age.
func (a *App) initSweeper() error {
	a.sweeper = cron.New(cron.WithSeconds())
	_, err := a.sweeper.AddFunc(a.Config.Sweep.Schedule, func() {
		keep, err := a.StorageManager.ArtifactStorage().ReferencedLocalFilenames(context.Background())
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Sweep skipped: failed to list referenced artifacts")
			return
		}
		if _, err := a.FileStore.Sweep(a.Config.SweepRetention(), keep); err != nil {
			a.Logger.Warn().Err(err).Msg("Artifact sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", a.Config.Sweep.Schedule, err)
	}
	return nil
}

// Start launches the worker and the background sweeper
func (a *App) Start(ctx context.Context) error {
	if err := a.Worker.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	if a.sweeper != nil {
		a.sweeper.Start()
	}

	// Warm the backend snapshots so the first pick has real load data
	a.Balancer.Refresh(ctx)

	a.Logger.Info().
		Str("task_queue", a.Config.Temporal.TaskQueue).
		Int("backends", len(a.Balancer.Snapshots())).
		Int("workflows", len(a.Registry.Names())).
		Msg("Application started")
	return nil
}

// Close shuts down components in reverse dependency order
func (a *App) Close() {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.Worker != nil {
		a.Worker.Stop()
	}
	if a.TemporalClient != nil {
		a.TemporalClient.Close()
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
		}
	}
	a.Logger.Info().Msg("Application stopped")
}
