package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ams/api"
	"ams/config"
	"ams/core"
	"ams/service"
	"ams/storage"
	"ams/util/goroutine"

	"go.uber.org/zap"
)

// App represents the server with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	SQLite    *storage.SQLite
	TreeCache *core.TreeCache

	// Services
	Services  *service.Services
	APIServer *api.API

	// Lifecycle
	serviceWg *sync.WaitGroup
	closeOnce sync.Once
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar.Info("Analysis management server starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}

	app, err := Open(ctx, cfg, logger, sugar)
	if err != nil {
		return nil, err
	}

	result, err := app.runFirstRunSetup(ctx)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("first run setup failed: %w", err)
	}
	if result.IsFirstRun && result.ActorCreated {
		sugar.Infow("First run: created default history actor", "username", result.ActorUsername)
	}

	app.APIServer = api.NewAPI(app.Services, cfg, sugar)
	return app, nil
}

// Open prepares data directories, storage, the tree cache and the services for a
// loaded configuration. The admin CLI uses it without starting the API.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, sugar *zap.SugaredLogger) (*App, error) {
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		serviceWg: &sync.WaitGroup{},
	}

	dirs := DataDirectoriesFromConfig(cfg)
	if err := EnsureDataDirectories(dirs, sugar); err != nil {
		printFatalBanner("Data Directory Setup Failed", err.Error())
		return nil, fmt.Errorf("data directory setup failed: %w", err)
	}

	sqlite, err := InitSQLite(dirs, sugar)
	if err != nil {
		return nil, err
	}
	app.SQLite = sqlite

	cache, err := InitTreeCache(ctx, cfg, sugar)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.TreeCache = cache

	services, err := InitServices(cfg, sqlite, cache, sugar)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Services = services

	return app, nil
}

// Start starts the API server.
func (a *App) Start(ctx context.Context) error {
	if a.APIServer == nil {
		return errors.New("api server is not initialized")
	}

	goroutine.Go("api-server", a.Sugar, a.serviceWg, func() {
		addr := fmt.Sprintf(":%d", a.Config.API.Port)
		a.Sugar.Infow("API server started", "addr", addr, "tls", a.Config.API.TLS)

		var err error
		if a.Config.API.TLS {
			err = a.APIServer.StartTLS(addr, a.Config.API.CertFile, a.Config.API.KeyFile)
		} else {
			err = a.APIServer.Start(addr)
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server error", "error", err)
		}
	})

	return nil
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - Stop API server
	a.Sugar.Info("Phase 1: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
	}

	// Phase 2 - Wait for service goroutines
	a.Sugar.Info("Phase 2: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped successfully")
	case <-time.After(10 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	// Phase 3 - Close cache and database
	a.Sugar.Info("Phase 3: Closing cache and database connections...")
	a.Close()

	a.Sugar.Info("Shutdown complete")
	a.Logger.Sync()
}

// Close releases the tree cache and the database. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.TreeCache != nil {
			if err := a.TreeCache.Close(); err != nil {
				a.Sugar.Errorw("Failed to close tree cache", "error", err)
			}
		}
		if a.SQLite != nil {
			if err := a.SQLite.Close(); err != nil {
				a.Sugar.Errorw("Failed to close SQLite", "error", err)
			}
		}
	})
}

// FirstRunResult contains information about first-run initialization.
type FirstRunResult struct {
	IsFirstRun    bool
	ActorCreated  bool
	ActorUsername string
}

// runFirstRunSetup creates the configured default history actor when the user
// table is empty, so a fresh database can record history straight away.
func (a *App) runFirstRunSetup(ctx context.Context) (*FirstRunResult, error) {
	result := &FirstRunResult{}

	users, err := a.Services.References.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	if len(users) > 0 {
		return result, nil
	}
	result.IsFirstRun = true

	actor := a.Config.History.DefaultActor
	if actor == "" {
		return result, nil
	}

	if _, _, err := a.Services.References.CreateUser(ctx, core.UserCreate{Username: actor}); err != nil {
		return nil, fmt.Errorf("failed to create default actor %q: %w", actor, err)
	}
	result.ActorCreated = true
	result.ActorUsername = actor
	return result, nil
}
