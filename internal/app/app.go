// Package app assembles the import engine from configuration. Both the
// server and the command line tool start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/calsched/internal/config"
	"gitea.jw6.us/james/calsched/internal/directory"
	"gitea.jw6.us/james/calsched/internal/importer"
	"gitea.jw6.us/james/calsched/internal/logging"
	"gitea.jw6.us/james/calsched/internal/queue"
	"gitea.jw6.us/james/calsched/internal/store"
	"gitea.jw6.us/james/calsched/internal/store/memory"
)

// Backend is a transactional store that can report its health.
type Backend interface {
	store.Transactor
	HealthCheck(ctx context.Context) error
}

// App holds the wired collaborators.
type App struct {
	Config    *config.Config
	Logger    logging.Logger
	Store     Backend
	Directory *directory.Service
	// Queue and Sweeper are nil when deliveries run inline.
	Queue    *queue.Queue
	Sweeper  *queue.Sweeper
	Importer *importer.Importer

	pool    *pgxpool.Pool
	stopRun context.CancelFunc
	runDone chan struct{}
}

// Build opens the store, loads the directory and wires the importer. When
// migrate is set, pending migrations are applied to a Postgres store first.
func Build(ctx context.Context, cfg *config.Config, logger logging.Logger, migrate bool) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if cfg.DB.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("create db pool: %w", err)
		}
		a.pool = pool
		if migrate {
			applied, err := store.ApplyMigrations(ctx, pool)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			for _, name := range applied {
				logger.Info(ctx, "migration applied", "name", name)
			}
		}
		a.Store = store.New(pool)
	} else {
		logger.Warn(ctx, "no database configured, using in-memory store; data is lost on exit")
		a.Store = memory.New()
	}

	dir, err := loadDirectory(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Directory = dir

	wq := cfg.Scheduling.WorkQueues
	merger := importer.NewMerger(logger)
	deliverer := importer.NewDeliverer(a.Store, dir, merger, cfg.DefaultCalendarName, logger)

	var jobs importer.JobQueue
	if wq.Enabled {
		a.Queue = queue.New(queue.OptionsFromConfig(wq), logger.With("component", "queue"))
		a.Queue.Register(importer.DeliveryJobKind, deliverer.HandleJob)
		jobs = a.Queue
		if wq.DeadLetterRetryCron != "" {
			if a.Sweeper, err = queue.NewSweeper(wq.DeadLetterRetryCron, a.Queue, logger); err != nil {
				a.Close()
				return nil, err
			}
		}
	}

	dispatcher := importer.NewDispatcher(importer.PolicyFromConfig(wq), jobs, deliverer, dir, logger)
	a.Importer = importer.New(a.Store, dir, merger, dispatcher, logger)
	return a, nil
}

func loadDirectory(cfg *config.Config) (*directory.Service, error) {
	if cfg.DirectoryFile == "" {
		return directory.New(nil, true)
	}
	dir, err := directory.Load(cfg.DirectoryFile)
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}
	return dir, nil
}

// Start runs the queue workers and the dead-letter sweeper until Close.
func (a *App) Start(ctx context.Context) {
	if a.Queue == nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.stopRun = cancel
	a.runDone = make(chan struct{})
	go func() {
		defer close(a.runDone)
		if err := a.Queue.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error(runCtx, "work queue stopped", "error", err)
		}
	}()
	if a.Sweeper != nil {
		a.Sweeper.Start()
	}
}

// Drain waits for pending deliveries. It is a no-op for inline delivery.
func (a *App) Drain(ctx context.Context, timeout time.Duration) error {
	if a.Queue == nil {
		return nil
	}
	return a.Queue.WaitEmpty(ctx, timeout)
}

// Close stops workers and releases the database pool.
func (a *App) Close() {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.stopRun != nil {
		a.stopRun()
		<-a.runDone
	}
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
