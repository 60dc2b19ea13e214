package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/backup"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/lock"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/portal"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/queue"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/service"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/store"
	filestore "github.com/BrandonDHaskell/voucher-bypass/internal/bypass/store/file"
	sqlitestore "github.com/BrandonDHaskell/voucher-bypass/internal/bypass/store/sqlite"
	"github.com/BrandonDHaskell/voucher-bypass/internal/config"
	"github.com/BrandonDHaskell/voucher-bypass/internal/db"
	"github.com/BrandonDHaskell/voucher-bypass/internal/events"
	"github.com/BrandonDHaskell/voucher-bypass/internal/logging"
)

// app is the wired dependency graph shared by every command.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	conn   *sql.DB
	writer *db.Worker

	lock   *lock.Manager
	queue  *queue.File
	store  store.BindingStore
	runLog store.RunLog
	portal portal.Controller
	sync   *service.ExternalSync
	backup *backup.Manager
	events events.Publisher

	engine      *service.Engine
	registry    *service.Registry
	diagnostics *service.Diagnostics
}

// loadConfig reads the config and builds the logger only.
func loadConfig(opts *RootOptions) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return cfg, nil, WrapExitError(ExitCommandError, "load config", err)
	}
	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	return cfg, logging.New(level), nil
}

// openApp wires everything from config.  The NATS connection is only made
// when withEvents is set, so read-only commands never dial out.
func openApp(ctx context.Context, opts *RootOptions, withEvents bool) (*app, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, events: events.NoopPublisher{}}

	a.conn, err = db.Open(ctx, db.Config{Path: cfg.DBPath})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}
	a.writer = db.NewWorker(a.conn)
	a.runLog = sqlitestore.NewRunLog(a.conn, a.writer)

	switch cfg.StoreBackend {
	case "sqlite":
		a.store = sqlitestore.NewBindingStore(a.conn, a.writer, logger.With("component", "store"))
	default:
		a.store = filestore.NewBindingStore(cfg.StorePath, logger.With("component", "store"))
	}

	a.lock = lock.New(lock.Config{Path: cfg.LockPath, StaleAfter: cfg.LockStaleAfter})
	a.queue = queue.NewFile(cfg.QueuePath)

	ctl, err := portal.NewHTTPController(portal.HTTPOptions{
		BaseURL: cfg.PortalURL,
		Token:   cfg.PortalToken,
		Timeout: cfg.PortalTimeout,
	})
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "portal client", err)
	}
	a.portal = ctl
	a.sync = service.NewExternalSync(ctl, service.Tags{Self: cfg.SelfTag, Companion: cfg.CompanionTag}, logger.With("component", "sync"))

	var mirror backup.Destination
	if cfg.S3Bucket != "" {
		s3d, err := backup.NewS3Destination(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "s3 mirror", err)
		}
		mirror = s3d
	}
	a.backup = backup.NewManager(backup.Config{
		Dir:    cfg.BackupDir,
		Period: cfg.BackupPeriod,
		Keep:   cfg.BackupKeep,
	}, ctl, mirror, logger.With("component", "backup"))

	if withEvents && cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			// Events are advisory; a run must not depend on the bus.
			logger.Warn("nats unavailable, events disabled", "url", cfg.NATSURL, "err", err)
		} else {
			a.events = pub
		}
	}

	deps := service.EngineDeps{
		Lock:   a.lock,
		Queue:  a.queue,
		Store:  a.store,
		Sync:   a.sync,
		Backup: a.backup,
		RunLog: a.runLog,
		Events: a.events,
		Logger: logger.With("component", "engine"),
	}
	ecfg := service.EngineConfig{
		BatchSize:   cfg.BatchSize,
		Zones:       cfg.Zones,
		DisableFlag: cfg.DisableFlag,
		Instance:    cfg.Instance,
	}
	a.engine = service.NewEngine(deps, ecfg)
	a.registry = service.NewRegistry(deps, ecfg)

	storePath := ""
	if cfg.StoreBackend == "file" {
		storePath = cfg.StorePath
	}
	a.diagnostics = service.NewDiagnostics(service.DiagnosticsDeps{
		Lock:        a.lock,
		QueuePath:   cfg.QueuePath,
		Store:       a.store,
		StorePath:   storePath,
		Backup:      a.backup,
		Portal:      ctl,
		Zones:       cfg.Zones,
		DisableFlag: cfg.DisableFlag,
		SchemaVersion: func(ctx context.Context) (int, error) {
			return db.SchemaVersion(ctx, a.conn)
		},
	})

	return a, nil
}

func (a *app) Close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn("close events", "err", err)
		}
	}
	if a.writer != nil {
		a.writer.Close()
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Warn("close database", "err", err)
		}
	}
}

// commandError wraps a failed operation for exit code 1.
func commandError(op string, err error) error {
	return WrapExitError(ExitFailure, fmt.Sprintf("%s failed", op), err)
}
