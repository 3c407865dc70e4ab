// Package app wires a workspace into a ready engine: database, schema,
// config, logger and seeded RBAC.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"sitesync/internal/config"
	"sitesync/internal/db"
	"sitesync/internal/engine"
	"sitesync/internal/logging"
	"sitesync/internal/migrate"
	"sitesync/internal/repo"
)

type Options struct {
	Workspace string
	// ConfigFile overrides <workspace>/sitesync.yml.
	ConfigFile    string
	BusyTimeoutMS int
	Log           logging.Options
	// Console receives log output; nil means stderr.
	Console io.Writer
}

type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *slog.Logger

	logCloser io.Closer
}

// Open prepares the workspace. Config is loaded before the database is
// touched so a bad file fails fast; roles from config are synced on every
// open so edits take effect on restart.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	logger, closer, err := logging.New(opts.Log, console)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, BusyTimeoutMS: opts.BusyTimeoutMS})
	if err != nil {
		closer.Close()
		return nil, err
	}
	a := &App{DB: conn, Config: cfg, Logger: logger, logCloser: closer}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Engine = engine.New(conn, cfg, logger)
	if err := a.Engine.SyncRBAC(ctx, cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("sync rbac: %w", err)
	}
	logger.Debug("workspace ready", "workspace", opts.Workspace, "schema_version", version)
	return a, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.FromFile(opts.ConfigFile)
	}
	return config.LoadOrDefault(opts.Workspace)
}

func (a *App) Close() error {
	var errs []error
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

// ResolveProject returns override when set, otherwise the only project in
// the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		if _, err := r.GetProject(ctx, nil, override); err != nil {
			return "", fmt.Errorf("project %s: %w", override, err)
		}
		return override, nil
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	if len(projects) != 1 {
		return "", fmt.Errorf("project not specified; use --project")
	}
	return projects[0].ID, nil
}
