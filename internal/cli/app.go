package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/config"
	"github.com/roach88/rewind/internal/debug"
	"github.com/roach88/rewind/internal/projection"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/sandbox"
	"github.com/roach88/rewind/internal/schema"
	"github.com/roach88/rewind/internal/snapshot"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/telemetry"
	"github.com/roach88/rewind/internal/whatif"
)

// Version is reported as the service version of exported spans.
var Version = "dev"

// App is the set of components one CLI invocation works with.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Snapshots *snapshot.Manager
	Engine    *replay.Engine
	WhatIf    *whatif.Analyzer
	Debug     *debug.Manager

	shutdown func(context.Context) error
}

// openApp loads configuration and wires the store, projector, replay
// engine, what-if analyzer and debug manager. Diagnostics go to errw.
//
// Unless create is set the database must already exist.
func openApp(ctx context.Context, opts *RootOptions, errw io.Writer, create bool) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	logger := cfg.NewLogger(errw)

	if !create {
		if _, err := os.Stat(cfg.Database); errors.Is(err, os.ErrNotExist) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", cfg.Database))
		}
	}

	shutdown, err := telemetry.Setup(ctx, telemetry.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Writer:         errw,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}

	folds, schemas, err := loadProjections(cfg.Projections)
	if err != nil {
		_ = shutdown(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to load projections", err)
	}

	storeOpts := []store.Option{store.WithLogger(logger)}
	if schemas != nil {
		storeOpts = append(storeOpts, store.WithValidator(schemas))
	}
	st, err := store.Open(cfg.Database, storeOpts...)
	if err != nil {
		_ = shutdown(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	snaps := snapshot.NewManager(st,
		snapshot.WithThreshold(cfg.Snapshot.Threshold),
		snapshot.WithKeep(cfg.Snapshot.Keep),
		snapshot.WithLogger(logger),
	)
	proj := projection.NewProjector(folds, st, snaps, projection.WithLogger(logger))
	isolator := sandbox.New(
		sandbox.WithPolicy(cfg.Sandbox.Policy),
		sandbox.WithLogger(logger),
	)
	engine := replay.New(st, proj,
		replay.WithIsolator(isolator),
		replay.WithSessionStore(st),
		replay.WithBatchSize(cfg.Replay.BatchSize),
		replay.WithWorkers(cfg.Replay.Workers),
		replay.WithLogger(logger),
	)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Snapshots: snaps,
		Engine:    engine,
		WhatIf:    whatif.New(engine, st, whatif.WithLimits(cfg.Sandbox.Limits), whatif.WithLogger(logger)),
		Debug:     debug.NewManager(engine, debug.WithLogger(logger)),
		shutdown:  shutdown,
	}, nil
}

// loadProjections builds the configured folds. Without a projections file
// the registry is empty and no schemas are enforced.
func loadProjections(path string) (*projection.Registry, *schema.Registry, error) {
	if path == "" {
		return projection.NewRegistry(), nil, nil
	}
	p, err := config.LoadProjections(path)
	if err != nil {
		return nil, nil, err
	}
	return p.Build()
}

// Close releases the store and flushes spans.
func (a *App) Close(ctx context.Context) error {
	err := a.Store.Close()
	if serr := a.shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// replayOptions applies configured defaults to per-command options.
func (a *App) replayOptions(opts replay.Options) replay.Options {
	if opts.Sandboxed && opts.Limits == (sandbox.Limits{}) {
		opts.Limits = a.Config.Sandbox.Limits
	}
	if a.Config.Replay.SkipUnknown {
		opts.SkipUnknown = true
	}
	return opts
}

// newFormatter returns the output formatter for cmd.
func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// withApp opens the app for cmd, runs fn and closes the app.
func withApp(cmd *cobra.Command, opts *RootOptions, create bool, fn func(ctx context.Context, app *App, out *OutputFormatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := newFormatter(cmd, opts)

	app, err := openApp(ctx, opts, cmd.ErrOrStderr(), create)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) && exitErr.Err == nil {
			if encErr := out.Error(ErrCodeNotFound, exitErr.Message, nil); encErr != nil {
				return encErr
			}
			return err
		}
		if encErr := out.Error(errorCode(err), err.Error(), nil); encErr != nil {
			return encErr
		}
		return err
	}
	defer func() {
		if err := app.Close(ctx); err != nil {
			app.Logger.Warn("close", "error", err)
		}
	}()
	out.VerboseLog("Database: %s", app.Config.Database)

	return fn(ctx, app, out)
}
