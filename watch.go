package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/heyslab/heysync/internal/config"
	"github.com/heyslab/heysync/internal/sync"
)

var flagWatchReload bool

// newWatchCmd creates the watch command: run continuously, reconciling
// on a schedule, on realtime change notifications, and on connectivity
// recovery. --reload signals an already-running watch to re-read its
// config instead.
func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run continuously, keeping the local mirror reconciled",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}

	cmd.Flags().BoolVar(&flagWatchReload, "reload", false, "tell the running watch process to reload its config")

	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	if flagWatchReload {
		if err := signalReload(config.DefaultPIDPath()); err != nil {
			return err
		}

		statusf("Reload signal sent.\n")

		return nil
	}

	// Interactive runs log to stderr; detached runs go to the rotating
	// log file.
	logger := buildLogger()
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logger = buildFileLogger()
	}

	releasePID, err := lockPIDFile(config.DefaultPIDPath())
	if err != nil {
		return err
	}
	defer releasePID()

	ctx := shutdownContext(cmd.Context(), logger)

	a, err := buildApp(ctx, logger, resolvedCfg.Realtime)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.signedIn() {
		return errors.New("not signed in; run `heysync login` first")
	}

	holder := config.NewHolder(resolvedCfg, effectiveConfigPath())

	logger.Info("watch mode started",
		slog.String("endpoint", resolvedCfg.Endpoint),
		slog.Bool("realtime", resolvedCfg.Realtime),
		slog.Duration("periodic_interval", resolvedCfg.PeriodicInterval),
	)

	// Bring the mirror current before entering the loops.
	if err := a.engine.FullSync(ctx, sync.FullSyncOpts{Force: true}); err != nil {
		logger.Warn("startup sync failed", slog.String("error", err.Error()))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error { return watchConfigFile(ctx, holder, logger) })
	g.Go(func() error { return sighupLoop(ctx, a, holder, logger) })
	g.Go(func() error { return logEvents(ctx, a.engine.Events(), logger) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info("watch mode stopped")

	return err
}

// watchConfigFile reloads configuration when the file changes on disk.
// Only the log level applies to a running process; everything else
// takes effect on restart.
func watchConfigFile(ctx context.Context, holder *config.Holder, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace config files
	// by rename, which drops a file-level watch.
	dir := filepath.Dir(holder.Path())
	if err := watcher.Add(dir); err != nil {
		logger.Warn("config watch unavailable",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		<-ctx.Done()

		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != filepath.Clean(holder.Path()) {
				continue
			}

			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}

			reloadConfig(holder, logger)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// reloadConfig re-resolves the full override chain and swaps the shared
// config. A broken file keeps the previous config running.
func reloadConfig(holder *config.Holder, logger *slog.Logger) {
	resolved, err := config.Resolve(config.ReadEnvOverrides(), resolvedCLI)
	if err != nil {
		logger.Error("config reload failed, keeping previous config",
			slog.String("error", err.Error()),
		)

		return
	}

	holder.Update(resolved)
	resolvedCfg = resolved
	levelVar.Set(logLevel())

	logger.Info("config reloaded",
		slog.String("path", holder.Path()),
		slog.String("log_level", resolved.Logging.LogLevel),
	)
}

// sighupLoop reloads config and forces a reconcile on SIGHUP, the
// conventional "re-read your config" signal for daemons.
func sighupLoop(ctx context.Context, a *app, holder *config.Holder, logger *slog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sigCh:
			logger.Info("SIGHUP received")
			reloadConfig(holder, logger)

			if err := a.engine.FullSync(ctx, sync.FullSyncOpts{Force: true}); err != nil {
				logger.Warn("forced sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// logEvents surfaces engine events in the watch log.
func logEvents(ctx context.Context, events <-chan sync.Event, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			switch {
			case ev.AuthNeeded != nil:
				logger.Warn("session rejected; run `heysync login` to reconnect")
			case ev.State != nil:
				logger.Info("session state changed",
					slog.String("from", ev.State.From.String()),
					slog.String("to", ev.State.To.String()),
				)
			case ev.Uploaded != nil:
				logger.Info("uploaded batch", slog.Int("count", ev.Uploaded.Count))
			case ev.DaysUpdated != nil:
				logger.Info("days updated remotely", slog.Int("count", len(ev.DaysUpdated.Dates)))
			case ev.Restored != nil:
				logger.Info("network restored", slog.Int("pending", ev.Restored.PendingCount))
			case ev.SyncErr != nil:
				logger.Warn("sync error",
					slog.String("op", ev.SyncErr.Op),
					slog.String("error", ev.SyncErr.Err.Error()),
					slog.Duration("retry_in", ev.SyncErr.RetryIn),
					slog.Bool("persistent", ev.SyncErr.Persistent),
				)
			}
		}
	}
}
