// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/holomush/trinity/internal/app"
	"github.com/holomush/trinity/internal/config"
	"github.com/holomush/trinity/internal/dispatch"
	"github.com/holomush/trinity/internal/logging"
	"github.com/holomush/trinity/internal/matrix"
	"github.com/holomush/trinity/internal/observability"
	"github.com/holomush/trinity/internal/reload"
	"github.com/holomush/trinity/internal/xdg"
	"github.com/holomush/trinity/pkg/errutil"
)

// shutdownTimeout bounds the graceful shutdown of every component.
const shutdownTimeout = 5 * time.Second

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the homeserver and start answering messages",
		Long: `Log in to the homeserver, load every module and relay room messages
to them until interrupted. SIGHUP forces a module reload.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}

	flags := cmd.Flags()
	flags.String("homeserver", "", "homeserver URL")
	flags.String("user-id", "", "bot user id (@bot:example.org)")
	flags.String("admin-user-id", "", "user allowed to run !admin commands")
	flags.Bool("reload", true, "reload modules when their files change")
	flags.String("metrics-addr", "", "metrics/health HTTP address (empty = disabled)")
	addModuleFlags(flags)

	return cmd
}

// runWithDeps runs the bot with injectable dependencies.
// If deps is nil, default implementations are used.
func runWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *RunDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deps = deps.withDefaults()

	if err := cfg.Validate(); err != nil {
		return oops.Wrapf(err, "invalid configuration")
	}

	logger, err := logging.SetDefault(logging.Options{
		Service: "trinity",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
	})
	if err != nil {
		return oops.Wrapf(err, "failed to set up logging")
	}

	if err := xdg.EnsureDir(xdg.DataDir()); err != nil {
		return oops.Wrapf(err, "failed to create data directory")
	}

	kv, err := deps.StoreOpener(ctx, cfg.Store.URL)
	if err != nil {
		return oops.Wrapf(err, "failed to open store")
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			logger.Warn("error closing store", "error", closeErr)
		}
	}()

	client, err := deps.Connector(ctx, matrix.Credentials{
		Homeserver:  cfg.Homeserver,
		UserID:      cfg.UserID,
		Password:    cfg.Password,
		AccessToken: cfg.AccessToken,
		DeviceID:    cfg.DeviceID,
	}, kv, logging.Component(logger, "matrix"))
	if err != nil {
		return oops.Wrapf(err, "failed to log in")
	}
	logger.Info("logged in", "user_id", cfg.UserID, "device_id", client.DeviceID)

	engine := dispatch.NewEngine(
		dispatch.WithAdmin(cfg.AdminUserID),
		dispatch.WithResolver(matrix.NewResolver(client)),
		dispatch.WithLogger(logging.Component(logger, "dispatch")),
	)

	modulesConfig := app.Config(cfg.Modules.Config)
	application := app.New(
		app.WithEngine(engine),
		app.WithWorkers(cfg.Modules.Workers),
		app.WithLogger(logging.Component(logger, "app")),
		app.WithModules(cfg.Modules.Paths, modulesConfig),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := application.Close(shutdownCtx); closeErr != nil {
			logger.Warn("error closing modules", "error", closeErr)
		}
	}()

	builder := newModuleBuilder(kv, cfg.Modules.CallTimeout, logger)
	reg, err := builder.Build(ctx, cfg.Modules.Paths, modulesConfig)
	if err != nil {
		return oops.Wrapf(err, "failed to load modules")
	}
	if err := application.Install(ctx, reg); err != nil {
		return oops.Wrapf(err, "failed to install modules")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reloader reloadTrigger
	if cfg.Reload.Enabled {
		var controller *reload.Controller
		controller, err = reload.New(application, builder.Build, builder.Extensions(),
			reload.WithDebounce(cfg.Reload.Debounce),
			reload.WithLogger(logging.Component(logger, "reload")),
		)
		if err != nil {
			return oops.Wrapf(err, "failed to create reload controller")
		}
		if err := controller.Start(ctx, cfg.Modules.Paths); err != nil {
			return oops.Wrapf(err, "failed to watch module directories")
		}
		defer func() {
			cancel()
			<-controller.Done()
		}()
		reloader = controller
	}

	var obsServer ObservabilityServer
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, application.Ready,
			observability.WithVersion(version),
			observability.WithModuleCount(func() int { return len(application.Modules()) }),
			observability.WithRegistrars(dispatch.RegisterMetrics, reload.RegisterMetrics, matrix.RegisterMetrics),
		)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Wrapf(err, "failed to start observability server")
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if stopErr := obsServer.Stop(shutdownCtx); stopErr != nil {
				logger.Warn("error stopping observability server", "error", stopErr)
			}
		}()
	}

	relay := matrix.NewRelay(id.UserID(cfg.UserID), client, application,
		matrix.WithJoiner(matrix.NewAutoJoiner(client, matrix.WithJoinLogger(logging.Component(logger, "autojoin")))),
		matrix.WithRelayLogger(logging.Component(logger, "relay")),
	)
	relayErr := make(chan error, 1)
	go func() {
		relayErr <- relay.Run(ctx, client)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	cmd.Println("trinity started")
	logger.Info("bot ready",
		"modules", application.Modules(),
		"reload", cfg.Reload.Enabled)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigChan:
			if handleSignal(sig, reloader, logger) {
				break loop
			}
		case err := <-relayErr:
			if err != nil {
				errutil.LogError(logger, "sync stopped", err)
				runErr = err
			}
			break loop
		case <-ctx.Done():
			logger.Info("context cancelled, shutting down")
			break loop
		}
	}

	logger.Info("shutting down...")
	cancel()
	select {
	case <-relayErr:
	case <-time.After(shutdownTimeout):
		logger.Warn("relay did not stop in time")
	}

	logger.Info("shutdown complete")
	return runErr
}

// monitorServerErrors cancels ctx when a background server fails.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("server failed", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}

// reloadTrigger forces a module reload.
type reloadTrigger interface {
	Trigger()
}

// handleSignal reports whether sig stops the bot. SIGHUP never does: it
// reloads the modules, or is ignored when reloading is disabled.
func handleSignal(sig os.Signal, reloader reloadTrigger, logger *slog.Logger) bool {
	if sig != syscall.SIGHUP {
		logger.Info("received shutdown signal", "signal", sig)
		return true
	}
	if reloader == nil {
		logger.Info("reload disabled, ignoring SIGHUP")
		return false
	}
	logger.Info("received SIGHUP, reloading modules")
	reloader.Trigger()
	return false
}
