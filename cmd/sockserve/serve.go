// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/invowk/sockserve/internal/announce"
	"github.com/invowk/sockserve/internal/config"
	"github.com/invowk/sockserve/internal/control"
	"github.com/invowk/sockserve/internal/metrics"
	"github.com/invowk/sockserve/internal/service"
	"github.com/invowk/sockserve/internal/socketserver"
	"github.com/invowk/sockserve/internal/sshfront"
	"github.com/invowk/sockserve/internal/watch"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type (
	serveFlags struct {
		port     int
		handler  string
		pool     int
		ssh      bool
		control  bool
		announce bool
		watch    bool
	}

	// reconfigurable is a service whose listener settings can be reloaded.
	reconfigurable interface {
		Name() string
		State() service.State
		Config() config.SocketServerConfig
		Reconfigure(cfg config.SocketServerConfig) error
		Start(ctx context.Context) error
		Stop(ctx context.Context) error
	}

	// managed is a running service the serve command drives.
	managed interface {
		Name() string
		State() service.State
		Suspend(ctx context.Context) error
		Resume(ctx context.Context) error
		Close() error
	}

	startable interface {
		managed
		Start(ctx context.Context) error
	}
)

func newServeCommand(app *App) *cobra.Command {
	var flags serveFlags
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the socket server",
		Long: `Start the socket server and, when enabled, the SSH front and the control plane.

SIGINT and SIGTERM stop and destroy every service. On unix systems SIGUSR1
suspends accepting connections and SIGUSR2 resumes.

With --watch, edits to the configuration file rebind the socket server with
the new host, port, backlog and socket timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, app, flags.properties(cmd), flags.watch)
		},
	}
	serveCmd.Flags().IntVarP(&flags.port, "port", "p", 0, "listening port (0 picks a free port)")
	serveCmd.Flags().StringVar(&flags.handler, "handler", config.DefaultConnectionHandler, "connection handler name")
	serveCmd.Flags().IntVar(&flags.pool, "pool", config.DefaultActiveConnections, "number of handler workers")
	serveCmd.Flags().BoolVar(&flags.ssh, "ssh", false, "also serve the handler over SSH")
	serveCmd.Flags().BoolVar(&flags.control, "control", false, "start the HTTP control plane")
	serveCmd.Flags().BoolVar(&flags.announce, "announce", false, "advertise the server with mDNS")
	serveCmd.Flags().BoolVar(&flags.watch, "watch", false, "reload the socket server when the config file changes")
	return serveCmd
}

// properties turns explicitly set flags into configuration overrides.
func (f *serveFlags) properties(cmd *cobra.Command) map[string]string {
	props := make(map[string]string)
	if cmd.Flags().Changed("port") {
		props["socketserver.serverport"] = strconv.Itoa(f.port)
	}
	if cmd.Flags().Changed("handler") {
		props["socketserver.connectionhandler"] = f.handler
	}
	if cmd.Flags().Changed("pool") {
		props["socketserver.activeconnections"] = strconv.Itoa(f.pool)
	}
	if cmd.Flags().Changed("ssh") {
		props["sshfront.enabled"] = strconv.FormatBool(f.ssh)
	}
	if cmd.Flags().Changed("control") {
		props["control.enabled"] = strconv.FormatBool(f.control)
	}
	if cmd.Flags().Changed("announce") {
		props["announce.enabled"] = strconv.FormatBool(f.announce)
	}
	return props
}

func runServe(cmd *cobra.Command, app *App, props map[string]string, watchConfig bool) error {
	ctx := cmd.Context()
	cfg, path, err := app.loadConfig(ctx, props)
	if err != nil {
		return err
	}

	logger := app.newLogger()
	if path != "" {
		logger.Info("loaded configuration", "file", path)
	}
	m := metrics.New(true)

	h, err := cfg.SocketServer.ResolveHandler(app.Handlers, logger)
	if err != nil {
		return err
	}

	var services []managed
	defer func() {
		for i := len(services) - 1; i >= 0; i-- {
			if cerr := services[i].Close(); cerr != nil {
				logger.Error("shutdown failed", "service", services[i].Name(), "error", cerr)
			}
		}
	}()

	srv := socketserver.New(cfg.SocketServer,
		socketserver.WithLogger(logger),
		socketserver.WithHandler(h),
		socketserver.WithMetrics(m),
	)
	if cfg.Announce.Enabled {
		a, err := announce.New(cfg.Announce, srv.Port,
			announce.WithLogger(logger),
			announce.WithText(map[string]string{
				"handler": cfg.SocketServer.ConnectionHandler,
				"version": Version,
			}),
		)
		if err != nil {
			return err
		}
		srv.AddListener(a)
		defer func() { _ = a.Close() }()
	}
	if services, err = startService(ctx, services, srv); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s\n",
		SuccessStyle.Render("✓"), TitleStyle.Render(srv.Name()), CmdStyle.Render(srv.Addr().String()))

	targets := []control.Target{srv}

	if cfg.SSH.Enabled {
		front := sshfront.New(cfg.SSH, h, srv.Dispatcher(),
			sshfront.WithLogger(logger),
			sshfront.WithMetrics(m),
			sshfront.WithShutdownTimeout(cfg.SocketServer.ShutdownTimeoutDuration()),
		)
		if services, err = startService(ctx, services, front); err != nil {
			return err
		}
		targets = append(targets, front)
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s\n",
			SuccessStyle.Render("✓"), TitleStyle.Render(front.Name()), CmdStyle.Render(front.Addr().String()))
	}

	if cfg.Control.Enabled {
		ctl, err := startControl(ctx, cfg.Control, logger, m, targets)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := ctl.Close(); cerr != nil {
				logger.Error("shutdown failed", "service", ctl.Name(), "error", cerr)
			}
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s\n",
			SuccessStyle.Render("✓"), TitleStyle.Render(ctl.Name()), CmdStyle.Render(ctl.URL()))
		if cfg.Control.Token == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", SubtitleStyle.Render("token:"), ctl.Token())
		}
	}

	if watchConfig {
		stopWatch, err := watchConfigFile(ctx, app, path, props, srv, logger)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	waitForShutdown(ctx, logger, services)
	return nil
}

// watchConfigFile reloads srv whenever the configuration file changes. The
// returned function stops the watcher and waits for it.
func watchConfigFile(ctx context.Context, app *App, path string, props map[string]string, srv reconfigurable, logger *log.Logger) (func(), error) {
	if path == "" {
		return nil, errors.New("--watch needs a configuration file")
	}
	w, err := watch.New(watch.Config{
		Files:  []string{path},
		Logger: logger,
		OnChange: func(ctx context.Context, _ []string) error {
			return reloadServer(ctx, srv, func() (config.SocketServerConfig, error) {
				cfg, _, err := app.loadConfig(ctx, props)
				if err != nil {
					return config.SocketServerConfig{}, err
				}
				return cfg.SocketServer, nil
			}, logger)
		},
	})
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(watchCtx); err != nil {
			logger.Error("configuration watcher stopped", "error", err)
		}
	}()
	logger.Info("watching configuration", "file", path)
	return func() {
		cancel()
		<-done
	}, nil
}

// reloadServer loads a new configuration and, when it differs, restarts srv
// with it. A server that fails to start on the new settings is restarted on
// the previous ones.
func reloadServer(ctx context.Context, srv reconfigurable, load func() (config.SocketServerConfig, error), logger *log.Logger) error {
	next, err := load()
	if err != nil {
		return fmt.Errorf("reload configuration: %w", err)
	}
	prev := srv.Config()
	if next == prev {
		logger.Debug("configuration unchanged", "service", srv.Name())
		return nil
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("reload configuration: %w", err)
	}

	wasActive := srv.State() == service.StateRunning || srv.State() == service.StateSuspended
	if err := srv.Stop(ctx); err != nil {
		return err
	}
	if err := srv.Reconfigure(next); err != nil {
		return err
	}
	if !wasActive {
		return nil
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error("restart with new configuration failed, reverting", "service", srv.Name(), "error", err)
		if rerr := srv.Reconfigure(prev); rerr != nil {
			return errors.Join(err, rerr)
		}
		if rerr := srv.Start(ctx); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	logger.Info("configuration reloaded", "service", srv.Name(), "address", next.Address())
	return nil
}

// startService appends s to services and starts it. A service that fails to
// start stays in the list so that closing the list releases what its
// initialize hook acquired.
func startService(ctx context.Context, services []managed, s startable) ([]managed, error) {
	services = append(services, s)
	return services, s.Start(ctx)
}

func startControl(ctx context.Context, cfg config.ControlConfig, logger *log.Logger, m *metrics.Metrics, targets []control.Target) (*control.Server, error) {
	token := control.AuthToken(cfg.Token)
	if cfg.Token == "" {
		token = control.AuthToken(uuid.NewString())
	}
	opts := []control.Option{control.WithLogger(logger), control.WithMetrics(m)}
	for _, t := range targets {
		opts = append(opts, control.WithTarget(t))
	}
	ctl, err := control.New(cfg.Address, token, opts...)
	if err != nil {
		return nil, err
	}
	if err := ctl.Start(ctx); err != nil {
		return nil, err
	}
	return ctl, nil
}

// waitForShutdown blocks until ctx is canceled, suspending and resuming the
// services on the platform's lifecycle signals.
func waitForShutdown(ctx context.Context, logger *log.Logger, services []managed) {
	sigCh := make(chan os.Signal, 1)
	if sigs := lifecycleSignals(); len(sigs) > 0 {
		signal.Notify(sigCh, sigs...)
		defer signal.Stop(sigCh)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case sig := <-sigCh:
			switch sig {
			case suspendSignal:
				applyAll(logger, services, service.TransitionSuspend)
			case resumeSignal:
				applyAll(logger, services, service.TransitionResume)
			}
		}
	}
}

func applyAll(logger *log.Logger, services []managed, t service.Transition) {
	ctx := context.Background()
	for _, s := range services {
		var err error
		switch t {
		case service.TransitionSuspend:
			if s.State() != service.StateRunning {
				continue
			}
			err = s.Suspend(ctx)
		case service.TransitionResume:
			if s.State() != service.StateSuspended {
				continue
			}
			err = s.Resume(ctx)
		}
		if err != nil {
			logger.Error("transition failed", "service", s.Name(), "transition", t, "error", err)
		}
	}
}
