// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Servicebus-shell embeds the service manager. It loads the YAML
// config, becomes the broker node, serves the catalog of native
// applications, connects to the configured initial applications, and
// runs until SIGINT or SIGTERM, when it shuts every application down.
//
// Applications started outside the shell join through the listening
// socket with a token issued by --external.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/servicebus/launcher"
	"github.com/bureau-foundation/servicebus/lib/config"
	"github.com/bureau-foundation/servicebus/lib/ipc"
	"github.com/bureau-foundation/servicebus/lib/metrics"
	"github.com/bureau-foundation/servicebus/lib/process"
	"github.com/bureau-foundation/servicebus/shell"
	"github.com/bureau-foundation/servicebus/system"
	"github.com/bureau-foundation/servicebus/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type flags struct {
	configPath string
	logLevel   string
	listenPath string
	connect    []string
	external   []string
}

func parseFlags(args []string) (*flags, error) {
	var f flags
	set := pflag.NewFlagSet("servicebus-shell", pflag.ContinueOnError)
	set.StringVar(&f.configPath, "config", "", "path to servicebus.yaml (default: $"+config.EnvironmentVariable+")")
	set.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	set.StringVar(&f.listenPath, "listen", "", "socket for applications started outside the shell (default: <paths.run>/shell.sock)")
	set.StringArrayVar(&f.connect, "connect", nil, "application to connect to at startup, in addition to shell.initial_applications (repeatable)")
	set.StringArrayVar(&f.external, "external", nil, "issue a join token for an application started outside the shell (repeatable)")
	if err := set.Parse(args); err != nil {
		return nil, process.Usage(err)
	}
	if set.NArg() > 0 {
		return nil, process.Usage(fmt.Errorf("unexpected arguments: %v", set.Args()))
	}
	return &f, nil
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	level, err := process.ParseLevel(f.logLevel)
	if err != nil {
		return process.Usage(err)
	}
	logger := process.NewLogger(level)
	slog.SetDefault(logger)

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	quitTimeout, err := cfg.QuitTimeoutDuration()
	if err != nil {
		return err
	}
	channelOptions, err := transport.ChannelOptionsFromConfig(cfg.Channel)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collectorSet := metrics.New(registry)

	core := system.NewCore(system.Options{
		Limits:  system.LimitsFromConfig(cfg.Limits),
		Logger:  logger,
		Metrics: collectorSet,
	})
	defer core.Close()
	controller := transport.NewController(core, transport.Options{
		Broker:  true,
		Channel: channelOptions,
		Logger:  logger,
		Metrics: collectorSet,
	})
	defer controller.Close()

	runner, err := launcher.New(core, controller, launcher.Options{
		SandboxWrapper: cfg.Shell.SandboxWrapper,
		Sandbox:        launcher.DefaultSandboxProfile(),
		Logger:         logger,
		Metrics:        collectorSet,
	})
	if err != nil {
		return err
	}
	catalog, err := shell.NewCatalog(cfg.Paths.Catalog, cfg.Paths.Bin, logger)
	if err != nil {
		return err
	}
	manager, err := shell.NewManager(shell.Options{
		Core:        core,
		Resolver:    catalog,
		Runner:      runner,
		QuitTimeout: quitTimeout,
		Logger:      logger,
		Metrics:     collectorSet,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The manager outlives ctx so Shutdown can run after a signal.
	managerCtx, cancelManager := context.WithCancel(context.Background())
	defer cancelManager()
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Run(managerCtx)
	}()

	go func() {
		if err := catalog.Watch(ctx, nil); err != nil {
			logger.Warn("catalog watch stopped", "error", err)
		}
	}()

	listenPath := f.listenPath
	if listenPath == "" {
		listenPath = filepath.Join(cfg.Paths.Run, "shell.sock")
	}
	listener, err := transport.Listen(listenPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenPath, err)
	}
	defer os.Remove(listenPath)
	go func() {
		if err := listener.Serve(ctx, controller); err != nil {
			logger.Error("shell socket stopped", "error", err)
		}
	}()

	if cfg.Metrics.ListenAddress != "" {
		server := &http.Server{
			Addr:              cfg.Metrics.ListenAddress,
			Handler:           metricsMux(registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer server.Close()
	}

	for _, name := range f.external {
		if err := issueExternal(ctx, externalParams{
			name:       name,
			core:       core,
			controller: controller,
			manager:    manager,
			resolver:   catalog,
			tokenDir:   cfg.Paths.Run,
			socket:     listenPath,
			logger:     logger,
		}); err != nil {
			return err
		}
	}

	shellApp, err := manager.Shell(ctx)
	if err != nil {
		return err
	}
	for _, name := range append(cfg.Shell.InitialApplications, f.connect...) {
		conn, err := shellApp.Connect(ctx, ipc.Identity{Name: name, UserID: ipc.InheritUserID}, nil)
		if err != nil {
			logger.Error("connecting to initial application", "name", name, "error", err)
			continue
		}
		logger.Info("connected to initial application", "name", name, "instance_id", conn.RemoteID)
	}

	logger.Info("shell running",
		"socket", listenPath,
		"catalog", cfg.Paths.Catalog,
		"environment", string(cfg.Environment),
	)
	select {
	case <-ctx.Done():
	case <-managerDone:
		return errors.New("service manager stopped unexpectedly")
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*manager.QuitTimeout())
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return nil
}

func metricsMux(gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(gatherer))
	return mux
}
