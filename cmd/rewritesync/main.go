// rewritesync polls reverse-proxy control APIs and reconciles the hostnames
// they advertise into a DNS resolver's rewrite list.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/maxfield-allison/rewritesync/internal/config"
	"github.com/maxfield-allison/rewritesync/internal/dnsprovider"
	"github.com/maxfield-allison/rewritesync/internal/docker"
	"github.com/maxfield-allison/rewritesync/internal/health"
	"github.com/maxfield-allison/rewritesync/internal/metrics"
	"github.com/maxfield-allison/rewritesync/internal/proxysource"
	"github.com/maxfield-allison/rewritesync/internal/reconciler"
	"github.com/maxfield-allison/rewritesync/internal/scheduler"
	"github.com/maxfield-allison/rewritesync/internal/state"
)

// Version and BuildDate are set via ldflags during build.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	configPath := envOrDefault("REWRITESYNC_CONFIG_PATH", "/etc/rewritesync/config.yaml")
	statePath := envOrDefault("REWRITESYNC_STATE_PATH", "/var/lib/rewritesync/state.json")
	healthPort := envIntOrDefault("REWRITESYNC_HEALTH_PORT", 8080)
	dockerHost := envOrDefault("DOCKER_HOST", "unix:///var/run/docker.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dockerClient *docker.Client
	defer func() {
		if dockerClient != nil {
			dockerClient.Close()
		}
	}()

	var logger *slog.Logger

	buildBundle := func() (*scheduler.Bundle, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}

		needsDocker := false
		for _, src := range cfg.Sources {
			if src.Type == "docker" {
				needsDocker = true
				break
			}
		}
		if needsDocker && dockerClient == nil {
			dockerClient, err = docker.NewClient(ctx, dockerHost, docker.WithLogger(logger))
			if err != nil {
				return nil, fmt.Errorf("creating docker client: %w", err)
			}
			logger.Info("docker client connected", slog.String("mode", string(dockerClient.Mode())))
		}

		providerCfg := cfg.Providers[0]
		if len(cfg.Providers) > 1 {
			logger.Warn("multiple providers configured, only the first is reconciled against",
				slog.String("used", providerCfg.Name))
		}
		provider := dnsprovider.NewClient(
			providerCfg.URL,
			dnsprovider.WithLogger(logger),
			dnsprovider.WithBasicAuth(providerCfg.Username, providerCfg.Password),
		)

		var dockerAdapter proxysource.Adapter
		if dockerClient != nil {
			dockerAdapter = proxysource.NewDockerAdapter(dockerClient)
		}
		traefikAdapter := proxysource.NewTraefikAdapter(proxysource.WithLogger(logger))
		registry := proxysource.NewRegistry(traefikAdapter, dockerAdapter)

		return &scheduler.Bundle{Config: cfg, Provider: provider, Proxies: registry}, nil
	}

	bootstrapCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logLevel := parseLogLevel(bootstrapCfg.LogLevel)
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("rewritesync starting",
		slog.String("version", Version),
		slog.String("build_date", BuildDate),
		slog.String("log_level", bootstrapCfg.LogLevel),
		slog.String("sync_mode", bootstrapCfg.SyncMode),
	)

	metrics.SetBuildInfo(Version, runtime.Version())
	metrics.SetUp()

	bundle, err := buildBundle()
	if err != nil {
		return fmt.Errorf("bootstrapping adapters: %w", err)
	}

	if !bundle.Provider.TestConnection(ctx) {
		return fmt.Errorf("DNS provider unreachable at startup")
	}
	if len(bundle.Config.Sources) == 0 {
		return fmt.Errorf("configuration enumerates zero usable proxy instances")
	}

	store := state.New(statePath, state.WithLogger(logger))
	rec := reconciler.New(bundle.Config, bundle.Provider, bundle.Proxies, store, reconciler.WithLogger(logger))

	healthServer := health.New(healthPort, health.WithLogger(logger), health.WithVersion(Version))
	healthServer.RegisterChecker("dns_provider", func(ctx context.Context) error {
		if bundle.Provider.TestConnection(ctx) {
			return nil
		}
		return fmt.Errorf("dns provider test_connection failed")
	})
	if dockerClient != nil {
		healthServer.RegisterChecker("docker", func(ctx context.Context) error {
			return dockerClient.Ping(ctx)
		})
	}
	healthErrCh := healthServer.Start()

	sched := scheduler.New(rec, buildBundle, bundle.Config.PollInterval, scheduler.WithLogger(logger))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if bundle.Config.SyncMode == "once" {
		err := sched.RunOnce(ctx)
		healthServer.SetReady(true)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = healthServer.Shutdown(shutdownCtx)
		return err
	}

	schedErrCh := make(chan error, 1)
	go func() {
		schedErrCh <- sched.Watch(ctx, bundle.Config.SourcePaths)
	}()
	healthServer.SetReady(true)

	logger.Info("rewritesync running", slog.Int("health_port", healthPort))

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-healthErrCh:
		if err != nil {
			logger.Error("health server error", slog.String("error", err.Error()))
		}
	case err := <-schedErrCh:
		if err != nil {
			logger.Error("scheduler error", slog.String("error", err.Error()))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("rewritesync stopped")
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out int
	if _, err := fmt.Sscanf(v, "%d", &out); err != nil {
		return def
	}
	return out
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
