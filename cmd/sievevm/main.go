// Command sievevm is the delivery daemon: it accepts mail over LMTP, runs
// the compiled sieve programs of each recipient and serves metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/sievevm/config"
	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/errors"
	"github.com/migadu/sievevm/pkg/metrics"
	"github.com/migadu/sievevm/server/delivery"
	"github.com/migadu/sievevm/server/lmtp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Go(f func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		f()
	}()
}

func (sm *serverManager) Wait() {
	sm.wg.Wait()
}

// serverDependencies encapsulates the shared services the servers run on
type serverDependencies struct {
	config           config.Config
	services         *delivery.Services
	delivery         *delivery.DeliveryContext
	metricsCollector *metrics.Collector
	serverManager    *serverManager
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sievevm version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SIEVEVM: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "SIEVEVM: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}
	cfg.WarnUnusedConfigOptions(func(format string, args ...interface{}) {
		logger.Warn(fmt.Sprintf(format, args...))
	})
	logger.Info("sievevm starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	deps, err := initializeServices(cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer deps.services.Close()

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		logger.Info("Waiting for all servers to stop gracefully...")
		done := make(chan struct{})
		go func() {
			deps.serverManager.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("All server listeners closed")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		cancel()
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads configuration from file and validates it
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			// If default config doesn't exist, that's okay - use defaults
			logger.Info("WARNING: default configuration file not found, using application defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

func initializeServices(cfg config.Config) (*serverDependencies, error) {
	services, err := delivery.NewServices(&cfg)
	if err != nil {
		return nil, err
	}
	// Every recipient gets its own store; the context carries none.
	d, err := services.NewDeliveryContext(&cfg, nil)
	if err != nil {
		services.Close()
		return nil, err
	}

	interval, err := cfg.Duplicates.GetCleanupInterval()
	if err != nil {
		services.Close()
		return nil, err
	}
	return &serverDependencies{
		config:           cfg,
		services:         services,
		delivery:         d,
		metricsCollector: metrics.NewCollector(services.Duplicates, interval),
		serverManager:    &serverManager{},
	}, nil
}

// startServers starts all configured servers and returns an error channel for monitoring
func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 1)

	deps.serverManager.Go(func() { deps.metricsCollector.Start(ctx) })

	if deps.config.LMTP.Start {
		deps.serverManager.Go(func() { startLMTPServer(ctx, deps, errChan) })
	} else {
		logger.Info("LMTP server disabled")
	}
	if deps.config.Metrics.Enabled {
		deps.serverManager.Go(func() { startMetricsServer(ctx, deps.config.Metrics, errChan) })
	}
	return errChan
}

func startLMTPServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	cfg := deps.config
	dir := lmtp.NewMaildirDirectory(cfg.Storage, cfg.Sieve.Hostname)
	hostname := cfg.Sieve.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	s, err := lmtp.New(ctx, "lmtp", hostname, cfg.LMTP.Addr, deps.delivery, dir, lmtp.OptionsFromConfig(cfg.LMTP))
	if err != nil {
		errChan <- err
		return
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down LMTP server...")
		s.Close()
	}()

	s.Start(errChan)
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Info("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
