package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowsense/cyclecore/pkg/config"
	"github.com/flowsense/cyclecore/pkg/engine"
	"github.com/flowsense/cyclecore/pkg/logx"
	"github.com/flowsense/cyclecore/pkg/metrics"
	"github.com/flowsense/cyclecore/pkg/mqttpub"
	"github.com/flowsense/cyclecore/pkg/retry"
	"github.com/flowsense/cyclecore/pkg/store"
)

const (
	version = "1.0.0-dev"
	appName = "cycled"
)

func main() {
	var (
		configFile  = flag.String("config", "/etc/cyclecore/config.json", "Config file path")
		dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
		logLevel    = flag.String("log-level", "", "Log level (debug|info|warn|error)")
		metricsPort = flag.Int("metrics-port", 0, "Prometheus metrics port (overrides config)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *metricsPort != 0 {
		cfg.MetricsPort = *metricsPort
	}

	logger := logx.New(cfg.LogLevel)
	logger.Info("starting cycled daemon",
		"version", version,
		"config", *configFile,
		"db_path", cfg.DBPath,
		"log_level", cfg.LogLevel,
	)

	st, err := store.New(cfg.DBPath, retry.NewRunner(retry.DefaultConfig()), logger)
	if err != nil {
		logger.Error("Failed to open store", "error", err, "db_path", cfg.DBPath)
		os.Exit(1)
	}
	defer st.Close()

	metricsServer := metrics.NewServer(logger)
	if err := metricsServer.Start(cfg.MetricsPort); err != nil {
		logger.Error("Failed to start metrics server", "error", err, "port", cfg.MetricsPort)
		os.Exit(1)
	}
	defer metricsServer.Stop()

	publisher := mqttpub.NewClient(cfg.MQTT, logger)
	if err := publisher.Connect(); err != nil {
		// Predictions still work without the broker; escalations are
		// dropped until it comes back
		logger.Warn("MQTT broker unreachable, publishing disabled", "error", err)
	}
	defer publisher.Disconnect()

	eng, err := engine.New(cfg, st, logger, engine.Options{
		Metrics:   metricsServer,
		Publisher: publisher,
	})
	if err != nil {
		logger.Error("Failed to create engine", "error", err)
		os.Exit(1)
	}
	metricsServer.SetVersion(version, eng.ModelVersion())

	logger.Info("Engine ready",
		"model_version", eng.ModelVersion(),
		"metrics_port", cfg.MetricsPort,
		"mqtt_enabled", cfg.MQTT.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, shutting down")
			return
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down", "signal", sig.String())
			cancel()
		case <-heartbeat.C:
			if err := publisher.PublishStatus(map[string]interface{}{
				"version":       version,
				"model_version": eng.ModelVersion(),
				"uptime_s":      int(time.Since(started).Seconds()),
			}); err != nil {
				logger.Debug("status publish failed", "error", err)
			}
		}
	}
}
