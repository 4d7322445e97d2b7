package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"xtoolbridge/internal/api"
	"xtoolbridge/internal/config"
	"xtoolbridge/internal/device"
	"xtoolbridge/internal/mqtt"
	"xtoolbridge/internal/xtool"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configPath := config.Path()
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting xTool MQTT bridge",
		zap.String("broker", cfg.MQTT.Broker),
		zap.Int("devices", len(cfg.Devices)))

	conn := mqtt.NewConn(mqtt.Options{
		Broker:          cfg.MQTT.Broker,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		ClientID:        cfg.MQTT.ClientID,
		BaseTopic:       cfg.MQTT.BaseTopic,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
	}, logger)

	registry := device.NewRegistry(conn, logger)
	// Rebuild discovery state whenever the broker link comes (back) up.
	conn.SetConnectListener(registry.RefreshAll)

	if err := conn.Connect(); err != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}
	defer conn.Disconnect()

	ctx := context.Background()
	for _, d := range cfg.Devices {
		if err := registry.Setup(ctx, d); err != nil {
			logger.Error("Failed to set up device entry",
				zap.String("entry_id", d.ID), zap.Error(err))
		}
	}

	server := api.NewServer(registry, cfg.Discovery.TimeoutDuration(), logger, cfg.API.Port)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	go logUnconfiguredDevices(ctx, cfg, logger)

	// SIGHUP reloads the config; SIGINT/SIGTERM shut down.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	logger.Info("Bridge running. Press Ctrl+C to exit.")

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info("Reloading configuration", zap.String("path", configPath))
			next, err := config.Load(configPath, logger)
			if err != nil {
				logger.Error("Reload failed, keeping previous config", zap.Error(err))
				continue
			}
			if err := registry.ReloadConfig(ctx, next.Devices); err != nil {
				logger.Error("Some entries failed to reload", zap.Error(err))
			}
			continue
		}

		logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
		break
	}

	if err := server.Stop(); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	// Entities stay registered in Home Assistant; the LWT flips the bridge
	// availability to offline once the connection drops.
	registry.Shutdown()
}

// logUnconfiguredDevices runs one discovery scan and reports devices missing
// from the config. Informational only; discovery never mutates the config.
func logUnconfiguredDevices(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	found, err := xtool.Discover(ctx, cfg.Discovery.TimeoutDuration())
	if err != nil {
		logger.Warn("Discovery scan failed", zap.Error(err))
		return
	}

	configured := make(map[string]bool, len(cfg.Devices))
	for _, d := range cfg.Devices {
		configured[d.Host] = true
	}

	for _, dev := range found {
		if !configured[dev.Host] {
			logger.Info("Discovered device not present in config",
				zap.String("host", dev.Host),
				zap.String("name", dev.Name))
		}
	}
}
