package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/adapter"
	"github.com/srg/bleproxy/internal/api"
	"github.com/srg/bleproxy/internal/arbiter"
	"github.com/srg/bleproxy/internal/discovery"
	"github.com/srg/bleproxy/internal/entity"
	"github.com/srg/bleproxy/internal/groutine"
	"github.com/srg/bleproxy/internal/registers"
	"github.com/srg/bleproxy/internal/watchdog"
	"github.com/srg/bleproxy/pkg/config"
)

// serveCmd runs the proxy daemon until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy daemon",
	Long: `Start the proxy daemon: bind the native API port, advertise the
service over mDNS, start passive scanning and, when a battery device is
configured, poll it on the configured interval.

The daemon runs until SIGINT or SIGTERM.`,
	RunE: runServe,
}

var serveConfigPath string

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to the YAML configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adp, err := adapter.New(logger)
	if err != nil {
		return fmt.Errorf("failed to open Bluetooth adapter: %w", err)
	}

	arb := arbiter.New(adp, logger, nil)
	defer arb.Close()

	registry := entity.New(logger, &entity.Options{Fahrenheit: cfg.Device.Fahrenheit})

	srv := api.New(api.Config{
		ListenAddress:  cfg.Server.ListenAddress,
		DeviceName:     cfg.Server.DeviceName,
		FriendlyName:   cfg.Server.FriendlyName,
		MacAddress:     adp.Address(),
		Model:          cfg.Server.Model,
		Manufacturer:   "srg",
		ProjectName:    "srg.bleproxy",
		ProjectVersion: formatVersion(version),
		Password:       cfg.Server.Password,
		SelfAddress:    adp.Address(),
		IdleTimeout:    cfg.Server.IdleTimeout,
		QueueSize:      cfg.Server.QueueSize,
		AdsPerSecond:   cfg.Server.AdsPerSecond,
	}, arb, registry, logger)

	if err := srv.Listen(); err != nil {
		return fmt.Errorf("failed to bind API port: %w", err)
	}
	defer srv.Close()

	if cfg.Discovery.Enabled {
		adv, err := discovery.Advertise(discovery.Options{
			Name:           cfg.Server.DeviceName,
			Port:           srv.Port(),
			MacAddress:     adp.Address(),
			UsesPassword:   cfg.Server.Password != "",
			ProjectName:    "srg.bleproxy",
			ProjectVersion: formatVersion(version),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to register mDNS service: %w", err)
		}
		defer adv.Shutdown()
	}

	wd := watchdog.New(adp, arb, logger, watchdog.Config{
		SampleInterval:          cfg.Watchdog.SampleInterval,
		StuckDiscoveryThreshold: cfg.Watchdog.StuckDiscoveryThreshold,
		DeadScannerThreshold:    cfg.Watchdog.DeadScannerThreshold,
		ActionTimeout:           cfg.Watchdog.ActionTimeout,
		RateWindow:              cfg.Watchdog.RateWindow,
		RateLimit:               cfg.Watchdog.RateLimit,
	})
	groutine.Go(ctx, "watchdog", wd.Run)

	if cfg.Device.Enabled {
		client, err := newDeviceClient(adp, arb, registry, logger, cfg)
		if err != nil {
			return err
		}
		groutine.Go(ctx, "device-poller", client.Run)
	}

	logger.WithFields(logrus.Fields{
		"device_name": cfg.Server.DeviceName,
		"port":        srv.Port(),
		"version":     formatVersion(version),
	}).Info("Proxy started")

	return srv.Serve(ctx)
}

func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if serveConfigPath != "" {
		var err error
		cfg, err = config.Load(serveConfigPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	// --log-level overrides the file setting
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newDeviceClient(adp adapter.Adapter, arb *arbiter.Arbiter, registry *entity.Registry, logger *logrus.Logger, cfg *config.Config) (*registers.Client, error) {
	factory, err := newSessionFactory(adp, logger)
	if err != nil {
		return nil, err
	}

	ids := make([]byte, 0, len(cfg.Device.DeviceIDs))
	for _, id := range cfg.Device.DeviceIDs {
		ids = append(ids, byte(id))
	}

	return registers.NewClient(arb, factory, registry, logger, registers.Options{
		Address:         cfg.Device.Address,
		Alias:           cfg.Device.Alias,
		DeviceIDs:       ids,
		PollInterval:    cfg.Device.PollInterval,
		ConnectTimeout:  cfg.Device.ConnectTimeout,
		ResponseTimeout: cfg.Device.ResponseTimeout,
	})
}
