package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/greengpt/internal/config"
	"github.com/goodtune/greengpt/internal/display"
	"github.com/goodtune/greengpt/internal/gate"
	"github.com/goodtune/greengpt/internal/impact"
	"github.com/goodtune/greengpt/internal/intercept"
	"github.com/goodtune/greengpt/internal/metrics"
	"github.com/goodtune/greengpt/internal/proxy"
	"github.com/goodtune/greengpt/internal/systemd"
	"github.com/goodtune/greengpt/internal/web"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start GreenGPT server",
	Long:  `Start the GreenGPT server with the chat proxy, web interface, and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting GreenGPT")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize impact aggregator
	aggregator := newAggregator(ctx, cfg, store, logger)
	state := aggregator.State()

	logger.Info().
		Int64("tokens", state.Tokens).
		Int("sessions", len(aggregator.History())).
		Msg("Impact state restored")

	// Initialize Reset Scheduler
	var resetScheduler *impact.ResetScheduler
	if cfg.Impact.AutoResetTime != "" {
		resetScheduler, err = impact.NewResetScheduler(aggregator, cfg.Impact.AutoResetTime, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Reset Scheduler: %w", err)
		}
		resetScheduler.Start()
	}

	// Token interception feeds the aggregator
	interceptor := intercept.New(intercept.Options{
		ChatPaths:    cfg.Proxy.ChatPaths,
		MaxBodyBytes: cfg.Proxy.MaxBodyBytes,
	}, logger)
	detach := interceptor.Attach(aggregator)
	defer detach()

	// Initialize page gate
	gateEngine, err := gate.NewEngine(cfg.Web.GatePolicyDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize page gate: %w", err)
	}

	// Initialize Proxy Server
	var proxyServer *proxy.Server
	proxyAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.ProxyPort)
	if cfg.Proxy.Enabled {
		proxyServer, err = proxy.NewServer(proxy.Config{
			ListenAddr:  proxyAddr,
			UpstreamURL: cfg.Proxy.UpstreamURL,
			Timeout:     config.ParseDuration(cfg.Proxy.Timeout, proxy.DefaultTimeout),
		}, interceptor, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Proxy Server: %w", err)
		}

		if sdListeners.Activated && sdListeners.Proxy != nil {
			proxyServer.SetListener(sdListeners.Proxy)
		}

		if err := proxyServer.Start(); err != nil {
			return fmt.Errorf("failed to start Proxy Server: %w", err)
		}

		logger.Info().
			Str("addr", proxyAddr).
			Str("upstream", cfg.Proxy.UpstreamURL).
			Msg("Proxy Server started")
	}

	// Initialize Web Server
	var webServer *web.Server
	webAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.WebPort)
	if cfg.Web.Enabled {
		if err := web.EnsureInitialUser(ctx, store.Users(), cfg.Web.InitialUsername, cfg.Web.InitialPassword, logger); err != nil {
			return fmt.Errorf("failed to initialize web user: %w", err)
		}

		upstream := ""
		if cfg.Proxy.Enabled {
			upstream = cfg.Proxy.UpstreamURL
		}

		webServer, err = web.NewServer(web.Config{
			ListenAddr:       webAddr,
			JWTSecret:        cfg.Web.JWTSecret,
			TokenExpiration:  config.ParseDuration(cfg.Web.SessionTimeout, web.DefaultTokenExpiration),
			SessionCacheSize: cfg.Web.SessionCacheSize,
			RateLimit:        cfg.Web.RateLimit,
			RateLimitWindow:  config.ParseDuration(cfg.Web.RateLimitWindow, time.Minute),
			AllowedOrigins:   cfg.Web.AllowedOrigins,
			CI:               cfg.Web.CI,
			UpstreamURL:      upstream,
			MaxBodyBytes:     cfg.Proxy.MaxBodyBytes,
			Thresholds:       thresholds(cfg.Display),
		}, store, aggregator, gateEngine, interceptor, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Web Server: %w", err)
		}

		if sdListeners.Activated && sdListeners.Web != nil {
			webServer.SetListener(sdListeners.Web)
		}

		if err := webServer.Start(); err != nil {
			return fmt.Errorf("failed to start Web Server: %w", err)
		}

		logger.Info().
			Str("addr", webAddr).
			Msg("Web Server started")
	}

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics Server started")

	// Log startup complete
	logger.Info().Msg("GreenGPT startup complete")
	if proxyServer != nil {
		logger.Info().Msgf("Chat Proxy: %s", proxyAddr)
	}
	if webServer != nil {
		logger.Info().Msgf("Web: http://%s", webAddr)
	}
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	notifyImpact(aggregator.Snapshot(), logger)
	unsubscribe := aggregator.Subscribe(func(s impact.Snapshot) { notifyImpact(s, logger) })
	defer unsubscribe()

	systemd.StartWatchdog(ctx, logger)

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, reloading gate policy...")
			if err := gateEngine.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload gate policy")
			} else {
				logger.Info().Msg("Gate policy reloaded successfully")
			}
			// Continue running
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			// Break out of loop to shutdown
		}

		// Only reached on shutdown signals
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop servers
	if resetScheduler != nil {
		resetScheduler.Stop()
	}

	if proxyServer != nil {
		if err := proxyServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Proxy Server")
		}
	}

	if webServer != nil {
		if err := webServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Web Server")
		}
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("GreenGPT stopped")

	return nil
}

// thresholds maps display configuration onto gauge thresholds
func thresholds(cfg config.DisplayConfig) display.Thresholds {
	return display.Thresholds{
		MaxWaterDisplay:           cfg.MaxWaterDisplay,
		MaxCO2Display:             cfg.MaxCO2Display,
		HighTokenWarningThreshold: cfg.HighTokenWarningThreshold,
		NoticeDelay:               config.ParseDuration(cfg.CapacityNoticeDelay, display.DefaultNoticeDelay),
	}
}

// notifyImpact shows the running totals in systemctl status
func notifyImpact(s impact.Snapshot, logger zerolog.Logger) {
	status := fmt.Sprintf("%d tokens, %.3f L water, %.1f g CO2", s.Tokens, s.WaterUsageLiters, s.CO2Grams)
	if err := systemd.NotifyStatus(status); err != nil {
		logger.Debug().Err(err).Msg("Failed to send systemd status")
	}
}
