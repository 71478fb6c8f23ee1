package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/api"
	"github.com/goodtune/playgate/internal/client"
	"github.com/goodtune/playgate/internal/config"
	"github.com/goodtune/playgate/internal/content"
	"github.com/goodtune/playgate/internal/metrics"
	"github.com/goodtune/playgate/internal/play"
	"github.com/goodtune/playgate/internal/policy"
	"github.com/goodtune/playgate/internal/progression"
	"github.com/goodtune/playgate/internal/report"
	"github.com/goodtune/playgate/internal/session"
	"github.com/goodtune/playgate/internal/storage/redis"
	"github.com/goodtune/playgate/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the playgate server",
	Long:  `Start the play API and metrics endpoints.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting playgate")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

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
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	classifier, err := newClassifier(cfg.Services, logger)
	if err != nil {
		return err
	}

	contentClient, err := client.NewContent(serviceConfig(cfg.Services, cfg.Services.ContentURL), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize content client: %w", err)
	}
	contentCache := content.NewCache(
		contentClient,
		cfg.Play.ContentCacheSize,
		parseDuration(cfg.Play.ContentCacheTTL, 10*time.Minute),
		logger,
	)

	ledger, err := client.NewLedger(serviceConfig(cfg.Services, cfg.Services.LedgerURL), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger client: %w", err)
	}

	policyEngine, err := policy.NewEngine(cfg.Policy.OPAPolicyDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	logger.Info().
		Str("source", policyEngine.Source()).
		Msg("Level unlock policy loaded")

	controller := progression.NewController(policyEngine, contentCache, logger)

	reporter := report.NewReporter(ledger, store.Progress(), report.Options{
		Retries: cfg.Play.ReportRetries,
		MaxWait: parseDuration(cfg.Play.ReportMaxWait, 10*time.Second),
	}, logger)
	seats := report.NewSeatNotifier(ledger, store.Progress(), logger)

	playService := play.NewService(
		session.NewStore(store.Sessions(), logger),
		classifier,
		controller,
		reporter,
		seats,
		play.Options{
			AnswerWindow: parseDuration(cfg.Play.AnswerWindow, 180*time.Second),
			IdleTimeout:  parseDuration(cfg.Play.IdleTimeout, play.DefaultIdleTimeout),
		},
		logger,
	)
	playService.Run()

	tokens, err := api.NewTokenIssuer(cfg.API.TokenSecret, parseDuration(cfg.API.TokenTTL, api.DefaultTokenTTL))
	if err != nil {
		return fmt.Errorf("failed to initialize session tokens: %w", err)
	}
	if cfg.API.TokenSecret == "" {
		logger.Warn().Msg("api.token_secret is not set; session tokens will not survive a restart")
	}

	apiConfig := api.Config{
		ListenAddr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		ReadTimeout:     parseDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:    parseDuration(cfg.Server.WriteTimeout, 15*time.Second),
		RateLimit:       cfg.API.RateLimit,
		RateLimitWindow: parseDuration(cfg.API.RateLimitWindow, time.Minute),
		AllowedOrigins:  cfg.API.AllowedOrigins,
	}
	apiServer := api.NewServer(apiConfig, playService, tokens, policyEngine, store, logger)

	if sdListeners.Activated && sdListeners.HTTP != nil {
		apiServer.SetListener(sdListeners.HTTP)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().Msg("playgate startup complete")
	logger.Info().Msgf("Play API: http://%s", apiConfig.ListenAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading policies...")
		if err := systemd.NotifyReloading(); err != nil {
			logger.Warn().Err(err).Msg("Failed to send systemd reloading notification")
		}
		if err := policyEngine.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload policies")
		} else {
			logger.Info().Msg("Policies reloaded successfully")
		}
		contentCache.Purge()
		if err := systemd.NotifyReady(); err != nil {
			logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
		}
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	playService.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("playgate stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (*redis.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", storageType)
	}
}

// serviceConfig builds the client settings for one external service.
func serviceConfig(cfg config.ServicesConfig, baseURL string) client.Config {
	return client.Config{
		BaseURL: baseURL,
		APIKey:  cfg.APIKey,
		Timeout: parseDuration(cfg.Timeout, 10*time.Second),
	}
}

// newClassifier wires the trial and purchase resolvers.
func newClassifier(cfg config.ServicesConfig, logger zerolog.Logger) (*access.Classifier, error) {
	trial, err := client.NewResolver(access.KindTrial, serviceConfig(cfg, cfg.TrialURL), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize trial resolver: %w", err)
	}

	purchase, err := client.NewResolver(access.KindPurchase, serviceConfig(cfg, cfg.PurchaseURL), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize purchase resolver: %w", err)
	}

	return access.NewClassifier(trial, purchase, logger), nil
}
