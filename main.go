package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"confluence-trading-bot/config"
	"confluence-trading-bot/internal/ai"
	"confluence-trading-bot/internal/ai/llm"
	"confluence-trading-bot/internal/api"
	"confluence-trading-bot/internal/cache"
	"confluence-trading-bot/internal/candles"
	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/confluence"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/events"
	"confluence-trading-bot/internal/executor"
	"confluence-trading-bot/internal/logging"
	"confluence-trading-bot/internal/monitor"
	"confluence-trading-bot/internal/notification"
	"confluence-trading-bot/internal/risk"
	"confluence-trading-bot/internal/scheduler"
	"confluence-trading-bot/internal/sweeps"
	"confluence-trading-bot/internal/swings"
	"confluence-trading-bot/internal/vault"
)

// Starting quote balance for the paper trading simulator
const paperBalance = 10000.0

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database connection and schema
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal("Failed to run migrations", "error", err)
	}
	repo := database.NewRepository(db)

	// Exchange credentials: Vault when enabled, environment otherwise
	vaultClient, err := vault.NewClient(vault.Config{
		Enabled:    cfg.VaultConfig.Enabled,
		Address:    cfg.VaultConfig.Address,
		Token:      cfg.VaultConfig.Token,
		MountPath:  cfg.VaultConfig.MountPath,
		SecretPath: cfg.VaultConfig.SecretPath,
	})
	if err != nil {
		logger.Fatal("Failed to create vault client", "error", err)
	}
	vaultClient.SetFallback(vault.Credentials{
		KeyName:    cfg.ExchangeConfig.APIKeyName,
		PrivateKey: cfg.ExchangeConfig.APIPrivateKey,
	})
	creds, err := vaultClient.GetCredentials(ctx)
	if err != nil {
		logger.Fatal("Failed to load exchange credentials", "error", err)
	}

	// Exchange clients
	minter, err := coinbase.NewTokenMinter(creds.KeyName, creds.PrivateKey)
	if err != nil {
		logger.Fatal("Failed to parse exchange private key", "error", err)
	}
	limiter := coinbase.NewRateLimiter(
		cfg.ExchangeConfig.PublicRate,
		cfg.ExchangeConfig.PrivateRate,
		cfg.ExchangeConfig.OrderRate,
	)
	restClient := coinbase.NewClient(cfg.ExchangeConfig.BaseURL, minter, limiter)

	// In paper mode the simulator takes orders and delegates market data
	// to the real client
	var client coinbase.ExchangeClient = restClient
	var simulator *coinbase.Simulator
	if cfg.ExchangeConfig.PaperMode {
		simulator = coinbase.NewSimulator(cfg.ExchangeConfig.ProductID, paperBalance, restClient)
		client = simulator
		logger.Warn("Paper mode enabled, orders route to the simulator")
	}
	if err := repo.SetFlag(ctx, database.FlagPaperMode, cfg.ExchangeConfig.PaperMode); err != nil {
		logger.Error("Failed to record paper mode flag", "error", err)
	}

	marketCache, err := cache.NewMarketCache(cache.Config{
		Enabled:  cfg.RedisConfig.Enabled,
		Address:  cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
		PoolSize: cfg.RedisConfig.PoolSize,
	})
	if err != nil {
		logger.Fatal("Failed to create market cache", "error", err)
	}
	defer marketCache.Close()

	bus := events.NewEventBus()

	notifier := notification.NewManager()
	if cfg.NotificationConfig.Enabled {
		notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
			Enabled:  cfg.NotificationConfig.Telegram.Enabled,
		}))
		notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			Enabled:    cfg.NotificationConfig.Discord.Enabled,
		}))
	}

	// Pipeline components
	store := candles.NewStore(repo)
	collector := candles.NewCollector(store, client, bus, cfg.ExchangeConfig.ProductID,
		cfg.ScannerConfig.Retention4H, cfg.ScannerConfig.Retention5MDays)
	tracker := swings.NewTracker(repo, bus, cfg.ScannerConfig.SwingLookback5M)
	detector := sweeps.NewDetector(repo, bus, cfg.TradingConfig.SweepExpiry)
	machine := confluence.NewMachine(repo, bus, cfg.TradingConfig.SweepExpiry)
	validator := confluence.NewValidator(repo, cfg.TradingConfig.SweepExpiry)

	sizer := risk.NewSizer(repo, risk.StopConfig{
		BufferLong:      cfg.TradingConfig.StopBufferLong,
		BufferShort:     cfg.TradingConfig.StopBufferShort,
		MinStopDistance: cfg.TradingConfig.MinStopDistance,
		MaxStopDistance: cfg.TradingConfig.MaxStopDistance,
		RiskPerTrade:    cfg.TradingConfig.RiskPerTrade,
		MinRewardRisk:   cfg.TradingConfig.MinRewardRisk,
	})
	gate := risk.NewGate(repo, client, risk.GateConfig{
		MaxOpenPositions:    cfg.RiskConfig.MaxOpenPositions,
		MaxDailyLossPercent: cfg.RiskConfig.MaxDailyLossPercent,
		MaxConsecutiveLoss:  cfg.RiskConfig.MaxConsecutiveLosses,
		MinAccountBalance:   cfg.RiskConfig.MinAccountBalance,
		QuoteCurrency:       quoteCurrency(cfg.ExchangeConfig.ProductID),
	})

	llmClient := llm.NewClient(&llm.ClientConfig{
		Provider:    llm.ProviderOllama,
		BaseURL:     cfg.AIConfig.BaseURL,
		Model:       cfg.AIConfig.Model,
		MaxTokens:   cfg.AIConfig.MaxTokens,
		Temperature: cfg.AIConfig.Temperature,
		Timeout:     cfg.AIConfig.Timeout,
	})
	advisor := ai.NewAdvisor(llmClient, ai.Config{
		Enabled:             cfg.AIConfig.Enabled,
		MinConfidence:       cfg.AIConfig.MinConfidence,
		MinRewardRisk:       cfg.TradingConfig.MinRewardRisk,
		MinStopDistance:     cfg.TradingConfig.MinStopDistance,
		MaxStopDistance:     cfg.TradingConfig.MaxStopDistance,
		MaxHourlyVolatility: cfg.AIConfig.MaxHourlyVolatility,
		MinVolumeRatio:      cfg.AIConfig.MinVolumeRatio,
		MaxSpreadPercent:    cfg.AIConfig.MaxSpreadPercent,
		Max24hChangePercent: cfg.AIConfig.Max24hChangePercent,
		PriceSanityMin:      cfg.AIConfig.PriceSanityLow,
		PriceSanityMax:      cfg.AIConfig.PriceSanityHigh,
	})

	exec := executor.NewExecutor(client, repo, bus, cfg.ExchangeConfig.ProductID,
		cfg.TradingConfig.EntryDeviationMax)

	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()
	mon := monitor.NewMonitor(client, repo, bus, monitor.Config{
		ProductID:        cfg.ExchangeConfig.ProductID,
		MaxDuration:      cfg.TradingConfig.MaxTradeDuration,
		TrailingEnabled:  cfg.MonitorConfig.TrailingEnabled,
		TrailingTrigger:  cfg.MonitorConfig.TrailingTrigger,
		Strategy:         monitor.TrailingStrategy(cfg.MonitorConfig.TrailingStrategy),
		LockFraction:     cfg.MonitorConfig.TrailingLockFraction,
		BufferFraction:   cfg.MonitorConfig.TrailingBuffer,
		EntryBandPercent: cfg.MonitorConfig.EntryBandPercent,
	}, zlog)

	stream := coinbase.NewTickerStream(
		cfg.ExchangeConfig.WebsocketURL,
		cfg.ExchangeConfig.ProductID,
		minter,
		cfg.ExchangeConfig.HeartbeatSecs,
		cfg.ExchangeConfig.MaxReconnects,
	)

	// Operator API
	stats := api.NewStats(bus)
	server := api.NewServer(repo, marketCache, stats, cfg.ServerConfig.AllowedOrigins)
	go func() {
		shutdownTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
		if err := server.Start(ctx, cfg.ServerConfig.Host, cfg.ServerConfig.Port, shutdownTimeout); err != nil {
			logger.Error("API server failed", "error", err)
		}
	}()

	sched := scheduler.New(scheduler.Config{
		ProductID:       cfg.ExchangeConfig.ProductID,
		CollectorPeriod: time.Duration(cfg.ScannerConfig.CollectorSecs) * time.Second,
		MonitorPeriod:   time.Duration(cfg.MonitorConfig.PollSecs) * time.Second,
		SnapshotPeriod:  time.Minute,
		PrunePeriod:     time.Hour,
		SwingLookback:   cfg.ScannerConfig.SwingLookback5M,
		PaperMode:       cfg.ExchangeConfig.PaperMode,
	}, scheduler.Deps{
		Repo:      repo,
		Client:    client,
		Stream:    stream,
		Collector: collector,
		Store:     store,
		Tracker:   tracker,
		Detector:  detector,
		Machine:   machine,
		Validator: validator,
		Sizer:     sizer,
		Gate:      gate,
		Advisor:   advisor,
		Executor:  exec,
		Monitor:   mon,
		Bus:       bus,
		Cache:     marketCache,
		Notifier:  notifier,
		Simulator: simulator,
	})

	logger.Info("Starting trading pipeline",
		"product", cfg.ExchangeConfig.ProductID,
		"paper_mode", cfg.ExchangeConfig.PaperMode)

	if err := sched.Run(ctx); err != nil {
		logger.Fatal("Scheduler failed", "error", err)
	}
	logger.Info("Shutdown complete")
}

// quoteCurrency extracts the quote leg of a product id like "BTC-USD"
func quoteCurrency(productID string) string {
	parts := strings.Split(productID, "-")
	if len(parts) == 2 {
		return parts[1]
	}
	return "USD"
}
