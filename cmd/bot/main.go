package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xaenox/weather-chat/internal/agent"
	"github.com/xaenox/weather-chat/internal/bot"
	"github.com/xaenox/weather-chat/internal/storage"
	"github.com/xaenox/weather-chat/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize logger
	logger, _ := zap.NewProduction()
	if cfg.Log.Development {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	store, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err), zap.String("backend", cfg.Storage.Backend))
	}
	defer store.Close()

	opts := bot.Options{
		DefaultThreadID: cfg.Chat.DefaultThreadID,
		Agent: agent.Options{
			RunID:       cfg.Agent.RunID,
			ResourceID:  cfg.Agent.ResourceID,
			MaxRetries:  cfg.Agent.MaxRetries,
			MaxSteps:    cfg.Agent.MaxSteps,
			Temperature: cfg.Agent.Temperature,
			TopP:        cfg.Agent.TopP,
		},
		EditInterval: cfg.Telegram.EditInterval,
		TurnTimeout:  cfg.Agent.Timeout,
	}

	b, err := bot.New(cfg.Telegram.Token, store, newEndpoint(cfg, logger), opts, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the bot
	if err := b.Start(ctx); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
	logger.Info("Bot stopped")
}

func newStore(cfg *config.Config, logger *zap.Logger) (storage.ThreadStore, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		logger.Info("Using PostgreSQL storage")
		return storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
	case "sqlite":
		logger.Info("Using SQLite storage", zap.String("path", cfg.SQLite.Path))
		return storage.NewSQLiteStorage(cfg.SQLite.Path, logger)
	case "redis":
		logger.Info("Using Redis storage")
		return storage.NewRedisStorage(cfg.Redis.URL, logger)
	default:
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(logger), nil
	}
}

func newEndpoint(cfg *config.Config, logger *zap.Logger) agent.Endpoint {
	if cfg.Agent.Backend == "openai" {
		logger.Info("Using OpenAI agent backend", zap.String("model", cfg.OpenAI.Model))
		return agent.NewOpenAIEndpoint(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.OpenAI.MaxTokens, logger)
	}

	logger.Info("Using agent endpoint", zap.String("url", cfg.Agent.URL))
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.Agent.Timeout,
		},
	}
	return agent.NewHTTPEndpoint(cfg.Agent.URL, client, logger)
}
