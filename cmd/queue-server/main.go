package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/providers"
	"github.com/bobmcallan/taskqueue/internal/providers/gemini"
	"github.com/bobmcallan/taskqueue/internal/queue"
	"github.com/bobmcallan/taskqueue/internal/queue/cloudstore"
	"github.com/bobmcallan/taskqueue/internal/queue/cursorstore"
	"github.com/bobmcallan/taskqueue/internal/queue/embeddedstore"
	"github.com/bobmcallan/taskqueue/internal/queue/memstore"
	"github.com/bobmcallan/taskqueue/internal/queue/sqlstore"
	"github.com/bobmcallan/taskqueue/internal/server"
)

func main() {
	configPath := os.Getenv("QUEUE_CONFIG")

	config, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(config.Logging.Level)
	common.PrintBanner(config, logger)

	if config.IsProduction() {
		if missing := config.ValidateRequired(); len(missing) > 0 {
			logger.Fatal().Str("missing", strings.Join(missing, ", ")).Msg("required configuration missing")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := newStorage(ctx, config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage backend")
	}
	if err := storage.Setup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to set up storage backend")
	}

	registry := providers.NewStaticRegistry()
	var models []*providers.Model
	if config.Providers.Gemini.APIKey != "" {
		model := config.Providers.Gemini.Model
		if model == "" {
			model = gemini.DefaultModel
		}
		client, err := gemini.NewClient(ctx, config.Providers.Gemini.APIKey,
			gemini.WithModel(model),
			gemini.WithLogger(logger),
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize gemini provider")
		}
		registry.Register("gemini", gemini.TaskTypePrompt, client.RunFunc())
		models = append(models, &providers.Model{Name: model, Task: gemini.TaskTypePrompt})
	} else {
		logger.Warn().Msg("providers.gemini.api_key not set — gemini dispatch disabled")
	}
	modelRepo := providers.NewStaticModelRepository(models...)

	runtime := queue.NewRuntime(storage, registry, modelRepo, logger, queue.RuntimeConfig{
		MaxConcurrent:     config.Queue.MaxConcurrent,
		PollBase:          config.Queue.GetPollBase(),
		PollMax:           config.Queue.GetPollMax(),
		BackoffBase:       config.Queue.GetBackoffBase(),
		BackoffMax:        config.Queue.GetBackoffMax(),
		AbortPollInterval: config.Queue.GetAbortPollInterval(),
		ShutdownGrace:     config.Queue.GetShutdownGrace(),
		DispatchRateLimit: config.Queue.DispatchRateLimit,
		DispatchBurst:     config.Queue.DispatchBurst,
	})
	runtime.Start(ctx)

	manager := queue.NewManager(storage)
	srv := server.NewServer(config, logger, storage, runtime, manager)

	shutdownChan := make(chan struct{}, 1)
	srv.SetShutdownChannel(shutdownChan)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("admin HTTP API stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("shutdown signal received")
	case <-shutdownChan:
		logger.Info().Msg("shutdown requested via admin API")
	}

	runtime.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Queue.GetShutdownGrace())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin HTTP API shutdown failed")
	}

	common.PrintShutdownBanner(logger)
}

// newStorage constructs the storage backend selected by config.Backend.Kind.
func newStorage(ctx context.Context, config *common.Config, logger *common.Logger) (queue.Storage, error) {
	switch config.Backend.Kind {
	case "", "memory":
		return memstore.New(config.Queue.Name, nil), nil
	case "embedded":
		return embeddedstore.New(logger, config.Backend.DataPath, config.Queue.Name, nil)
	case "cursor":
		return cursorstore.New(logger, config.Backend.DataPath, config.Queue.Name, nil)
	case "sql":
		return sqlstore.New(logger, sqlstore.Config{DSN: config.Backend.SQL.DSN}, config.Queue.Name, nil)
	case "cloud":
		return cloudstore.New(ctx, logger, cloudstore.Config{
			Address:   config.Backend.Cloud.Address,
			Namespace: config.Backend.Cloud.Namespace,
			Database:  config.Backend.Cloud.Database,
			Username:  config.Backend.Cloud.Username,
			Password:  config.Backend.Cloud.Password,
		}, config.Queue.Name, nil)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", config.Backend.Kind)
	}
}
