package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"DiffBuddy/internal/config"
	"DiffBuddy/internal/domain"
	"DiffBuddy/internal/infrastructure/github"
	"DiffBuddy/internal/infrastructure/llm"
	"DiffBuddy/internal/infrastructure/storage"
	"DiffBuddy/internal/logging"
	"DiffBuddy/internal/ports"
	"DiffBuddy/internal/provider"
	"DiffBuddy/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg     config.Config
	store   *storage.SQLRepository
	service *usecase.Service
	logger  *slog.Logger
}

// New opens the store, resolves the configured provider and builds the
// generation service.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	chosen, err := registry.Resolve(cfg.Provider.Name)
	if err != nil {
		return nil, fmt.Errorf("select provider: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	return Build(cfg, store, github.NewClient(cfg.GitHub, nil), chosen, baseLogger), nil
}

// Build assembles an application from already constructed adapters.
func Build(cfg config.Config, store *storage.SQLRepository, source ports.RevisionSource, p ports.Provider, baseLogger *slog.Logger) *Application {
	baseLogger = logging.OrDiscard(baseLogger)
	service := usecase.NewService(usecase.ServiceDeps{
		Source:       source,
		Provider:     p,
		Store:        store,
		Logger:       baseLogger.With("component", "generation"),
		PollInterval: cfg.Generation.Poll(),
		WaitTimeout:  cfg.Generation.Wait(),
		StaleAfter:   cfg.Generation.Stale(),
		RunTimeout:   cfg.Generation.Run(),
	})
	baseLogger.Debug("application ready", "provider", p.Name(), "driver", cfg.Database.Driver)
	return &Application{cfg: cfg, store: store, service: service, logger: baseLogger}
}

// NewRegistry registers every provider the configuration can construct.
func NewRegistry(cfg config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	registry.Register(llm.NewChatGPTClient(cfg.ChatGPT, nil))

	ollama, err := llm.NewOllamaClient(cfg.Ollama, cfg.ChatGPT.SystemPrompt, nil)
	if err != nil {
		return nil, fmt.Errorf("ollama provider: %w", err)
	}
	registry.Register(ollama)
	return registry, nil
}

// Generate requests the summary for a pull request.
func (a *Application) Generate(ctx context.Context, key domain.Key, wait bool) (domain.Result, error) {
	return a.service.Generate(ctx, key, wait)
}

// Poll reads the current status for a pull request.
func (a *Application) Poll(ctx context.Context, key domain.Key) (domain.Result, error) {
	return a.service.Poll(ctx, key)
}

// Close drains background generations and closes the store.
func (a *Application) Close(ctx context.Context) error {
	shutdownErr := a.service.Shutdown(ctx)
	if shutdownErr != nil {
		a.logger.Warn("background generations still running at exit", "error", shutdownErr)
	}
	return errors.Join(shutdownErr, a.store.Close())
}
