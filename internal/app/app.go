// Package app assembles the application's services from configuration: the
// store, the shared rate limiter, the LLM client, and the workflow engine.
// Commands construct one App and tear it down when they finish.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cookmarks/cookmarks/internal/config"
	"github.com/cookmarks/cookmarks/internal/extraction"
	"github.com/cookmarks/cookmarks/internal/providers"
	"github.com/cookmarks/cookmarks/internal/store"
)

// App holds the wired services for one process.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   *store.Store
	Limiter *providers.RateLimiter
	Client  *extraction.Client
	Engine  *extraction.Engine
}

// New validates cfg and wires every service. The returned App owns the store
// and must be closed.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)

	st, err := store.Open(filepath.Join(cfg.DataDir, "cookmarks.db"), logger)
	if err != nil {
		return nil, err
	}

	llm, err := providers.NewClient(providers.ClientConfig{
		Type:         cfg.Provider.Type,
		APIKey:       cfg.Provider.ResolvedAPIKey(),
		DefaultModel: cfg.Provider.Model,
		BaseURL:      cfg.Provider.BaseURL,
		Timeout:      cfg.Provider.Timeout(),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	// One limiter for the whole process; every run shares it.
	limiter := providers.NewRateLimiter(cfg.Extraction.RateLimitPerMinute)

	client := extraction.NewClient(extraction.ClientConfig{
		LLM:        llm,
		Limiter:    limiter,
		Recorder:   st,
		Logger:     logger,
		Model:      cfg.Provider.Model,
		MaxRetries: cfg.Extraction.MaxRetries,
		RetryDelay: 2 * time.Second,
	})

	engine := extraction.NewEngine(extraction.EngineConfig{
		Store:       st,
		Sink:        st,
		Client:      client,
		Logger:      logger,
		MaxAttempts: cfg.Extraction.MaxAttempts,
	})

	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   st,
		Limiter: limiter,
		Client:  client,
		Engine:  engine,
	}, nil
}

// Close releases the store and its process lock.
func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
