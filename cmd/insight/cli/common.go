package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/felixgeelhaar/insight/internal/agent"
	"github.com/felixgeelhaar/insight/internal/config"
	"github.com/felixgeelhaar/insight/internal/credential"
	"github.com/felixgeelhaar/insight/internal/gateway"
	"github.com/felixgeelhaar/insight/internal/guard"
	"github.com/felixgeelhaar/insight/internal/memory"
	"github.com/felixgeelhaar/insight/internal/observe"
	"github.com/felixgeelhaar/insight/internal/provider"
	"github.com/felixgeelhaar/insight/internal/retrieval"
	"github.com/felixgeelhaar/insight/internal/store"
	"github.com/felixgeelhaar/insight/internal/warehouse"
)

func loadConfig() (*config.Config, error) {
	// A missing .env is fine; explicit environment wins either way.
	_ = godotenv.Load()
	return config.Load()
}

func newObserver() *observe.Observer {
	if jsonLogs {
		return observe.NewJSON(os.Stdout, verbose)
	}
	return observe.New(os.Stdout, verbose)
}

func openStorage(cfg *config.Config) (*store.SQLiteStorage, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	return store.NewSQLiteStorage(cfg.DBPath)
}

// newProvider builds the configured model provider, resolving API keys from
// the encrypted configuration table first and the environment second.
func newProvider(ctx context.Context, cfg *config.Config, storage store.Storage) (provider.Provider, error) {
	switch cfg.Provider {
	case "stub":
		return provider.NewStubProvider(), nil
	case "ollama":
		return provider.NewOllamaProvider(cfg.Model)
	case "openai":
		apiKey, err := resolveKey(storage, "openai.api_key", "OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}
		baseURL, _ := storage.GetConfig("openai.base_url")
		return provider.NewOpenAIProvider(apiKey, baseURL, cfg.Model)
	case "gemini":
		apiKey, err := resolveKey(storage, "gemini.api_key", "GEMINI_API_KEY")
		if err != nil {
			return nil, err
		}
		return provider.NewGeminiProvider(ctx, apiKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func resolveKey(storage store.Storage, configKey, envVar string) (string, error) {
	if stored, err := storage.GetConfig(configKey); err == nil && stored != "" {
		creds, err := credential.NewManager()
		if err != nil {
			return "", err
		}
		return creds.Decrypt(stored)
	}
	if key := os.Getenv(envVar); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("no API key: set %s or run 'insight config set-key %s <key>'", envVar, configKey)
}

// stack is the fully wired application.
type stack struct {
	cfg      *config.Config
	obs      *observe.Observer
	storage  *store.SQLiteStorage
	engine   *warehouse.SQLite
	memories *memory.Manager
	agent    *agent.Agent
}

func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	obs := newObserver()

	storage, err := openStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	engine, err := warehouse.Open(cfg.WarehousePath)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("open warehouse (run 'insight seed' first?): %w", err)
	}

	p, err := newProvider(ctx, cfg, storage)
	if err != nil {
		engine.Close()
		storage.Close()
		return nil, err
	}

	policy := guard.DefaultPolicy
	policy.MaxQueryBytes = cfg.MaxQueryBytes
	policy.MaxRows = cfg.MaxResultRows
	policy.QueryTimeout = cfg.QueryTimeout

	memories := memory.NewManager(storage, cfg.SummaryBudgetChars, cfg.MaxFindings, cfg.MaxPreferences, cfg.RecentSessionsCap)
	retriever := retrieval.New(storage, p, cfg.MinRelevance, cfg.RetrievalTopKDefault, cfg.RetrievalTopKMax)
	tools := gateway.New(guard.New(policy), engine, retriever, memories, obs.Component("gateway"))

	a := agent.New(p, tools, storage, memories, obs, agent.Options{
		MaxIterations:  cfg.MaxIterations,
		RetryBackoff:   cfg.ModelRetryBackoff,
		ResponseBudget: cfg.ResponseBudget,
		SessionTTL:     cfg.SessionTTL,
	})

	return &stack{
		cfg:      cfg,
		obs:      obs,
		storage:  storage,
		engine:   engine,
		memories: memories,
		agent:    a,
	}, nil
}

func (s *stack) Close() {
	s.engine.Close()
	s.storage.Close()
	s.obs.Close()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
