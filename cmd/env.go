package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/candidate-pipeline/internal/batch"
	"github.com/sells-group/candidate-pipeline/internal/config"
	"github.com/sells-group/candidate-pipeline/internal/cost"
	"github.com/sells-group/candidate-pipeline/internal/ingest"
	"github.com/sells-group/candidate-pipeline/internal/monitoring"
	"github.com/sells-group/candidate-pipeline/internal/pipeline"
	"github.com/sells-group/candidate-pipeline/internal/store"
	anthropicpkg "github.com/sells-group/candidate-pipeline/pkg/anthropic"
	"github.com/sells-group/candidate-pipeline/pkg/gemini"
)

// appEnv holds the store, pipeline and metrics collector shared by the serve,
// submit and worker commands.
type appEnv struct {
	Store     store.Store
	Pipeline  *pipeline.Pipeline
	Collector *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "candidates.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initProvider builds the configured batch provider. It returns nil when the
// provider is disabled and the pipeline runs in mock mode.
func initProvider(c *config.Config) (batch.Provider, error) {
	if !c.Provider.Enabled {
		return nil, nil
	}
	timeout := time.Duration(c.Provider.RequestTimeoutSecs) * time.Second

	switch c.Provider.Backend {
	case "gemini":
		opts := []gemini.Option{gemini.WithTimeout(timeout)}
		if c.Provider.GeminiBaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.Provider.GeminiBaseURL))
		}
		return batch.NewGeminiProvider(gemini.NewClient(c.Provider.GeminiKey, opts...)), nil
	case "anthropic":
		var opts []anthropicpkg.Option
		if c.Provider.AnthropicBaseURL != "" {
			opts = append(opts, anthropicpkg.WithBaseURL(c.Provider.AnthropicBaseURL))
		}
		client := anthropicpkg.NewClient(c.Provider.AnthropicKey, opts...)
		return batch.NewAnthropicProvider(client, int64(c.Batch.MaxOutputTokens)), nil
	default:
		return nil, eris.Errorf("unsupported provider backend: %s", c.Provider.Backend)
	}
}

// initEnv validates config for mode, opens and migrates the store, and
// builds the pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	provider, err := initProvider(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var transport *batch.Transport
	if provider != nil {
		transport = batch.NewTransport(provider, batch.WithInlineThreshold(cfg.Batch.InlineThresholdBytes))
		zap.L().Info("batch provider enabled",
			zap.String("backend", provider.Name()),
			zap.String("primary_model", cfg.Models.Primary),
			zap.String("fallback_model", cfg.Models.Fallback),
		)
	} else {
		zap.L().Warn("batch provider disabled, jobs run in mock mode")
	}

	opts := pipeline.OptionsFromConfig(cfg)
	if mode == "worker" {
		opts.MaxPollsPerAdvance = 1
	}

	collector := monitoring.NewCollector(st, cost.NewCalculator(cost.DefaultRates().Merge(opts.Rates)),
		cfg.Admission, time.Duration(cfg.Monitoring.StuckIngestMins)*time.Minute)

	return &appEnv{
		Store:     st,
		Pipeline:  pipeline.New(st, transport, ingest.NewCandidateIngester(st), opts),
		Collector: collector,
	}, nil
}
