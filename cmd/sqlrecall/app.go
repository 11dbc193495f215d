package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sqlrecall/internal/analyzer"
	"github.com/fyrsmithlabs/sqlrecall/internal/config"
	"github.com/fyrsmithlabs/sqlrecall/internal/curator"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings"
	"github.com/fyrsmithlabs/sqlrecall/internal/exampleindex"
	"github.com/fyrsmithlabs/sqlrecall/internal/logging"
	"github.com/fyrsmithlabs/sqlrecall/internal/retrieval"
	"github.com/fyrsmithlabs/sqlrecall/internal/service"
	"github.com/fyrsmithlabs/sqlrecall/internal/taxonomy"
	"github.com/fyrsmithlabs/sqlrecall/internal/telemetry"
)

// app holds every long-lived dependency of one command invocation.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	embedder  embeddings.Provider
	index     exampleindex.Index
	registry  *curator.Registry
	service   *service.Service
}

// loadConfig loads configuration and creates the config directory.
func loadConfig(path string) (*config.Config, error) {
	if err := config.EnsureConfigDir(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry.ServiceVersion == "" || cfg.Telemetry.ServiceVersion == "dev" {
		cfg.Telemetry.ServiceVersion = version
	}
	return cfg, nil
}

// newApp wires the stack bottom-up. On error everything created so far is
// closed.
func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if a.telemetry, err = telemetry.New(ctx, &cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	if a.logger, err = logging.NewLogger(&cfg.Logging, a.telemetry.LoggerProvider()); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	zl := a.logger.Underlying()
	if h := a.telemetry.Health(); h.Degraded {
		zl.Warn("telemetry degraded", zap.Strings("reasons", h.Reasons))
	}

	if a.embedder, err = embeddings.NewProvider(cfg.Embeddings, zl.Named("embeddings")); err != nil {
		return nil, fmt.Errorf("initializing embeddings: %w", err)
	}
	policy := embeddings.RetryPolicy{
		MaxAttempts:     cfg.Embeddings.RetryAttempts,
		InitialInterval: cfg.Embeddings.RetryInitialInterval,
	}
	if a.index, err = exampleindex.New(ctx, cfg.VectorStore, a.embedder, policy, zl.Named("exampleindex")); err != nil {
		return nil, fmt.Errorf("initializing example index: %w", err)
	}

	dir, err := config.ExpandPath(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("expanding storage dir: %w", err)
	}
	tax := taxonomy.New(cfg.Taxonomy.Categories)
	if a.registry, err = curator.NewRegistry(dir, a.embedder, tax, cfg.Curator, zl.Named("curator")); err != nil {
		return nil, fmt.Errorf("initializing curators: %w", err)
	}

	retriever, err := retrieval.New(a.index, cfg.Retrieval, zl.Named("retrieval"))
	if err != nil {
		return nil, fmt.Errorf("initializing retriever: %w", err)
	}
	if a.service, err = service.New(retriever, a.registry, zl.Named("service"), service.WithTelemetry(a.telemetry)); err != nil {
		return nil, fmt.Errorf("initializing service: %w", err)
	}
	return a, nil
}

// newIngester returns an Ingester over the app's index.
func (a *app) newIngester() (*exampleindex.Ingester, error) {
	an, err := analyzer.New(a.cfg.Scoring)
	if err != nil {
		return nil, err
	}
	return exampleindex.NewIngester(a.index, an, a.logger.Underlying().Named("ingest"))
}

// Close releases dependencies in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Sync())
	}
	return errors.Join(errs...)
}
