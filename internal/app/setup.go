package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"golang.org/x/time/rate"

	"github.com/finsight/ragserver/db"
	"github.com/finsight/ragserver/internal/api"
	"github.com/finsight/ragserver/internal/config"
	"github.com/finsight/ragserver/internal/embed"
	"github.com/finsight/ragserver/internal/retrieval"
	"github.com/finsight/ragserver/internal/retry"
	"github.com/finsight/ragserver/internal/store"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool
	a.Store = store.New(pool, pool, logger)

	embedder, err := provideEmbedder(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Embedder = embedder

	a.Retrieval = retrieval.New(embedder, a.Store, logger,
		retrieval.WithRetryConfig(retryConfig(cfg)),
		retrieval.WithDefaults(cfg.RetrievalLimit, cfg.SimilarityThreshold))

	server, err := api.NewServer(api.ServerConfig{
		Logger:    logger,
		Retriever: a.Retrieval,
		AuthToken: cfg.AuthToken,
		Ready:     pool.Ping,
	})
	if err != nil {
		return nil, fmt.Errorf("creating http server: %w", err)
	}
	a.Server = server

	return a, nil
}

// provideDBPool runs migrations and creates a PostgreSQL connection pool
// with the pgvector codec registered on every connection.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideEmbedder creates the rate-limited embedding client over the
// configured Gemini model.
func provideEmbedder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*embed.Client, error) {
	opts := []embed.Option{}
	if cfg.EmbedRatePerSecond > 0 {
		opts = append(opts, embed.WithRateLimiter(
			rate.NewLimiter(rate.Limit(cfg.EmbedRatePerSecond), 1)))
	}

	client, err := embed.NewGoogleAI(ctx, cfg.EmbedderModel, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return client, nil
}

// retryConfig maps configuration knobs onto the backoff policy.
func retryConfig(cfg *config.Config) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.RetryMaxRetries
	if cfg.RetryBaseDelay > 0 {
		rc.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMaxDelay > 0 {
		rc.MaxDelay = cfg.RetryMaxDelay
	}
	return rc
}
