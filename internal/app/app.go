// Package app provides application initialization and dependency wiring.
//
// App is the container that assembles the storage layer, embedding client,
// retrieval service, and HTTP server from configuration. Setup builds it;
// Close releases everything in reverse order.
package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finsight/ragserver/internal/api"
	"github.com/finsight/ragserver/internal/config"
	"github.com/finsight/ragserver/internal/embed"
	"github.com/finsight/ragserver/internal/retrieval"
	"github.com/finsight/ragserver/internal/store"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DBPool    *pgxpool.Pool
	Store     *store.Store
	Embedder  *embed.Client
	Retrieval *retrieval.Service
	Server    *api.Server
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database pool closed")
	}

	return nil
}
