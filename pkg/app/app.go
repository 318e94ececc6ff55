// Package app wires configuration into a runnable connector: secret provider,
// checkpoint store, catalog client, pipeline, work queue and HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/audit"
	"github.com/ekaya-inc/purview-connector/pkg/azureauth"
	"github.com/ekaya-inc/purview-connector/pkg/catalog"
	"github.com/ekaya-inc/purview-connector/pkg/checkpoint"
	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/database"
	"github.com/ekaya-inc/purview-connector/pkg/handlers"
	"github.com/ekaya-inc/purview-connector/pkg/logging"
	"github.com/ekaya-inc/purview-connector/pkg/middleware"
	"github.com/ekaya-inc/purview-connector/pkg/models"
	"github.com/ekaya-inc/purview-connector/pkg/retry"
	"github.com/ekaya-inc/purview-connector/pkg/secrets"
	"github.com/ekaya-inc/purview-connector/pkg/services"
	"github.com/ekaya-inc/purview-connector/pkg/services/workqueue"
)

const shutdownTimeout = 30 * time.Second

// Options replace collaborators that are otherwise built from configuration.
type Options struct {
	// Registerer receives pipeline metrics; Gatherer serves them on /metrics.
	// Both default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Catalog replaces the Purview client.
	Catalog catalog.Client
	// Secrets replaces the configured secret provider.
	Secrets secrets.Provider
	// Sources replaces the adapter registry.
	Sources datasource.SourceFactory
	// Fs holds the outcome log. Defaults to the OS filesystem.
	Fs afero.Fs
}

// App is a fully wired connector.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Checkpoints checkpoint.Store
	History     checkpoint.RunHistory
	Pipeline    services.Pipeline
	Dispatcher  *services.RunDispatcher

	queue    *workqueue.Queue
	db       *database.DB
	redis    *redis.Client
	auditor  *audit.OutcomeAuditor
	gatherer prometheus.Gatherer
}

// New builds the connector described by cfg.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	provider := opts.Secrets
	if provider == nil {
		if provider, err = secrets.New(ctx, cfg.Secrets, logger); err != nil {
			return nil, fmt.Errorf("secret provider: %w", err)
		}
	}

	store, db, err := checkpoint.Open(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return nil, err
	}
	a.Checkpoints, a.db = store, db
	if history, ok := store.(checkpoint.RunHistory); ok {
		a.History = history
	}

	var lock services.RunLock = services.NewLocalRunLock()
	switch {
	case cfg.Redis.Host != "":
		if cfg.Redis.Password != "" {
			logging.RegisterSecret(cfg.Redis.Password)
		}
		if a.redis, err = database.NewRedisClient(ctx, &cfg.Redis); err != nil {
			return nil, err
		}
		lock = services.NewRedisRunLock(a.redis, cfg.Redis.LeaseTTL, logger)
	case cfg.Checkpoint.DistributedLock && db != nil:
		lock = services.NewPostgresRunLock(db, logger)
	}

	client := opts.Catalog
	if client == nil {
		if client, err = newCatalogClient(ctx, cfg.Catalog, provider, logger); err != nil {
			return nil, err
		}
	}

	var metrics *services.Metrics
	if opts.Registerer != nil {
		metrics = services.NewMetrics(opts.Registerer)
	} else {
		metrics = services.DefaultMetrics()
	}
	a.gatherer = opts.Gatherer
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	policy := retryPolicy(cfg.Pipeline.Retry)
	ingestor, err := services.NewBatchIngestor(client, services.IngestorConfig{
		Retry:             policy,
		RequestTimeout:    cfg.Catalog.RequestTimeout,
		RequestsPerSecond: cfg.Catalog.RequestsPerSecond,
		TypeCacheSize:     cfg.Catalog.TypeCacheSize,
	}, metrics, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Audit.Enabled && !cfg.Catalog.DryRun {
		fsys := opts.Fs
		if fsys == nil {
			fsys = afero.NewOsFs()
		}
		if a.auditor, err = audit.OpenOutcomeLog(fsys, cfg.Audit.Path, logger); err != nil {
			return nil, err
		}
	}

	sources := opts.Sources
	if sources == nil {
		sources = datasource.NewSourceFactory()
	}

	a.Pipeline, err = services.NewPipeline(services.PipelineDeps{
		Sources:     sources,
		Secrets:     provider,
		Checkpoints: store,
		History:     a.History,
		Lock:        lock,
		Extractor:   services.NewMetadataExtractor(policy, metrics, logger),
		Transformer: services.NewAtlasTransformer(logger),
		Validator:   services.NewEntityValidator(),
		Ingestor:    ingestor,
		Auditor:     a.auditor,
		Metrics:     metrics,
	}, services.PipelineSettings{
		RunTimeout:      cfg.Pipeline.RunTimeout,
		CommitOnPartial: cfg.Checkpoint.CommitOnPartial,
		PageSize:        cfg.Pipeline.PageSize,
		BatchSize:       cfg.Pipeline.BatchSize,
		Concurrency:     cfg.Pipeline.Concurrency,
		DryRun:          cfg.Catalog.DryRun,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.queue = workqueue.New(logger,
		workqueue.WithStrategy(workqueue.NewThrottledStrategy(cfg.Pipeline.MaxConcurrentRuns)))
	a.Dispatcher = services.NewRunDispatcher(cfg.Sources, a.Pipeline, a.queue, logger)
	return a, nil
}

// RunSources runs the given sources, or every configured source when ids is
// empty, and waits for them to finish. Summaries are in scheduling order.
func (a *App) RunSources(ctx context.Context, ids []string, full bool) ([]*models.RunSummary, error) {
	if len(ids) == 0 {
		if _, err := a.Dispatcher.ScheduleAll(full); err != nil {
			return nil, err
		}
	} else {
		for _, id := range ids {
			if _, err := a.Dispatcher.Schedule(id, services.RunOptions{Full: full}); err != nil {
				return nil, err
			}
		}
	}
	return a.Dispatcher.Wait(ctx)
}

// Handler returns the HTTP surface of the serve command.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	handlers.NewHealthHandler(a.cfg, a.ready, a.logger).RegisterRoutes(mux)
	handlers.RegisterMetrics(mux, a.gatherer)
	handlers.NewRunsHandler(a.Dispatcher, a.Checkpoints, a.History, a.logger).RegisterRoutes(mux)

	var h http.Handler = mux
	h = middleware.RequestLogger(a.logger.Named("http"))(h)
	h = middleware.Recover(a.logger)(h)
	return h
}

// ready checks that the checkpoint store answers.
func (a *App) ready(ctx context.Context) error {
	_, err := a.Checkpoints.List(ctx)
	return err
}

// Serve listens on the configured address until ctx is cancelled, then drains
// in-flight requests and runs.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting HTTP server",
			zap.String("addr", srv.Addr),
			zap.String("version", a.cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := a.queue.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Runs still in flight at shutdown", zap.Error(err))
	}
	return nil
}

// Close releases the outcome log, the checkpoint database and the Redis client.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Cancel()
	}
	if a.auditor != nil {
		if err := a.auditor.Close(); err != nil {
			a.logger.Warn("Failed to close outcome log", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
}

func retryPolicy(cfg config.RetryConfig) *retry.Policy {
	return &retry.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		BaseDelay:    cfg.BaseDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.Multiplier,
		JitterFactor: cfg.JitterFactor,
	}
}

// newCatalogClient returns the in-memory catalog for dry runs and the Purview
// client otherwise.
func newCatalogClient(ctx context.Context, cfg config.CatalogConfig, provider secrets.Provider, logger *zap.Logger) (catalog.Client, error) {
	if cfg.DryRun {
		logger.Info("Dry run: entities go to an in-memory catalog")
		return catalog.NewMemoryCatalog(), nil
	}

	cred, err := catalogCredential(ctx, cfg, provider, logger)
	if err != nil {
		return nil, err
	}
	client, err := catalog.NewAtlasClient(cfg.Endpoint, cfg.Collection, cred, nil, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func catalogCredential(ctx context.Context, cfg config.CatalogConfig, provider secrets.Provider, logger *zap.Logger) (azcore.TokenCredential, error) {
	secret := cfg.ClientSecret
	if secret == "" && cfg.ClientSecretName != "" {
		v, err := provider.GetCredential(ctx, cfg.ClientSecretName)
		if err != nil {
			return nil, apperrors.AuthenticationFailed("catalog", fmt.Errorf("resolve client secret: %w", err))
		}
		secret = v
	}
	if secret != "" {
		logging.RegisterSecret(secret)
	}

	cred, kind, err := azureauth.NewCredential(azureauth.Options{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Using Purview catalog",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.Collection),
		zap.String("credential", kind))
	return cred, nil
}
