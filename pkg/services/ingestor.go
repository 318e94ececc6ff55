package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/catalog"
	"github.com/ekaya-inc/purview-connector/pkg/models"
	"github.com/ekaya-inc/purview-connector/pkg/retry"
)

// Ingestor defaults.
const (
	DefaultBatchSize     = 100
	DefaultTypeCacheSize = 128
)

// IngestionSummary is the result of ingesting one run's entities.
type IngestionSummary struct {
	// Outcomes holds one entry per input entity.
	Outcomes      []models.IngestionOutcome
	Created       int
	Updated       int
	Failed        int
	Batches       int
	FailedBatches int
	Errors        []models.ErrorDetail
	// Fatal is set when the catalog rejected the credential. Batches after the
	// rejected one were not attempted.
	Fatal error
}

// Succeeded returns the number of entities the catalog accepted.
func (s *IngestionSummary) Succeeded() int {
	return s.Created + s.Updated
}

// BatchIngestor pushes entities to the catalog in bounded batches.
type BatchIngestor interface {
	// Ingest partitions entities in input order and submits each batch,
	// retrying transient failures. A failed batch never prevents later
	// batches from being attempted, except after an authentication failure.
	Ingest(ctx context.Context, entities []models.Entity, batchSize int) *IngestionSummary
}

// IngestorConfig tunes the batch ingestor.
type IngestorConfig struct {
	Retry *retry.Policy
	// RequestTimeout bounds each catalog request. Expiry counts as a transient failure.
	RequestTimeout time.Duration
	// RequestsPerSecond throttles catalog requests. Zero disables throttling.
	RequestsPerSecond float64
	TypeCacheSize     int
	Clock             func() time.Time
}

type batchIngestor struct {
	client         catalog.Client
	policy         retry.Policy
	requestTimeout time.Duration
	limiter        *rate.Limiter
	types          *lru.Cache[string, bool]
	clock          func() time.Time
	metrics        *Metrics
	logger         *zap.Logger
}

// NewBatchIngestor creates an ingestor writing to client.
func NewBatchIngestor(client catalog.Client, cfg IngestorConfig, metrics *Metrics, logger *zap.Logger) (BatchIngestor, error) {
	if client == nil {
		return nil, fmt.Errorf("catalog client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ingestor")

	size := cfg.TypeCacheSize
	if size <= 0 {
		size = DefaultTypeCacheSize
	}
	types, err := lru.New[string, bool](size)
	if err != nil {
		return nil, fmt.Errorf("create type cache: %w", err)
	}

	policy := retry.DefaultPolicy()
	if cfg.Retry != nil {
		policy = cfg.Retry
	}
	p := *policy
	onRetry := policy.OnRetry
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.IncRetry()
		logger.Warn("Retrying catalog request",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &batchIngestor{
		client:         client,
		policy:         p,
		requestTimeout: cfg.RequestTimeout,
		limiter:        limiter,
		types:          types,
		clock:          clock,
		metrics:        metrics,
		logger:         logger,
	}, nil
}

func (i *batchIngestor) Ingest(ctx context.Context, entities []models.Entity, batchSize int) *IngestionSummary {
	started := time.Now()
	sum := &IngestionSummary{}
	if len(entities) == 0 {
		return sum
	}
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}

	accepted := make([]models.Entity, 0, len(entities))
	for idx, e := range entities {
		known, err := i.typeKnown(ctx, e.TypeName)
		if err != nil {
			sum.Fatal = err
			sum.Errors = append(sum.Errors, models.ErrorDetail{Context: "type " + string(e.TypeName), Reason: err.Error()})
			i.failAll(sum, entities[idx:], fmt.Errorf("not attempted: %w", err))
			i.failAll(sum, accepted, fmt.Errorf("not attempted: %w", err))
			return sum
		}
		if !known {
			err := apperrors.PermanentIngestion(e.QualifiedName, 0,
				apperrors.SchemaMapping(string(e.TypeName), "entity type is not defined in the catalog"))
			i.failAll(sum, []models.Entity{e}, err)
			sum.Errors = append(sum.Errors, models.ErrorDetail{Context: e.QualifiedName, Reason: err.Error()})
			continue
		}
		accepted = append(accepted, e)
	}

	total := (len(accepted) + batchSize - 1) / batchSize
	for n := 0; n < total; n++ {
		lo := n * batchSize
		hi := min(lo+batchSize, len(accepted))
		batch := accepted[lo:hi]
		label := fmt.Sprintf("batch %d/%d", n+1, total)

		if sum.Fatal != nil {
			i.failAll(sum, batch, fmt.Errorf("not attempted: %w", sum.Fatal))
			continue
		}

		results, attempts, err := i.submit(ctx, batch)
		sum.Batches++
		if err != nil {
			sum.FailedBatches++
			i.metrics.IncBatch(false)
			i.metrics.AddRecordErrors(apperrors.KindOf(err), 1)
			if apperrors.KindOf(err) == apperrors.KindAuthenticationFailed {
				sum.Fatal = err
			}
			i.failAll(sum, batch, err)
			sum.Errors = append(sum.Errors, models.ErrorDetail{Context: label, Reason: err.Error()})
			i.logger.Error("Batch failed",
				zap.String("batch", label),
				zap.Int("entities", len(batch)),
				zap.Int("attempts", attempts),
				zap.String("kind", string(apperrors.KindOf(err))),
				zap.Error(err))
			continue
		}

		i.metrics.IncBatch(true)
		i.apply(sum, batch, results)
		i.logger.Debug("Batch ingested",
			zap.String("batch", label),
			zap.Int("entities", len(batch)),
			zap.Int("attempts", attempts))
	}

	i.metrics.AddOutcome(models.OutcomeCreated, sum.Created)
	i.metrics.AddOutcome(models.OutcomeUpdated, sum.Updated)
	i.metrics.AddOutcome(models.OutcomeFailed, sum.Failed)
	i.metrics.ObserveStage("ingest", time.Since(started))
	return sum
}

// submit sends one batch through the retry policy. It returns the attempts made.
func (i *batchIngestor) submit(ctx context.Context, batch []models.Entity) ([]catalog.EntityResult, int, error) {
	attempts := 0
	results, err := retry.DoWithResult(ctx, &i.policy, func(attempt int) ([]catalog.EntityResult, error) {
		attempts = attempt
		if err := i.wait(ctx); err != nil {
			return nil, err
		}
		reqCtx, cancel := i.requestContext(ctx)
		defer cancel()

		results, err := i.client.BulkUpsert(reqCtx, batch)
		if err != nil {
			return nil, i.classify(ctx, reqCtx, err)
		}
		return results, nil
	})
	if err != nil && ctx.Err() != nil && !errors.Is(err, context.Canceled) {
		// The run's budget ran out; the batch may succeed on the next run.
		err = apperrors.TransientIngestion("bulk upsert", 0, err)
	}
	return results, attempts, err
}

// classify turns a request-scoped timeout into a retryable error while leaving
// cancellation of the run itself alone.
func (i *batchIngestor) classify(ctx, reqCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() != nil {
		var appErr *apperrors.Error
		if !errors.As(err, &appErr) {
			return apperrors.TransientIngestion("bulk upsert", 0, err)
		}
	}
	return err
}

func (i *batchIngestor) wait(ctx context.Context) error {
	if i.limiter == nil {
		return nil
	}
	return i.limiter.Wait(ctx)
}

func (i *batchIngestor) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, i.requestTimeout)
}

// typeKnown consults the read-through type cache. Only an authentication
// failure is returned as an error; other lookup failures assume the type
// exists and leave the verdict to the catalog.
func (i *batchIngestor) typeKnown(ctx context.Context, typeName models.EntityType) (bool, error) {
	if known, ok := i.types.Get(string(typeName)); ok {
		i.metrics.IncTypeCache(true)
		return known, nil
	}
	i.metrics.IncTypeCache(false)

	known, err := retry.DoWithResult(ctx, &i.policy, func(attempt int) (bool, error) {
		if err := i.wait(ctx); err != nil {
			return false, err
		}
		reqCtx, cancel := i.requestContext(ctx)
		defer cancel()
		known, err := i.client.TypeExists(reqCtx, string(typeName))
		if err != nil {
			return false, i.classify(ctx, reqCtx, err)
		}
		return known, nil
	})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindAuthenticationFailed {
			return false, err
		}
		i.logger.Warn("Could not verify entity type, submitting anyway",
			zap.String("type_name", string(typeName)),
			zap.Error(err))
		return true, nil
	}

	i.types.Add(string(typeName), known)
	if !known {
		i.logger.Warn("Entity type is not defined in the catalog",
			zap.String("type_name", string(typeName)))
	}
	return known, nil
}

func (i *batchIngestor) failAll(sum *IngestionSummary, batch []models.Entity, err error) {
	now := i.clock()
	for _, e := range batch {
		sum.Failed++
		sum.Outcomes = append(sum.Outcomes, models.IngestionOutcome{
			QualifiedName: e.QualifiedName,
			TypeName:      e.TypeName,
			Outcome:       models.OutcomeFailed,
			Reason:        err.Error(),
			Timestamp:     now,
		})
	}
}

func (i *batchIngestor) apply(sum *IngestionSummary, batch []models.Entity, results []catalog.EntityResult) {
	now := i.clock()

	byKey := make(map[string]catalog.EntityResult, len(results))
	inOrder := len(results) == len(batch)
	for idx, r := range results {
		key := models.Entity{TypeName: r.TypeName, QualifiedName: r.QualifiedName}.Key()
		byKey[key] = r
		if inOrder && key != batch[idx].Key() {
			inOrder = false
		}
	}

	for idx, e := range batch {
		var (
			r  catalog.EntityResult
			ok bool
		)
		if inOrder {
			r, ok = results[idx], true
		} else {
			r, ok = byKey[e.Key()]
		}

		outcome := models.IngestionOutcome{
			QualifiedName: e.QualifiedName,
			TypeName:      e.TypeName,
			Timestamp:     now,
		}
		switch {
		case !ok:
			outcome.Outcome = models.OutcomeFailed
			outcome.Reason = "catalog returned no result for entity"
			sum.Failed++
		case r.Outcome == models.OutcomeCreated:
			outcome.Outcome = models.OutcomeCreated
			sum.Created++
		default:
			outcome.Outcome = models.OutcomeUpdated
			sum.Updated++
		}
		sum.Outcomes = append(sum.Outcomes, outcome)
	}
}
