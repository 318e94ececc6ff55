package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/models"
	"github.com/ekaya-inc/purview-connector/pkg/retry"
)

// DefaultExtractConcurrency bounds the number of scopes listed in parallel.
const DefaultExtractConcurrency = 5

// Connection parameters copied onto every record of a source.
var gatewayParams = []string{"use_gateway", "gateway_id"}

// RecordError is a per-record failure that does not abort the run.
type RecordError struct {
	Context string
	Err     error
}

func (e RecordError) detail() models.ErrorDetail {
	return models.ErrorDetail{Context: e.Context, Reason: e.Err.Error()}
}

// ExtractOptions tunes one extraction.
type ExtractOptions struct {
	// Since restricts the scan to objects modified after it. Nil means full scan.
	Since       *time.Time
	Concurrency int
	// OnProgress receives the running record count. It is called from worker
	// goroutines, one call at a time.
	OnProgress func(extracted int)
}

// ExtractResult describes a completed scan. Records are handed to the emit
// callback and never retained.
type ExtractResult struct {
	Extracted int
	// Errors holds objects whose detail could not be read.
	Errors []RecordError
	Scopes int
	// Unchanged counts objects skipped because they were not modified since the watermark.
	Unchanged int
}

// MetadataExtractor produces raw metadata records from a source.
type MetadataExtractor interface {
	// Stream scans the source, fanning out across its scopes, and hands each
	// record to emit as soon as it is read. emit is never called concurrently
	// and may block, which holds back every scope. An error from emit stops
	// the scan. A fatal error (SourceUnreachable, AuthenticationFailed,
	// cancellation) returns a nil result.
	Stream(ctx context.Context, src datasource.MetadataSource, cfg *config.SourceConfig, opts ExtractOptions, emit func(models.RawMetadataRecord) error) (*ExtractResult, error)
}

type metadataExtractor struct {
	pageRetry *retry.Policy
	metrics   *Metrics
	logger    *zap.Logger
}

// NewMetadataExtractor creates an extractor. pageRetry governs re-listing a
// page after a transient source error; nil uses retry.DefaultPolicy.
func NewMetadataExtractor(pageRetry *retry.Policy, metrics *Metrics, logger *zap.Logger) MetadataExtractor {
	if pageRetry == nil {
		pageRetry = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &metadataExtractor{
		pageRetry: pageRetry,
		metrics:   metrics,
		logger:    logger.Named("extractor"),
	}
}

func (e *metadataExtractor) Stream(
	ctx context.Context,
	src datasource.MetadataSource,
	cfg *config.SourceConfig,
	opts ExtractOptions,
	emit func(models.RawMetadataRecord) error,
) (*ExtractResult, error) {
	started := time.Now()
	logger := e.logger.With(zap.String("source_id", cfg.ID))

	scopes, err := src.ListScopes(ctx)
	if err != nil {
		return nil, fatalSourceError(ctx, "list scopes of "+cfg.ID, err)
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = DefaultExtractConcurrency
	}

	logger.Info("Starting extraction",
		zap.Int("scopes", len(scopes)),
		zap.Int("concurrency", concurrency),
		zap.Bool("incremental", opts.Since != nil))

	var (
		mu        sync.Mutex
		errs      []RecordError
		emitted   int
		unchanged int
	)
	shared := sourceAttributes(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, scope := range scopes {
		g.Go(func() error {
			token := ""
			for {
				// Stop between pages once the run is cancelled.
				if err := gctx.Err(); err != nil {
					return err
				}

				page, err := e.listPage(gctx, src, scope, token)
				if err != nil {
					return fatalSourceError(gctx, fmt.Sprintf("list objects of %s/%s", cfg.ID, scope), err)
				}

				for _, obj := range page.Objects {
					if opts.Since != nil && !obj.ModifiedSince(*opts.Since) {
						mu.Lock()
						unchanged++
						mu.Unlock()
						continue
					}

					rec, recErr, err := e.readRecord(gctx, src, cfg, obj, shared)
					if err != nil {
						return err
					}

					mu.Lock()
					if recErr != nil {
						errs = append(errs, *recErr)
						mu.Unlock()
						continue
					}
					if err := emit(rec); err != nil {
						mu.Unlock()
						return err
					}
					emitted++
					if opts.OnProgress != nil {
						opts.OnProgress(emitted)
					}
					mu.Unlock()
				}

				if page.NextPageToken == "" {
					return nil
				}
				token = page.NextPageToken
			}
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Extraction aborted",
			zap.Int("records_emitted", emitted),
			zap.String("kind", string(apperrors.KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	e.metrics.ObserveStage("extract", time.Since(started))
	e.metrics.AddExtracted(cfg.ID, emitted)
	e.metrics.AddRecordErrors(apperrors.KindPartialScan, len(errs))

	logger.Info("Extraction completed",
		zap.Int("records", emitted),
		zap.Int("unchanged", unchanged),
		zap.Int("partial_scan_errors", len(errs)),
		zap.Duration("duration", time.Since(started)))
	return &ExtractResult{
		Extracted: emitted,
		Errors:    errs,
		Scopes:    len(scopes),
		Unchanged: unchanged,
	}, nil
}

// transientListError marks a source failure as worth re-listing the page.
type transientListError struct{ error }

func (e transientListError) Unwrap() error     { return e.error }
func (e transientListError) IsRetryable() bool { return true }

// listPage fetches one page, re-requesting the same token after transient
// failures. Pages are restartable, records are not deduplicated across retries
// because a failed listing emits nothing.
func (e *metadataExtractor) listPage(ctx context.Context, src datasource.MetadataSource, scope, token string) (*datasource.ObjectPage, error) {
	page, err := retry.DoWithResult(ctx, e.pageRetry, func(attempt int) (*datasource.ObjectPage, error) {
		page, err := src.ListObjects(ctx, scope, token)
		if err == nil {
			return page, nil
		}
		if apperrors.KindOf(err) == apperrors.KindAuthenticationFailed {
			return nil, err
		}
		if retry.IsRetryable(errors.Unwrap(err)) || retry.IsRetryable(err) {
			return nil, transientListError{err}
		}
		return nil, err
	})
	var transient transientListError
	if errors.As(err, &transient) {
		err = transient.error
	}
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &datasource.ObjectPage{}, nil
	}
	return page, nil
}

// readRecord reads one object's detail. A per-object failure is returned as a
// RecordError; a fatal failure as err.
func (e *metadataExtractor) readRecord(ctx context.Context, src datasource.MetadataSource, cfg *config.SourceConfig, obj datasource.ObjectDescriptor, shared map[string]any) (models.RawMetadataRecord, *RecordError, error) {
	stub := models.RawMetadataRecord{Kind: obj.Kind, Locator: obj.Locator}
	what := stub.Describe()

	detail, err := src.ReadObjectDetail(ctx, obj)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.RawMetadataRecord{}, nil, ctxErr
		}
		if apperrors.IsFatal(err) {
			return models.RawMetadataRecord{}, nil, err
		}
		if !errors.Is(err, apperrors.ErrPartialScan) {
			err = apperrors.PartialScan(what, err)
		}
		e.logger.Warn("Skipping object with unreadable detail",
			zap.String("source_id", cfg.ID),
			zap.String("object", what),
			zap.Error(err))
		return models.RawMetadataRecord{}, &RecordError{Context: what, Err: err}, nil
	}
	if detail == nil {
		detail = &datasource.ObjectDetail{}
	}

	attrs := detail.Attributes
	if len(shared) > 0 {
		attrs = maps.Clone(detail.Attributes)
		if attrs == nil {
			attrs = make(map[string]any, len(shared))
		}
		for k, v := range shared {
			attrs[k] = v
		}
	}

	rec := models.NewRawMetadataRecord(cfg.ID, cfg.Type, obj.Kind, obj.Locator, attrs, detail.Columns, obj.ModifiedAt)
	return rec, nil, nil
}

// sourceAttributes returns connection parameters recorded on every entity of
// the source, such as the on-premises gateway it is reached through.
func sourceAttributes(cfg *config.SourceConfig) map[string]any {
	var out map[string]any
	for _, key := range gatewayParams {
		if v, ok := cfg.Connection[key]; ok && v != nil {
			if out == nil {
				out = make(map[string]any)
			}
			out[key] = v
		}
	}
	return out
}

// fatalSourceError classifies a listing failure. Cancellation is passed through
// unchanged so callers can tell it apart from an unreachable source.
func fatalSourceError(ctx context.Context, where string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return datasource.ClassifyError(where, err)
}
