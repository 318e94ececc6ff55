package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

func newTestIngestor(t *testing.T, client *scriptedCatalog, attempts int, slept *[]time.Duration, metrics *Metrics) BatchIngestor {
	t.Helper()
	ing, err := NewBatchIngestor(client, IngestorConfig{
		Retry: noSleepPolicy(attempts, slept),
		Clock: func() time.Time { return baseTime },
	}, metrics, zaptest.NewLogger(t))
	require.NoError(t, err)
	return ing
}

func TestNewBatchIngestor_RequiresClient(t *testing.T) {
	_, err := NewBatchIngestor(nil, IngestorConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestIngest_PartitionsInInputOrder(t *testing.T) {
	client := newScriptedCatalog()
	ing := newTestIngestor(t, client, 3, nil, nil)

	sum := ing.Ingest(context.Background(), tableEntities(3), 2)

	assert.Equal(t, 3, sum.Created)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, [][]string{
		{"sqlserver://db.example.com/sales/dbo/t1", "sqlserver://db.example.com/sales/dbo/t2"},
		{"sqlserver://db.example.com/sales/dbo/t3"},
	}, client.batches)
	require.Len(t, sum.Outcomes, 3)
	for _, o := range sum.Outcomes {
		assert.Equal(t, models.OutcomeCreated, o.Outcome)
		assert.Equal(t, baseTime, o.Timestamp)
	}
	assert.Equal(t, 3, sum.Succeeded())
}

func TestIngest_IsIdempotent(t *testing.T) {
	client := newScriptedCatalog()
	ing := newTestIngestor(t, client, 3, nil, nil)

	first := ing.Ingest(context.Background(), tableEntities(3), 10)
	second := ing.Ingest(context.Background(), tableEntities(3), 10)

	assert.Equal(t, 3, first.Created)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Updated)
	assert.Equal(t, 3, client.Len(), "re-ingesting never creates a second catalog object")
}

func TestIngest_RetriesTransientFailures(t *testing.T) {
	client := newScriptedCatalog()
	client.upsertErrs = []error{
		apperrors.TransientIngestion("bulk upsert", 503, errBoom),
		apperrors.TransientIngestion("bulk upsert", 429, errBoom),
	}
	var slept []time.Duration
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	ing := newTestIngestor(t, client, 3, &slept, metrics)

	sum := ing.Ingest(context.Background(), tableEntities(2), 10)

	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 0, sum.FailedBatches)
	assert.Equal(t, 3, client.batchCount())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, slept)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.retries))
}

func TestIngest_GivesUpAfterMaxAttempts(t *testing.T) {
	client := newScriptedCatalog()
	for i := 0; i < 5; i++ {
		client.upsertErrs = append(client.upsertErrs, apperrors.TransientIngestion("bulk upsert", 503, errBoom))
	}
	ing := newTestIngestor(t, client, 3, nil, nil)

	sum := ing.Ingest(context.Background(), tableEntities(4), 2)

	// Batch one spends three failures; batch two absorbs the other two and
	// succeeds on its third attempt.
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, 1, sum.FailedBatches)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 2, sum.Created)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "batch 1/2", sum.Errors[0].Context)
	assert.Nil(t, sum.Fatal)
}

func TestIngest_PermanentFailureIsolatedToBatch(t *testing.T) {
	client := newScriptedCatalog()
	client.upsertErrs = []error{nil, apperrors.PermanentIngestion("bulk upsert", 400, errors.New("invalid attribute"))}
	ing := newTestIngestor(t, client, 3, nil, nil)

	sum := ing.Ingest(context.Background(), tableEntities(5), 2)

	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, 1, sum.FailedBatches)
	assert.Equal(t, 3, sum.Created)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 3, client.batchCount(), "permanent failures are not retried")

	var failed []string
	for _, o := range sum.Outcomes {
		if o.Outcome == models.OutcomeFailed {
			failed = append(failed, o.QualifiedName)
			assert.Contains(t, o.Reason, "invalid attribute")
		}
	}
	assert.Equal(t, []string{"sqlserver://db.example.com/sales/dbo/t3", "sqlserver://db.example.com/sales/dbo/t4"}, failed)
}

func TestIngest_AuthFailureStopsLaterBatches(t *testing.T) {
	client := newScriptedCatalog()
	client.upsertErrs = []error{nil, apperrors.AuthenticationFailed("catalog", errors.New("401 token expired"))}
	ing := newTestIngestor(t, client, 3, nil, nil)

	sum := ing.Ingest(context.Background(), tableEntities(6), 2)

	require.Error(t, sum.Fatal)
	assert.ErrorIs(t, sum.Fatal, apperrors.ErrAuthenticationFailed)
	assert.Equal(t, 2, client.batchCount())
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 4, sum.Failed)
	assert.Equal(t, 2, sum.Batches)
	assert.Contains(t, sum.Outcomes[5].Reason, "not attempted")
}

func TestIngest_UnknownTypeFailsWithoutRequest(t *testing.T) {
	client := newScriptedCatalog()
	entities := append(tableEntities(2), models.Entity{
		TypeName:      "hive_table",
		QualifiedName: "hive://warehouse/db/t",
		Attributes:    map[string]any{models.AttrName: "t"},
	})
	ing := newTestIngestor(t, client, 3, nil, nil)

	sum := ing.Ingest(context.Background(), entities, 10)

	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, client.batchCount())
	assert.Len(t, client.batches[0], 2)
	assert.NoError(t, sum.Fatal)
	assert.Contains(t, sum.Errors[0].Reason, "not defined in the catalog")
}

func TestIngest_TypeLookupIsCached(t *testing.T) {
	client := newScriptedCatalog()
	ing := newTestIngestor(t, client, 3, nil, nil)

	ing.Ingest(context.Background(), tableEntities(3), 1)
	ing.Ingest(context.Background(), tableEntities(3), 1)
	assert.Equal(t, 1, client.typeHits)
}

func TestIngest_TypeLookupFailureAssumesTypeExists(t *testing.T) {
	client := newScriptedCatalog()
	client.typeErr = apperrors.TransientIngestion("typedef", 503, errBoom)
	ing := newTestIngestor(t, client, 2, nil, nil)

	sum := ing.Ingest(context.Background(), tableEntities(2), 10)
	assert.Equal(t, 2, sum.Created)
}

func TestIngest_TypeLookupAuthFailureIsFatal(t *testing.T) {
	client := newScriptedCatalog()
	client.typeErr = apperrors.AuthenticationFailed("catalog", errBoom)
	ing := newTestIngestor(t, client, 2, nil, nil)

	sum := ing.Ingest(context.Background(), tableEntities(3), 10)
	assert.ErrorIs(t, sum.Fatal, apperrors.ErrAuthenticationFailed)
	assert.Equal(t, 3, sum.Failed)
	assert.Equal(t, 0, client.batchCount())
}

func TestIngest_RequestTimeoutIsTransient(t *testing.T) {
	client := newScriptedCatalog()
	client.block = make(chan struct{})
	defer close(client.block)

	ing, err := NewBatchIngestor(client, IngestorConfig{
		Retry:          noSleepPolicy(2, nil),
		RequestTimeout: 20 * time.Millisecond,
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	sum := ing.Ingest(context.Background(), tableEntities(1), 10)

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, client.batchCount(), "a timed out request is retried")
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0].Reason, "transient")
}

func TestIngest_EmptyInput(t *testing.T) {
	client := newScriptedCatalog()
	sum := newTestIngestor(t, client, 3, nil, nil).Ingest(context.Background(), nil, 10)
	assert.Zero(t, sum.Batches)
	assert.Zero(t, client.batchCount())
}
