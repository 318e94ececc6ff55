package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("ingest batch 2: %w", TransientIngestion("batch 2", 503, errors.New("service unavailable")))

	assert.True(t, errors.Is(err, ErrTransientIngestion))
	assert.False(t, errors.Is(err, ErrPermanentIngestion))
	assert.Equal(t, KindTransientIngestion, KindOf(err))
}

func TestError_Message(t *testing.T) {
	err := PermanentIngestion("batch 1", 400, errors.New("bad typeName"))
	assert.Equal(t, "permanent_ingestion HTTP 400 [batch 1] catalog rejected request: bad typeName", err.Error())

	err = Validation("rdbms_table|", "qualifiedName is empty")
	assert.Equal(t, "validation [rdbms_table|] qualifiedName is empty", err.Error())
}

func TestError_IsRetryable(t *testing.T) {
	assert.True(t, TransientIngestion("", 0, nil).IsRetryable())
	assert.False(t, PermanentIngestion("", 404, nil).IsRetryable())
	assert.False(t, AuthenticationFailed("", nil).IsRetryable())
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(SourceUnreachable("crm", errors.New("dial tcp: connection refused"))))
	assert.True(t, IsFatal(fmt.Errorf("wrapped: %w", AuthenticationFailed("catalog", nil))))
	assert.False(t, IsFatal(PartialScan("table dbo.A", nil)))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := SourceUnreachable("crm", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrSourceUnreachable)
}
