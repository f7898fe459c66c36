package errors

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProcessingErrorToMap(t *testing.T) {
	cause := stderrors.New("context deadline exceeded")
	err := NewProcessingTimeoutError("job-1", 2*time.Minute, cause)

	assert.Equal(t, "PROCESSING_TIMEOUT: Processing timed out after 2m0s (caused by: context deadline exceeded)", err.Error())
	assert.True(t, stderrors.Is(err, cause))

	m := err.ToMap()
	assert.Equal(t, "PROCESSING_TIMEOUT", m["error_code"])
	assert.Equal(t, "2m0s", m["timeout_duration"])
	assert.Equal(t, "context deadline exceeded", m["cause"])
}

func TestCredentialsExhaustedMessage(t *testing.T) {
	err := NewCredentialsExhaustedError(3, "HTTP 429")
	assert.Equal(t, "All keys failed. Last: HTTP 429", err.Message)
	assert.Equal(t, 3, err.ToMap()["attempts"])
	assert.NotContains(t, err.ToMap(), "cause")

	var pe *ProcessingError
	wrapped := error(NewUnsupportedFormatError("job-2", "text/plain"))
	assert.True(t, stderrors.As(wrapped, &pe))
	assert.Equal(t, ErrorUnsupportedFormat, pe.Code)
}
