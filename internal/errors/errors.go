package errors

import (
	"fmt"
	"time"
)

/**
 * Custom error types for the check extraction worker
 *
 * Engine adapters never surface these; they fold failures into an empty
 * result. Everything at job level (loading, detection, persistence) does.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorNoPages           ErrorCode = "NO_PAGES"
	ErrorDetectionFailed   ErrorCode = "DETECTION_FAILED"
	ErrorJobNotFound       ErrorCode = "JOB_NOT_FOUND"

	// Engine errors
	ErrorEngineFailed         ErrorCode = "ENGINE_FAILED"
	ErrorCredentialsExhausted ErrorCode = "CREDENTIALS_EXHAUSTED"

	// Storage errors
	ErrorStorageFailed  ErrorCode = "STORAGE_FAILED"
	ErrorDatabaseFailed ErrorCode = "DATABASE_FAILED"

	// Network errors
	ErrorNetworkTimeout ErrorCode = "NETWORK_TIMEOUT"
	ErrorAPICallFailed  ErrorCode = "API_CALL_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewNoPagesError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNoPages,
		Message:   "Document contains no decodable page images",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewDetectionFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDetectionFailed,
		Message:   "Check region detection failed",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewJobNotFoundError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorJobNotFound,
		Message:   fmt.Sprintf("No analysed manifest for job %s", jobID),
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewEngineFailedError(engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEngineFailed,
		Message:   fmt.Sprintf("Engine %s failed", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

// NewCredentialsExhaustedError keeps the "All keys failed. Last: ..." wording
// that downstream dashboards match on.
func NewCredentialsExhaustedError(attempts int, last string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorCredentialsExhausted,
		Message:   fmt.Sprintf("All keys failed. Last: %s", last),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"attempts": attempts,
		},
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
