package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/checkextract-worker/internal/errors"
	"github.com/adverant/nexus/checkextract-worker/internal/logging"
	"github.com/adverant/nexus/checkextract-worker/internal/orchestrator"
	"github.com/adverant/nexus/checkextract-worker/internal/processor"
)

// defaultProcessingTimeout applies when the consumer config leaves it unset.
const defaultProcessingTimeout = time.Hour

// JobPayload contains the actual job data
type JobPayload struct {
	JobID       string                 `json:"jobId"`
	Filename    string                 `json:"filename,omitempty"`
	FileURL     string                 `json:"fileUrl,omitempty"`
	FilePath    string                 `json:"filePath,omitempty"`
	FileBuffer  []byte                 `json:"-"` // set by UnmarshalJSON
	Methods     []string               `json:"methods,omitempty"`
	ChequeRange *orchestrator.Range    `json:"chequeRange,omitempty"`
	PageRange   *orchestrator.Range    `json:"pageRange,omitempty"`
	Force       bool                   `json:"force,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON implements custom JSON unmarshaling for JobPayload to handle Buffer serialization
// Supports both base64 string format (new) and Node.js Buffer object format (legacy)
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	// Create alias type to avoid recursion
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.FileBuffer == nil {
		return nil
	}

	switch v := aux.FileBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		bufferType, ok := v["type"].(string)
		if !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// MarshalJSON writes the buffer back as base64.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	aux := struct {
		FileBuffer string `json:"fileBuffer,omitempty"`
		Alias
	}{
		Alias: Alias(p),
	}
	if len(p.FileBuffer) > 0 {
		aux.FileBuffer = base64.StdEncoding.EncodeToString(p.FileBuffer)
	}
	return json.Marshal(aux)
}

// ToRequest converts the payload to a processor request of the given type.
func (p *JobPayload) ToRequest(jobType string) *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:      p.JobID,
		Type:       jobType,
		Filename:   p.Filename,
		FileURL:    p.FileURL,
		FilePath:   p.FilePath,
		FileBuffer: p.FileBuffer,
		Request: orchestrator.Request{
			Methods:     p.Methods,
			ChequeRange: p.ChequeRange,
			PageRange:   p.PageRange,
			Force:       p.Force,
		},
		Metadata: p.Metadata,
	}
}

// runJob processes one job under the processing timeout and records a
// failed status with a structured error. The returned error is the one the
// processor produced, or a timeout error.
func runJob(ctx context.Context, proc processor.JobProcessorInterface, req *processor.ProcessRequest, timeout time.Duration, logger *logging.Logger) (*processor.ProcessResult, error) {
	startTime := time.Now()
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	logger.Infof("[Job %s] Processing %s job (timeout: %v)", req.JobID, req.Type, timeout)

	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := proc.ProcessJob(processCtx, req)
	duration := time.Since(startTime)

	if err != nil {
		if stderrors.Is(processCtx.Err(), context.DeadlineExceeded) {
			logger.Warnf("[Job %s] Processing timed out after %v (timeout: %v)", req.JobID, duration, timeout)
			err = errors.NewProcessingTimeoutError(req.JobID, timeout, err)
		} else {
			logger.Warnf("[Job %s] Processing failed after %v: %v", req.JobID, duration, err)
		}

		if updateErr := proc.UpdateJobStatus(ctx, req.JobID, processor.StatusError, processor.ErrorMetadata(err)); updateErr != nil {
			logger.Warnf("[Job %s] Failed to update status to error: %v", req.JobID, updateErr)
		}
		return nil, err
	}

	logger.Infof("[Job %s] Processing completed in %v: checks=%d processed=%d skipped=%d",
		req.JobID, duration, result.TotalChecks, result.Processed, result.Skipped)
	return result, nil
}
