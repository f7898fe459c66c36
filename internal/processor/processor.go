/**
 * Check Job Processor for the check extraction worker
 *
 * Runs one queued job through the pipeline:
 * - analyze: decode pages, classify the document, detect check regions and
 *   crop them into a manifest
 * - extract: run the OCR engines over an analysed manifest, fuse per check
 *   and write the job summary
 * - process: both, back to back
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/adverant/nexus/checkextract-worker/internal/detector"
	"github.com/adverant/nexus/checkextract-worker/internal/errors"
	"github.com/adverant/nexus/checkextract-worker/internal/extractor"
	"github.com/adverant/nexus/checkextract-worker/internal/logging"
	"github.com/adverant/nexus/checkextract-worker/internal/orchestrator"
	"github.com/adverant/nexus/checkextract-worker/internal/pages"
	"github.com/adverant/nexus/checkextract-worker/internal/storage"
)

// Job types.
const (
	JobAnalyze = "analyze"
	JobExtract = "extract"
	JobProcess = "process"
)

// Job statuses.
const (
	StatusDetecting  = "detecting"
	StatusExtracting = "extracting"
	StatusOCRRunning = "ocr_running"
	StatusComplete   = "complete"
	StatusError      = "error"
)

// JobProcessorInterface defines the interface queue consumers drive.
type JobProcessorInterface interface {
	ProcessJob(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error
}

// JobStore persists job status and the detected check list.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	StoreChecks(ctx context.Context, jobID string, entries []extractor.Entry) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	OutputDir    string
	MaxFileSize  int64
	Detection    detector.Options
	Images       extractor.ImageStore
	Orchestrator *orchestrator.Orchestrator
	Jobs         JobStore // optional
}

// ProcessRequest represents a check extraction job
type ProcessRequest struct {
	JobID      string
	Type       string
	Filename   string
	FileURL    string
	FilePath   string
	FileBuffer []byte
	Request    orchestrator.Request
	Metadata   map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	JobID            string   `json:"jobId"`
	Status           string   `json:"status"`
	DocFormat        string   `json:"docFormat,omitempty"`
	TotalPages       int      `json:"totalPages"`
	TotalChecks      int      `json:"totalChecks"`
	Engines          []string `json:"engines,omitempty"`
	Processed        int      `json:"processed"`
	Skipped          int      `json:"skipped"`
	Failed           int      `json:"failed"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
}

// CheckProcessor handles check extraction jobs
type CheckProcessor struct {
	config     *ProcessorConfig
	detector   *detector.Detector
	extractor  *extractor.Extractor
	httpClient *http.Client
	logger     *logging.Logger
}

// NewCheckProcessor creates a new check processor
func NewCheckProcessor(cfg *ProcessorConfig) (*CheckProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}

	if cfg.Images == nil {
		return nil, fmt.Errorf("image store is required")
	}

	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}

	return &CheckProcessor{
		config:     cfg,
		detector:   detector.New(cfg.Detection),
		extractor:  extractor.New(cfg.Images),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		logger:     logging.NewLogger("CheckProcessor"),
	}, nil
}

// JobDir returns the local output directory of a job.
func (p *CheckProcessor) JobDir(jobID string) string {
	return filepath.Join(p.config.OutputDir, jobID)
}

// ProcessJob runs a job of the requested type.
func (p *CheckProcessor) ProcessJob(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	if req == nil || req.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	startTime := time.Now()
	jobType := req.Type
	if jobType == "" {
		jobType = JobProcess
	}
	p.logger.Info("Starting check job", "jobId", req.JobID, "type", jobType)

	result := &ProcessResult{JobID: req.JobID}
	var (
		manifest *extractor.Manifest
		err      error
	)

	switch jobType {
	case JobAnalyze, JobProcess:
		manifest, err = p.analyze(ctx, req)
		if err != nil {
			return nil, err
		}
	case JobExtract:
		manifest, err = extractor.ReadManifest(p.JobDir(req.JobID))
		if err != nil {
			return nil, errors.NewJobNotFoundError(req.JobID, err)
		}
	default:
		return nil, fmt.Errorf("unknown job type %q", req.Type)
	}

	result.DocFormat = manifest.DocFormat
	result.TotalPages = manifest.TotalPages
	result.TotalChecks = len(manifest.Entries)

	if jobType != JobAnalyze {
		run, err := p.extract(ctx, req, manifest)
		if err != nil {
			return nil, err
		}
		result.Engines = run.Engines
		result.Processed = run.Processed
		result.Skipped = run.Skipped
		result.Failed = run.Failed
	}

	result.Status = StatusComplete
	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	p.setStatus(ctx, &storage.JobUpdate{
		JobID:          req.JobID,
		Status:         StatusComplete,
		DocFormat:      result.DocFormat,
		TotalPages:     result.TotalPages,
		TotalChecks:    result.TotalChecks,
		ProcessedCount: result.Processed,
		Metadata: map[string]interface{}{
			"type":           jobType,
			"engines":        result.Engines,
			"skipped":        result.Skipped,
			"failed":         result.Failed,
			"processingTime": result.ProcessingTimeMs,
		},
	})

	p.logger.Info("Check job complete", "jobId", req.JobID, "checks", result.TotalChecks,
		"processed", result.Processed, "durationMs", result.ProcessingTimeMs)
	return result, nil
}

// analyze turns the source document into stored check crops and a manifest.
func (p *CheckProcessor) analyze(ctx context.Context, req *ProcessRequest) (*extractor.Manifest, error) {
	p.setStatus(ctx, &storage.JobUpdate{JobID: req.JobID, Status: StatusDetecting, SourceFile: req.Filename})

	// Step 1: Download/load file
	p.logger.Infof("[Job %s] Step 1: Loading file", req.JobID)
	fileData, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}

	// Step 2: Decode pages
	docPages, mime, err := pages.Load(fileData)
	p.logger.Infof("[Job %s] Step 2: Decoding pages (mime: %s)", req.JobID, mime)
	if err != nil {
		if mime != "application/pdf" && !pages.IsImage(mime) {
			return nil, errors.NewUnsupportedFormatError(req.JobID, mime)
		}
		return nil, errors.NewNoPagesError(req.JobID, err)
	}
	if len(docPages) == 0 {
		return nil, errors.NewNoPagesError(req.JobID, nil)
	}
	grays := pages.Grays(docPages)

	// Step 3: Classify and detect
	p.logger.Infof("[Job %s] Step 3: Detecting check regions on %d pages", req.JobID, len(docPages))
	detected, err := p.detector.DetectAll(ctx, grays)
	if err != nil {
		return nil, errors.NewDetectionFailedError(req.JobID, err)
	}

	// Step 4: Crop and store check images
	p.setStatus(ctx, &storage.JobUpdate{
		JobID:      req.JobID,
		Status:     StatusExtracting,
		SourceFile: req.Filename,
		DocFormat:  detected.Format.String(),
		TotalPages: len(docPages),
	})
	p.logger.Infof("[Job %s] Step 4: Extracting %d check images", req.JobID, detected.Total())
	manifest, err := p.extractor.Extract(ctx, req.JobID, docPages, grays, detected)
	if err != nil {
		return nil, errors.NewStorageFailedError(req.JobID, err)
	}
	manifest.SourceFile = req.Filename

	// Step 5: Persist manifest and check list
	p.logger.Infof("[Job %s] Step 5: Writing manifest (%d checks)", req.JobID, len(manifest.Entries))
	if err := extractor.WriteManifest(p.JobDir(req.JobID), manifest); err != nil {
		return nil, errors.NewStorageFailedError(req.JobID, err)
	}
	if p.config.Jobs != nil {
		if err := p.config.Jobs.StoreChecks(ctx, req.JobID, manifest.Entries); err != nil {
			return nil, errors.NewStorageFailedError(req.JobID, err)
		}
	}

	return manifest, nil
}

// extract runs the engines over the manifest and writes the job summary.
func (p *CheckProcessor) extract(ctx context.Context, req *ProcessRequest, manifest *extractor.Manifest) (*orchestrator.RunResult, error) {
	p.setStatus(ctx, &storage.JobUpdate{
		JobID:       req.JobID,
		Status:      StatusOCRRunning,
		SourceFile:  manifest.SourceFile,
		DocFormat:   manifest.DocFormat,
		TotalPages:  manifest.TotalPages,
		TotalChecks: len(manifest.Entries),
	})

	jobDir := p.JobDir(req.JobID)

	// Step 6: OCR and fusion
	p.logger.Infof("[Job %s] Step 6: Running OCR engines", req.JobID)
	run, err := p.config.Orchestrator.Run(ctx, jobDir, manifest, req.Request)
	if err != nil {
		return nil, err
	}

	// Step 7: Job summary
	p.logger.Infof("[Job %s] Step 7: Writing extraction summary", req.JobID)
	if _, err := orchestrator.WriteSummary(jobDir, manifest, run.Engines); err != nil {
		return nil, errors.NewStorageFailedError(req.JobID, err)
	}

	return run, nil
}

// UpdateJobStatus updates job status in database
func (p *CheckProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	if p.config.Jobs == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	// Extract specific fields from metadata if present
	if metadata != nil {
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
		if msg, ok := metadata["message"].(string); ok {
			update.ErrorMessage = msg
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			if update.ErrorCode == "" {
				update.ErrorCode = "PROCESSING_ERROR"
			}
			update.ErrorMessage = errorMsg
		}
	}

	return p.config.Jobs.UpdateJobStatus(ctx, update)
}

// ErrorMetadata describes a failed job for status storage.
func ErrorMetadata(err error) map[string]interface{} {
	var perr *errors.ProcessingError
	if stderrors.As(err, &perr) {
		return perr.ToMap()
	}
	return map[string]interface{}{"error": err.Error()}
}

// setStatus records an intermediate status; failures are logged only.
func (p *CheckProcessor) setStatus(ctx context.Context, update *storage.JobUpdate) {
	if p.config.Jobs == nil {
		return
	}
	if err := p.config.Jobs.UpdateJobStatus(ctx, update); err != nil {
		p.logger.Warn("Failed to update job status", "jobId", update.JobID, "status", update.Status, "error", err)
	}
}

// loadFile loads file from buffer, local path or URL
func (p *CheckProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	// If buffer is provided, use it directly
	if len(req.FileBuffer) > 0 {
		p.logger.Debug("Using file buffer", "jobId", req.JobID, "bytes", len(req.FileBuffer))
		return req.FileBuffer, nil
	}

	if req.FilePath != "" {
		info, err := os.Stat(req.FilePath)
		if err != nil {
			return nil, err
		}
		if p.config.MaxFileSize > 0 && info.Size() > p.config.MaxFileSize {
			return nil, fmt.Errorf("file size exceeds maximum: %d > %d bytes", info.Size(), p.config.MaxFileSize)
		}
		return os.ReadFile(req.FilePath)
	}

	// If URL is provided, download it
	if req.FileURL != "" {
		p.logger.Infof("[Job %s] Downloading file from URL: %s", req.JobID, req.FileURL)
		fileData, err := p.downloadFileFromURL(ctx, req.JobID, req.FileURL)
		if err != nil {
			return nil, fmt.Errorf("failed to download file: %w", err)
		}
		p.logger.Infof("[Job %s] File downloaded successfully (%d bytes)", req.JobID, len(fileData))
		return fileData, nil
	}

	return nil, fmt.Errorf("no file source provided (buffer, path or URL)")
}

// downloadFileFromURL downloads a file with exponential backoff between attempts
func (p *CheckProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string) ([]byte, error) {
	const (
		maxRetries       = 5
		initialBackoffMs = 1000
		maxBackoffMs     = 32000
	)

	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			backoffMs := min(initialBackoffMs*int(math.Pow(2, float64(attempt-2))), maxBackoffMs)
			p.logger.Infof("[Job %s] Retrying in %dms...", jobID, backoffMs)
			select {
			case <-time.After(time.Duration(backoffMs) * time.Millisecond):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff")
			}
		}

		data, err := p.fetch(ctx, fileURL)
		if err == nil {
			return data, nil
		}
		var tooLarge *tooLargeError
		if stderrors.As(err, &tooLarge) {
			return nil, err
		}
		lastErr = err
		p.logger.Warnf("[Job %s] Download attempt %d/%d failed: %v", jobID, attempt, maxRetries, err)
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", maxRetries, lastErr)
}

type tooLargeError struct {
	size, limit int64
}

func (e *tooLargeError) Error() string {
	return fmt.Sprintf("file size exceeds maximum: %d > %d bytes", e.size, e.limit)
}

func (p *CheckProcessor) fetch(ctx context.Context, fileURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	limit := p.config.MaxFileSize
	if limit > 0 && resp.ContentLength > limit {
		return nil, &tooLargeError{size: resp.ContentLength, limit: limit}
	}
	if limit <= 0 {
		return io.ReadAll(resp.Body)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &tooLargeError{size: int64(len(data)), limit: limit}
	}
	return data, nil
}
