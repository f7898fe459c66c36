/**
 * Artifact Client for the check extraction worker
 *
 * Stores cropped check images through the FileProcess API so that other
 * services can serve them without access to the worker's disk.
 *
 * Storage Flow:
 * 1. Extractor crops a check and encodes it as PNG
 * 2. Worker calls FileProcess API /fileprocess/api/files/upload
 * 3. API returns artifact ID and download URL
 * 4. The manifest references the artifact as "artifact:<id>"
 * 5. OCR runs resolve the ID and download the bytes again
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/adverant/nexus/checkextract-worker/internal/logging"
)

// ArtifactClient handles communication with the FileProcess API for artifact storage
type ArtifactClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// ArtifactUploadRequest represents a file upload request
type ArtifactUploadRequest struct {
	FileBuffer    []byte                 // File content
	Filename      string                 // e.g. check_0001.png
	MimeType      string                 // image/png
	SourceService string                 // "checkextract-worker"
	SourceID      string                 // job id
	TTLDays       int                    // 0 = use 36500 (~100 years)
	Metadata      map[string]interface{} // check id, page number, box
}

// Artifact is the stored object description returned by the API
type Artifact struct {
	ID             string `json:"id"`
	Filename       string `json:"filename"`
	FileSize       int64  `json:"file_size"`
	MimeType       string `json:"mime_type"`
	StorageBackend string `json:"storage_backend"` // postgres_buffer, minio, google_drive
	DownloadURL    string `json:"download_url"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at,omitempty"`
}

// ArtifactResponse represents the API envelope
type ArtifactResponse struct {
	Success  bool     `json:"success"`
	Artifact Artifact `json:"artifact,omitempty"`
	Error    string   `json:"error,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// NewArtifactClient creates a new artifact client
func NewArtifactClient(baseURL string) *ArtifactClient {
	return &ArtifactClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logging.NewLogger("ArtifactClient"),
	}
}

// HealthCheck verifies the FileProcess API is available
func (c *ArtifactClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("artifact service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("artifact service health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// UploadArtifact uploads one crop and returns the stored artifact
func (c *ArtifactClient) UploadArtifact(ctx context.Context, req *ArtifactUploadRequest) (*Artifact, error) {
	if len(req.FileBuffer) == 0 {
		return nil, fmt.Errorf("file buffer is required: received empty buffer")
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required: received empty string")
	}
	if req.SourceService == "" || req.SourceID == "" {
		return nil, fmt.Errorf("source_service and source_id are required")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file part: %w", err)
	}
	if _, err := part.Write(req.FileBuffer); err != nil {
		return nil, fmt.Errorf("failed to write file data to form: %w", err)
	}

	ttlDays := req.TTLDays
	if ttlDays <= 0 {
		ttlDays = 36500
	}
	fields := map[string]string{
		"source_service": req.SourceService,
		"source_id":      req.SourceID,
		"ttl_days":       strconv.Itoa(ttlDays),
	}
	if req.MimeType != "" {
		fields["mime_type"] = req.MimeType
	}
	if len(req.Metadata) > 0 {
		metadataJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata to JSON: %w", err)
		}
		fields["metadata"] = string(metadataJSON)
	}
	for _, k := range []string{"source_service", "source_id", "ttl_days", "mime_type", "metadata"} {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write %s field: %w", k, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	// FileProcess API mounts routes at /fileprocess/api/*
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/fileprocess/api/files/upload", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("X-Source", "checkextract-worker")

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to artifact storage failed after %v: %w", time.Since(startTime), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("artifact upload failed with HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result ArtifactResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse artifact upload response: %w (raw response: %s)", err, string(respBody))
	}
	if !result.Success {
		return nil, fmt.Errorf("artifact upload returned success=false: %s", result.Error)
	}
	if result.Artifact.ID == "" {
		return nil, fmt.Errorf("artifact upload succeeded but returned empty artifact ID")
	}

	c.logger.Debug("Artifact uploaded",
		"id", result.Artifact.ID,
		"filename", req.Filename,
		"storage", result.Artifact.StorageBackend,
		"duration", time.Since(startTime).String())

	return &result.Artifact, nil
}

// GetArtifactByID retrieves artifact metadata by ID
func (c *ArtifactClient) GetArtifactByID(ctx context.Context, artifactID string) (*Artifact, error) {
	if artifactID == "" {
		return nil, fmt.Errorf("artifact ID is required")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/fileprocess/api/files/"+artifactID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create get artifact request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("artifact not found: %s", artifactID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get artifact returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result ArtifactResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse artifact response: %w", err)
	}

	return &result.Artifact, nil
}

// Download fetches the bytes behind an artifact's download URL
func (c *ArtifactClient) Download(ctx context.Context, artifact *Artifact) ([]byte, error) {
	if artifact == nil || artifact.DownloadURL == "" {
		return nil, fmt.Errorf("artifact has no download URL")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", artifact.DownloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download artifact %s: %w", artifact.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("artifact download returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}
