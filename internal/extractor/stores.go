package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/adverant/nexus/checkextract-worker/internal/clients"
)

// FileStore keeps crops under <root>/<job>/ on local disk. References are
// absolute file paths.
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// JobDir returns the directory holding a job's outputs.
func (s *FileStore) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FileStore) Save(_ context.Context, jobID, name string, data []byte) (string, error) {
	path := filepath.Join(s.JobDir(jobID), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

func (s *FileStore) Load(_ context.Context, ref string) ([]byte, error) {
	return os.ReadFile(ref)
}

// GCSStore writes crops to a Cloud Storage bucket as <job>/<name>.
// References are gs://bucket/object URIs.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore wraps an existing storage client.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

// Save uploads only when the object does not exist yet; a crop that is
// already there is left as is.
func (s *GCSStore) Save(ctx context.Context, jobID, name string, data []byte) (string, error) {
	object := jobID + "/" + name
	w := s.client.Bucket(s.bucket).Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "image/png"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write gs://%s/%s: %w", s.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if !(errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed) {
			return "", fmt.Errorf("failed to finalize gs://%s/%s: %w", s.bucket, object, err)
		}
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

func (s *GCSStore) Load(ctx context.Context, ref string) ([]byte, error) {
	bucket, object, ok := strings.Cut(strings.TrimPrefix(ref, "gs://"), "/")
	if !ok || !strings.HasPrefix(ref, "gs://") {
		return nil, fmt.Errorf("not a gs:// reference: %s", ref)
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", ref, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ArtifactStore uploads crops to the FileProcess artifact API. References
// have the form artifact:<id>.
type ArtifactStore struct {
	client *clients.ArtifactClient
}

// NewArtifactStore wraps an artifact client.
func NewArtifactStore(client *clients.ArtifactClient) *ArtifactStore {
	return &ArtifactStore{client: client}
}

func (s *ArtifactStore) Save(ctx context.Context, jobID, name string, data []byte) (string, error) {
	artifact, err := s.client.UploadArtifact(ctx, &clients.ArtifactUploadRequest{
		FileBuffer:    data,
		Filename:      filepath.Base(name),
		MimeType:      "image/png",
		SourceService: "checkextract-worker",
		SourceID:      jobID,
		Metadata:      map[string]interface{}{"path": name},
	})
	if err != nil {
		return "", err
	}
	return "artifact:" + artifact.ID, nil
}

func (s *ArtifactStore) Load(ctx context.Context, ref string) ([]byte, error) {
	id, ok := strings.CutPrefix(ref, "artifact:")
	if !ok {
		return nil, fmt.Errorf("not an artifact reference: %s", ref)
	}
	artifact, err := s.client.GetArtifactByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.client.Download(ctx, artifact)
}
