/**
 * Storage Manager for the check extraction worker
 *
 * Coordinates PostgreSQL (jobs, checks, extraction history) and Qdrant
 * (check fingerprints). Every fused check is compared against earlier
 * fingerprints before it is stored; a near-identical match is recorded as a
 * possible duplicate and never changes the extraction itself.
 */

package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/adverant/nexus/checkextract-worker/internal/extractor"
	"github.com/adverant/nexus/checkextract-worker/internal/fusion"
	"github.com/adverant/nexus/checkextract-worker/internal/logging"
)

// DuplicateThreshold is the minimum cosine score for a possible duplicate.
const DuplicateThreshold float32 = 0.97

const duplicateSearchLimit = 5

// ExtractionStore persists fused records.
type ExtractionStore interface {
	InsertExtraction(ctx context.Context, jobID string, rec *fusion.CheckRecord) (string, error)
}

// FingerprintIndex stores and searches check fingerprints.
type FingerprintIndex interface {
	UpsertVector(ctx context.Context, point *VectorPoint) error
	SearchVectors(ctx context.Context, queryVector []float32, limit int, minScore float32) ([]*VectorPoint, error)
}

// Manager coordinates PostgreSQL and Qdrant operations
type Manager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient

	records ExtractionStore
	index   FingerprintIndex
	logger  *logging.Logger
}

// NewManager wires a manager over already connected clients. qdrant may be
// nil, which disables duplicate flagging.
func NewManager(postgres *PostgresClient, qdrant *QdrantClient) *Manager {
	m := &Manager{
		postgres: postgres,
		qdrant:   qdrant,
		records:  postgres,
		logger:   logging.NewLogger("StorageManager"),
	}
	if qdrant != nil {
		m.index = qdrant
	}
	return m
}

// NewStorageManager connects to PostgreSQL and Qdrant and prepares the schema.
func NewStorageManager(ctx context.Context, postgresURL, qdrantAddress, qdrantCollection string) (*Manager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	var qdrant *QdrantClient
	if qdrantAddress != "" {
		qdrant, err = NewQdrantClient(qdrantAddress, qdrantCollection)
		if err != nil {
			postgres.Close() // Cleanup on failure
			return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
		}
	}

	return NewManager(postgres, qdrant), nil
}

// RecordCheck flags a possible duplicate, stores the record and indexes its
// fingerprint. A failed similarity search only skips the flag.
func (sm *Manager) RecordCheck(ctx context.Context, jobID string, rec *fusion.CheckRecord) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}

	vector := Fingerprint(rec.Extraction)
	if sm.index != nil && vector != nil {
		dup, err := sm.findDuplicate(ctx, jobID, rec.CheckID, vector)
		if err != nil {
			sm.logger.Warn("Duplicate search failed", "jobId", jobID, "checkId", rec.CheckID, "error", err)
		} else if dup != "" {
			rec.PossibleDuplicateOf = dup
			sm.logger.Info("Possible duplicate check", "jobId", jobID, "checkId", rec.CheckID, "duplicateOf", dup)
		}
	}

	if sm.records != nil {
		if _, err := sm.records.InsertExtraction(ctx, jobID, rec); err != nil {
			return err
		}
	}

	if sm.index == nil || vector == nil {
		return nil
	}

	point := &VectorPoint{
		ID:     PointID(jobID, rec.CheckID),
		Vector: vector,
		Metadata: map[string]interface{}{
			"job_id":     jobID,
			"check_id":   rec.CheckID,
			"page":       rec.Page,
			"created_at": time.Now().Unix(),
		},
	}
	if v := rec.Extraction.Payee.Value; v != nil {
		point.Metadata["payee"] = *v
	}
	if v := rec.Extraction.Amount.Value; v != nil {
		point.Metadata["amount"] = *v
	}

	if err := sm.index.UpsertVector(ctx, point); err != nil {
		return fmt.Errorf("failed to store fingerprint in Qdrant: %w", err)
	}
	return nil
}

// findDuplicate returns "<job>/<check>" of the best scoring other check.
func (sm *Manager) findDuplicate(ctx context.Context, jobID, checkID string, vector []float32) (string, error) {
	hits, err := sm.index.SearchVectors(ctx, vector, duplicateSearchLimit, DuplicateThreshold)
	if err != nil {
		return "", err
	}

	for _, hit := range hits {
		if hit.Score < DuplicateThreshold {
			continue
		}
		hitJob, _ := hit.Metadata["job_id"].(string)
		hitCheck, _ := hit.Metadata["check_id"].(string)
		if hitCheck == "" || (hitJob == jobID && hitCheck == checkID) {
			continue
		}
		return hitJob + "/" + hitCheck, nil
	}
	return "", nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *Manager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// StoreChecks records the detected checks of a job.
func (sm *Manager) StoreChecks(ctx context.Context, jobID string, entries []extractor.Entry) error {
	return sm.postgres.StoreChecks(ctx, jobID, entries)
}

// GetJobByID retrieves job by ID
func (sm *Manager) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	return sm.postgres.GetJobByID(ctx, jobID)
}

// Ping checks the PostgreSQL connection.
func (sm *Manager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *Manager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	stats := map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if sm.qdrant != nil {
		qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (sm *Manager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

var (
	nullEscapeRe    = regexp.MustCompile(`\\u0000`)
	controlEscapeRe = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escape sequences JSONB rejects. OCR text
// occasionally carries NUL and other control characters.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscapeRe.ReplaceAll(jsonBytes, []byte{})
	return controlEscapeRe.ReplaceAll(result, []byte(" "))
}
