/**
 * PostgreSQL Client for the check extraction worker
 *
 * Handles job bookkeeping, the per-job check list and one row per fused
 * extraction run. Re-extraction inserts a new row; earlier rows are kept
 * for audit.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/adverant/nexus/checkextract-worker/internal/extractor"
	"github.com/adverant/nexus/checkextract-worker/internal/fusion"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID          string
	Status         string
	SourceFile     string
	DocFormat      string
	TotalPages     int
	TotalChecks    int
	ProcessedCount int
	ErrorCode      string
	ErrorMessage   string
	Metadata       map[string]interface{}
}

// JobRecord is a stored job row.
type JobRecord struct {
	ID             string                 `json:"id"`
	Status         string                 `json:"status"`
	SourceFile     string                 `json:"sourceFile,omitempty"`
	DocFormat      string                 `json:"docFormat,omitempty"`
	TotalPages     int                    `json:"totalPages"`
	TotalChecks    int                    `json:"totalChecks"`
	ProcessedCount int                    `json:"processedCount"`
	ErrorCode      string                 `json:"errorCode,omitempty"`
	ErrorMessage   string                 `json:"errorMessage,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS checkextract;

CREATE TABLE IF NOT EXISTS checkextract.jobs (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	source_file     TEXT,
	doc_format      TEXT,
	total_pages     INTEGER NOT NULL DEFAULT 0,
	total_checks    INTEGER NOT NULL DEFAULT 0,
	processed_count INTEGER NOT NULL DEFAULT 0,
	error_code      TEXT,
	error_message   TEXT,
	metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS checkextract.checks (
	job_id      TEXT NOT NULL REFERENCES checkextract.jobs(id) ON DELETE CASCADE,
	check_id    TEXT NOT NULL,
	page_number INTEGER NOT NULL,
	image_ref   TEXT NOT NULL,
	box         JSONB NOT NULL,
	PRIMARY KEY (job_id, check_id)
);

CREATE TABLE IF NOT EXISTS checkextract.extractions (
	id                    UUID PRIMARY KEY,
	job_id                TEXT NOT NULL,
	check_id              TEXT NOT NULL,
	methods_used          TEXT[] NOT NULL,
	payee                 TEXT,
	payee_confidence      NUMERIC(5,4),
	amount                TEXT,
	extraction            JSONB NOT NULL,
	engine_errors         JSONB NOT NULL DEFAULT '{}'::jsonb,
	possible_duplicate_of TEXT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	FOREIGN KEY (job_id, check_id) REFERENCES checkextract.checks(job_id, check_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS extractions_job_check_idx ON checkextract.extractions (job_id, check_id, created_at DESC);
`

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0, 1] so it fits NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the checkextract schema and tables if missing.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row. Zero counts and empty strings keep
// the stored value, except error fields which are always replaced.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if update.Metadata == nil {
		metadataJSON = nil
	}

	query := `
		INSERT INTO checkextract.jobs (
			id, status, source_file, doc_format, total_pages, total_checks,
			processed_count, error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7,
			NULLIF($8, ''), NULLIF($9, ''), COALESCE($10::jsonb, '{}'::jsonb), NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			source_file = COALESCE(EXCLUDED.source_file, checkextract.jobs.source_file),
			doc_format = COALESCE(EXCLUDED.doc_format, checkextract.jobs.doc_format),
			total_pages = COALESCE(NULLIF(EXCLUDED.total_pages, 0), checkextract.jobs.total_pages),
			total_checks = COALESCE(NULLIF(EXCLUDED.total_checks, 0), checkextract.jobs.total_checks),
			processed_count = EXCLUDED.processed_count,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = checkextract.jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,          // $1
		update.Status,         // $2
		update.SourceFile,     // $3
		update.DocFormat,      // $4
		update.TotalPages,     // $5
		update.TotalChecks,    // $6
		update.ProcessedCount, // $7
		update.ErrorCode,      // $8
		update.ErrorMessage,   // $9
		metadataJSON,          // $10
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w", update.JobID, update.Status, err)
	}
	return nil
}

// StoreChecks records the manifest entries of a job, replacing any earlier
// analysis of the same job.
func (p *PostgresClient) StoreChecks(ctx context.Context, jobID string, entries []extractor.Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.CheckID
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkextract.checks WHERE job_id = $1 AND NOT (check_id = ANY($2))`,
		jobID, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to prune checks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO checkextract.checks (job_id, check_id, page_number, image_ref, box)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, check_id) DO UPDATE SET
			page_number = EXCLUDED.page_number,
			image_ref = EXCLUDED.image_ref,
			box = EXCLUDED.box
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare check insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		box, err := json.Marshal(e.Box)
		if err != nil {
			return fmt.Errorf("failed to marshal box for %s: %w", e.CheckID, err)
		}
		if _, err := stmt.ExecContext(ctx, jobID, e.CheckID, e.PageNumber, e.ImageFile, box); err != nil {
			return fmt.Errorf("failed to store check %s: %w", e.CheckID, err)
		}
	}

	return tx.Commit()
}

// InsertExtraction stores one fused record and returns the new row id.
func (p *PostgresClient) InsertExtraction(ctx context.Context, jobID string, rec *fusion.CheckRecord) (string, error) {
	if rec == nil || rec.Extraction == nil {
		return "", fmt.Errorf("extraction is required")
	}

	extractionJSON, err := json.Marshal(rec.Extraction)
	if err != nil {
		return "", fmt.Errorf("failed to marshal extraction: %w", err)
	}
	errorsJSON, err := json.Marshal(rec.Errors)
	if err != nil {
		return "", fmt.Errorf("failed to marshal engine errors: %w", err)
	}
	if rec.Errors == nil {
		errorsJSON = []byte(`{}`)
	}
	extractionJSON = sanitizeJSONForPostgres(extractionJSON)
	errorsJSON = sanitizeJSONForPostgres(errorsJSON)

	id := uuid.New().String()
	query := `
		INSERT INTO checkextract.extractions (
			id, job_id, check_id, methods_used, payee, payee_confidence, amount,
			extraction, engine_errors, possible_duplicate_of, created_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6::NUMERIC(5,4), $7, $8, $9, NULLIF($10, ''), $11)
	`
	_, err = p.db.ExecContext(ctx, query,
		id,
		jobID,
		rec.CheckID,
		pq.Array(rec.MethodsUsed),
		nullString(rec.Extraction.Payee.Value),
		sanitizeConfidence(rec.Extraction.Payee.Confidence),
		nullString(rec.Extraction.Amount.Value),
		extractionJSON,
		errorsJSON,
		rec.PossibleDuplicateOf,
		rec.Timestamp,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store extraction for %s: %w", rec.CheckID, err)
	}
	return id, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT id, status, source_file, doc_format, total_pages, total_checks,
		       processed_count, error_code, error_message, metadata, created_at, updated_at
		FROM checkextract.jobs
		WHERE id = $1
	`

	var (
		job                                    JobRecord
		sourceFile, docFormat, errCode, errMsg sql.NullString
		metadataJSON                           []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.Status, &sourceFile, &docFormat, &job.TotalPages, &job.TotalChecks,
		&job.ProcessedCount, &errCode, &errMsg, &metadataJSON, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.SourceFile = sourceFile.String
	job.DocFormat = docFormat.String
	job.ErrorCode = errCode.String
	job.ErrorMessage = errMsg.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &job, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
