/**
 * PostgreSQL store for the lab-report pipeline
 *
 * Persists document records, extracted biomarkers, processing summaries and
 * background upload tasks. Writes are upserts so a retried save is harmless.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = stderrors.New("record not found")

const schema = `
CREATE SCHEMA IF NOT EXISTS labreport;

CREATE TABLE IF NOT EXISTS labreport.documents (
	id              TEXT PRIMARY KEY,
	filename        TEXT NOT NULL,
	mime_type       TEXT NOT NULL,
	file_size       BIGINT NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	document_type   TEXT,
	health_category TEXT,
	ocr_confidence  NUMERIC(5,4),
	metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
	uploaded_at     TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS labreport.biomarkers (
	id              TEXT PRIMARY KEY,
	document_id     TEXT NOT NULL REFERENCES labreport.documents(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	raw_value       TEXT NOT NULL,
	numeric_value   DOUBLE PRECISION,
	unit            TEXT,
	reference_range TEXT,
	status          TEXT NOT NULL,
	raw_status      TEXT,
	confidence      NUMERIC(5,4) NOT NULL,
	method          TEXT NOT NULL,
	category        TEXT,
	notes           TEXT
);

CREATE TABLE IF NOT EXISTS labreport.summaries (
	document_id           TEXT PRIMARY KEY REFERENCES labreport.documents(id) ON DELETE CASCADE,
	total_extracted       INTEGER NOT NULL,
	high_confidence_count INTEGER NOT NULL,
	categories            TEXT[] NOT NULL,
	method                TEXT NOT NULL,
	is_fallback           BOOLEAN NOT NULL DEFAULT FALSE,
	overall_confidence    NUMERIC(5,4) NOT NULL,
	completed_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS labreport.upload_tasks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	priority    TEXT NOT NULL,
	status      TEXT NOT NULL,
	report_id   TEXT,
	error       TEXT,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
`

// PostgresStore handles database operations
type PostgresStore struct {
	db *sql.DB
}

// sanitizeConfidence clamps to [0,1] and rounds to 4 decimals to fit NUMERIC(5,4)
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres strips escapes JSONB rejects: \u0000 is removed and
// other control characters become spaces
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// NewPostgresStore opens and pings the database
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the tables if they are missing
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveDocument upserts the document record. The file bytes are not stored.
func (p *PostgresStore) SaveDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document ID is required")
	}

	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	uploadedAt := doc.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = time.Now()
	}

	query := `
		INSERT INTO labreport.documents (
			id, filename, mime_type, file_size, status,
			document_type, health_category, ocr_confidence, metadata, uploaded_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8::NUMERIC(5,4), 0), $9::jsonb, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			document_type = COALESCE(EXCLUDED.document_type, labreport.documents.document_type),
			health_category = COALESCE(EXCLUDED.health_category, labreport.documents.health_category),
			ocr_confidence = COALESCE(EXCLUDED.ocr_confidence, labreport.documents.ocr_confidence),
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(ctx, query,
		doc.ID,
		doc.Filename,
		doc.MIMEType,
		doc.Size,
		string(doc.Status),
		nullString(doc.DocumentType),
		nullString(doc.HealthCategory),
		sanitizeConfidence(doc.OCRConfidence),
		sanitizeJSONForPostgres(metadataJSON),
		uploadedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save document (id=%s, status=%s): %w", doc.ID, doc.Status, err)
	}
	return nil
}

// GetDocument loads a document record; Data is always empty
func (p *PostgresStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	if id == "" {
		return nil, fmt.Errorf("document ID is required")
	}

	query := `
		SELECT id, filename, mime_type, file_size, status,
			document_type, health_category, ocr_confidence, metadata, uploaded_at
		FROM labreport.documents
		WHERE id = $1
	`

	var (
		doc                          models.Document
		status                       string
		documentType, healthCategory sql.NullString
		confidence                   sql.NullFloat64
		metadataJSON                 []byte
	)
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.Filename, &doc.MIMEType, &doc.Size, &status,
		&documentType, &healthCategory, &confidence, &metadataJSON, &doc.UploadedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.Status = models.ProcessingStatus(status)
	doc.DocumentType = documentType.String
	doc.HealthCategory = healthCategory.String
	doc.OCRConfidence = confidence.Float64
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

// SaveBiomarkers replaces the stored biomarkers of a document
func (p *PostgresStore) SaveBiomarkers(ctx context.Context, documentID string, items []models.ExtractedBiomarker) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM labreport.biomarkers WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to clear biomarkers: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("labreport", "biomarkers",
		"id", "document_id", "name", "raw_value", "numeric_value", "unit", "reference_range",
		"status", "raw_status", "confidence", "method", "category", "notes"))
	if err != nil {
		return fmt.Errorf("failed to prepare biomarker copy: %w", err)
	}

	for _, b := range items {
		_, err := stmt.ExecContext(ctx,
			b.ID, documentID, b.Name, b.RawValue, nullFloat(b.NumericValue),
			nullString(b.Unit), nullString(b.ReferenceRange),
			string(b.Status), nullString(b.RawStatus), sanitizeConfidence(b.Confidence),
			string(b.Method), nullString(b.Category), nullString(b.Notes),
		)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy biomarker %s: %w", b.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush biomarkers: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close biomarker copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit biomarkers: %w", err)
	}
	return nil
}

// GetBiomarkers loads the biomarkers of a document ordered by category and name
func (p *PostgresStore) GetBiomarkers(ctx context.Context, documentID string) ([]models.ExtractedBiomarker, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, raw_value, numeric_value, unit, reference_range,
			status, raw_status, confidence, method, category, notes
		FROM labreport.biomarkers
		WHERE document_id = $1
		ORDER BY category, name
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query biomarkers: %w", err)
	}
	defer rows.Close()

	var out []models.ExtractedBiomarker
	for rows.Next() {
		var (
			b                                          models.ExtractedBiomarker
			numeric                                    sql.NullFloat64
			unit, refRange, rawStatus, category, notes sql.NullString
			status, method                             string
		)
		if err := rows.Scan(&b.ID, &b.Name, &b.RawValue, &numeric, &unit, &refRange,
			&status, &rawStatus, &b.Confidence, &method, &category, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan biomarker: %w", err)
		}
		if numeric.Valid {
			v := numeric.Float64
			b.NumericValue = &v
		}
		b.Unit = unit.String
		b.ReferenceRange = refRange.String
		b.Status = models.BiomarkerStatus(status)
		b.RawStatus = rawStatus.String
		b.Method = models.ExtractionMethod(method)
		b.Category = category.String
		b.Notes = notes.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveSummary upserts the processing summary of a document
func (p *PostgresStore) SaveSummary(ctx context.Context, s models.ProcessingSummary) error {
	categories := s.Categories
	if categories == nil {
		categories = []string{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO labreport.summaries (
			document_id, total_extracted, high_confidence_count, categories,
			method, is_fallback, overall_confidence, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (document_id) DO UPDATE SET
			total_extracted = EXCLUDED.total_extracted,
			high_confidence_count = EXCLUDED.high_confidence_count,
			categories = EXCLUDED.categories,
			method = EXCLUDED.method,
			is_fallback = EXCLUDED.is_fallback,
			overall_confidence = EXCLUDED.overall_confidence,
			completed_at = EXCLUDED.completed_at
	`,
		s.DocumentID, s.TotalExtracted, s.HighConfidenceCount, pq.Array(categories),
		string(s.Method), s.IsFallback, sanitizeConfidence(s.OverallConfidence), s.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save summary for %s: %w", s.DocumentID, err)
	}
	return nil
}

// SaveUploadTask upserts a background upload task
func (p *PostgresStore) SaveUploadTask(ctx context.Context, task models.UploadTask) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := task.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO labreport.upload_tasks (
			id, document_id, priority, status, report_id, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			report_id = COALESCE(EXCLUDED.report_id, labreport.upload_tasks.report_id),
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`,
		task.ID, task.DocumentID, string(task.Priority), string(task.Status),
		nullString(task.ReportID), nullString(task.Error), createdAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save upload task (id=%s, status=%s): %w", task.ID, task.Status, err)
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresStore) GetStats() sql.DBStats {
	return p.db.Stats()
}
