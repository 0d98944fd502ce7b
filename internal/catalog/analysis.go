package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

const analysisSelectColumns = `SELECT
	ar.id, ar.page_id, ar.document_id, ar.version_id, ar.analysis_type, ar.backend, ar.model,
	ar.result_text, ar.confidence, ar.processing_time_ms, ar.status, ar.error, ar.created_at, ar.metadata`

// NewAnalysisParams is the result of running (or adopting by reference) an
// analysis backend against a page or document.
type NewAnalysisParams struct {
	PageID           *string
	DocumentID       string
	VersionID        string
	AnalysisType     string
	Backend          string
	Model            string
	ResultText       string
	Confidence       *float64
	ProcessingTimeMS int64
	Status           string
	Error            string
	Metadata         string
}

// InsertAnalysisResult inserts an analysis result row. Because the unique
// index on (page_id, analysis_type, backend, model) — or its document-scoped
// sibling when page_id is null — is enforced by the database, two workers
// racing to analyze the same key will have exactly one INSERT succeed; the
// loser gets a constraint-violation error and treats it as a no-op.
func (c *Catalog) InsertAnalysisResult(ctx context.Context, p NewAnalysisParams) (*AnalysisResult, error) {
	id := c.newID()
	now := nowString()
	if p.Metadata == "" {
		p.Metadata = "{}"
	}

	_, err := c.exec(ctx, c.db, `
		INSERT INTO analysis_results (
			id, page_id, document_id, version_id, analysis_type, backend, model,
			result_text, confidence, processing_time_ms, status, error, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, strOrNil(p.PageID), p.DocumentID, p.VersionID, p.AnalysisType, p.Backend, p.Model,
		p.ResultText, confidenceOrNil(p.Confidence), p.ProcessingTimeMS, p.Status, p.Error, now, p.Metadata,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrAnalysisAlreadyExists
		}
		return nil, fmt.Errorf("catalog: insert analysis result: %w", err)
	}

	return &AnalysisResult{
		ID: id, PageID: p.PageID, DocumentID: p.DocumentID, VersionID: p.VersionID,
		AnalysisType: p.AnalysisType, Backend: p.Backend, Model: p.Model,
		ResultText: p.ResultText, Confidence: p.Confidence, ProcessingTimeMS: p.ProcessingTimeMS,
		Status: p.Status, Error: p.Error, CreatedAt: parseTime(now), Metadata: p.Metadata,
	}, nil
}

// GetAnalysisResult looks up the existing result for an exact
// (page|nil, document, version, analysis_type, backend, model) key, or nil
// if none exists yet — the dispatcher's first check before invoking a
// backend.
func (c *Catalog) GetAnalysisResult(ctx context.Context, pageID *string, documentID, versionID, analysisType, backend, model string) (*AnalysisResult, error) {
	var row *sql.Row
	if pageID != nil {
		row = c.queryRow(ctx, c.db, analysisSelectColumns+`
			FROM analysis_results ar WHERE ar.page_id = ? AND ar.analysis_type = ? AND ar.backend = ? AND ar.model = ?`,
			*pageID, analysisType, backend, model,
		)
	} else {
		row = c.queryRow(ctx, c.db, analysisSelectColumns+`
			FROM analysis_results ar WHERE ar.page_id IS NULL AND ar.document_id = ? AND ar.version_id = ? AND ar.analysis_type = ? AND ar.backend = ? AND ar.model = ?`,
			documentID, versionID, analysisType, backend, model,
		)
	}
	return scanAnalysisResult(row)
}

func scanAnalysisResult(row *sql.Row) (*AnalysisResult, error) {
	var a AnalysisResult
	var pageID sql.NullString
	var confidence sql.NullFloat64
	var createdAt string
	err := row.Scan(
		&a.ID, &pageID, &a.DocumentID, &a.VersionID, &a.AnalysisType, &a.Backend, &a.Model,
		&a.ResultText, &confidence, &a.ProcessingTimeMS, &a.Status, &a.Error, &createdAt, &a.Metadata,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan analysis result: %w", err)
	}
	a.PageID = nilIfEmpty(pageID)
	if confidence.Valid {
		a.Confidence = &confidence.Float64
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func confidenceOrNil(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// ErrAnalysisAlreadyExists is returned by InsertAnalysisResult when a
// concurrent writer already holds the unique-key row for this analysis.
var ErrAnalysisAlreadyExists = fmt.Errorf("catalog: analysis result already exists for this key")
