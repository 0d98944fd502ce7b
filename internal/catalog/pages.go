package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertPages inserts the page rows for a version and sets the version's
// page_count, as one transaction — the "insertion of a new version and its
// pages MUST be one transaction" requirement applies to the page-insertion
// event itself: all pages for a version land together, or none do.
func (c *Catalog) InsertPages(ctx context.Context, documentID, versionID string, pages []Page) ([]Page, error) {
	inserted := make([]Page, len(pages))
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for i, p := range pages {
			id := c.newID()
			_, err := c.exec(ctx, tx, `
				INSERT INTO pages (id, document_id, version_id, page_number, image_hash)
				VALUES (?, ?, ?, ?, ?)`,
				id, documentID, versionID, p.PageNumber, p.ImageHash,
			)
			if err != nil {
				return fmt.Errorf("catalog: insert page %d: %w", p.PageNumber, err)
			}
			inserted[i] = Page{ID: id, DocumentID: documentID, VersionID: versionID, PageNumber: p.PageNumber, ImageHash: p.ImageHash}
		}
		_, err := c.exec(ctx, tx, `UPDATE versions SET page_count = ? WHERE id = ?`, len(pages), versionID)
		if err != nil {
			return fmt.Errorf("catalog: update page_count: %w", err)
		}
		return nil
	})
	return inserted, err
}

// GetPage fetches a page by id.
func (c *Catalog) GetPage(ctx context.Context, id string) (*Page, error) {
	row := c.queryRow(ctx, c.db, `SELECT id, document_id, version_id, page_number, image_hash FROM pages WHERE id = ?`, id)
	var p Page
	err := row.Scan(&p.ID, &p.DocumentID, &p.VersionID, &p.PageNumber, &p.ImageHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan page: %w", err)
	}
	return &p, nil
}

// ListPages returns every page of a version, ordered by page_number.
func (c *Catalog) ListPages(ctx context.Context, versionID string) ([]*Page, error) {
	rows, err := c.query(ctx, c.db,
		`SELECT id, document_id, version_id, page_number, image_hash FROM pages WHERE version_id = ? ORDER BY page_number ASC`,
		versionID,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: list pages: %w", err)
	}
	defer rows.Close()

	var out []*Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.VersionID, &p.PageNumber, &p.ImageHash); err != nil {
			return nil, fmt.Errorf("catalog: scan page: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ListPagesMissingAnalysis returns every page, across all documents, that has
// no analysis_results row for (analysisType, backend, model).
func (c *Catalog) ListPagesMissingAnalysis(ctx context.Context, analysisType, backend, model string) ([]*Page, error) {
	rows, err := c.query(ctx, c.db, `
		SELECT p.id, p.document_id, p.version_id, p.page_number, p.image_hash
		FROM pages p
		WHERE NOT EXISTS (
			SELECT 1 FROM analysis_results ar
			WHERE ar.page_id = p.id AND ar.analysis_type = ? AND ar.backend = ? AND ar.model = ?
		)
		ORDER BY p.document_id, p.version_id, p.page_number`,
		analysisType, backend, model,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: list pages missing analysis: %w", err)
	}
	defer rows.Close()

	var out []*Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.VersionID, &p.PageNumber, &p.ImageHash); err != nil {
			return nil, fmt.Errorf("catalog: scan page: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// FindAnalysisByImageHash looks up a completed analysis result for the
// given (analysisType, backend, model) on any page sharing imageHash —
// this is the cache-by-image-hash lookup the analysis dispatcher (C8) uses
// to adopt an existing result by reference instead of re-running a backend.
func (c *Catalog) FindAnalysisByImageHash(ctx context.Context, imageHash, analysisType, backend, model string) (*AnalysisResult, error) {
	row := c.queryRow(ctx, c.db, analysisSelectColumns+`
		FROM analysis_results ar
		JOIN pages p ON p.id = ar.page_id
		WHERE p.image_hash = ? AND ar.analysis_type = ? AND ar.backend = ? AND ar.model = ? AND ar.status = ?
		ORDER BY ar.created_at ASC LIMIT 1`,
		imageHash, analysisType, backend, model, AnalysisStatusComplete,
	)
	return scanAnalysisResult(row)
}
