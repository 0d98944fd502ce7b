package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertDocument inserts a document for (source, canonicalURL) if one
// doesn't exist, or touches last_seen if it does. Returns the document's
// (possibly pre-existing) id.
func (c *Catalog) UpsertDocument(ctx context.Context, source, canonicalURL, title string) (string, error) {
	now := nowString()

	existing, err := c.documentIDBySourceURL(ctx, c.db, source, canonicalURL)
	if err != nil {
		return "", err
	}
	if existing != "" {
		_, err := c.exec(ctx, c.db, `UPDATE documents SET last_seen = ? WHERE id = ?`, now, existing)
		return existing, err
	}

	id := c.newID()
	_, err = c.exec(ctx, c.db,
		`INSERT INTO documents (id, source, canonical_url, title, first_seen, last_seen) VALUES (?, ?, ?, ?, ?, ?)`,
		id, source, canonicalURL, title, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("catalog: insert document: %w", err)
	}
	return id, nil
}

func (c *Catalog) documentIDBySourceURL(ctx context.Context, x execer, source, canonicalURL string) (string, error) {
	var id string
	err := c.queryRow(ctx, x, `SELECT id FROM documents WHERE source = ? AND canonical_url = ?`, source, canonicalURL).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("catalog: lookup document: %w", err)
	}
	return id, nil
}

// GetDocument fetches a document by id.
func (c *Catalog) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := c.queryRow(ctx, c.db, `SELECT id, source, canonical_url, title, first_seen, last_seen FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

func scanDocument(row *sql.Row) (*Document, error) {
	var d Document
	var firstSeen, lastSeen string
	if err := row.Scan(&d.ID, &d.Source, &d.CanonicalURL, &d.Title, &firstSeen, &lastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: scan document: %w", err)
	}
	d.FirstSeen = parseTime(firstSeen)
	d.LastSeen = parseTime(lastSeen)
	return &d, nil
}

// ListDocumentsBySource lists every document known for a source.
func (c *Catalog) ListDocumentsBySource(ctx context.Context, source string) ([]*Document, error) {
	rows, err := c.query(ctx, c.db, `SELECT id, source, canonical_url, title, first_seen, last_seen FROM documents WHERE source = ? ORDER BY first_seen ASC`, source)
	if err != nil {
		return nil, fmt.Errorf("catalog: list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var d Document
		var firstSeen, lastSeen string
		if err := rows.Scan(&d.ID, &d.Source, &d.CanonicalURL, &d.Title, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("catalog: scan document row: %w", err)
		}
		d.FirstSeen = parseTime(firstSeen)
		d.LastSeen = parseTime(lastSeen)
		docs = append(docs, &d)
	}
	return docs, rows.Err()
}
