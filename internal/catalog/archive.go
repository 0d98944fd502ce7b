package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertArchiveSnapshot records a snapshot discovered by C9 against an
// external archive service. Safe to call repeatedly for the same snapshot;
// callers dedup on (version_id, service, captured_at) themselves if needed.
func (c *Catalog) InsertArchiveSnapshot(ctx context.Context, s ArchiveSnapshot) (string, error) {
	id := c.newID()
	if s.Metadata == "" {
		s.Metadata = "{}"
	}
	_, err := c.exec(ctx, c.db, `
		INSERT INTO archive_snapshots (
			id, version_id, service, original_url, archive_url, captured_at,
			http_status, mimetype, content_length, digest, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, s.VersionID, s.Service, s.OriginalURL, s.ArchiveURL, s.CapturedAt.UTC().Format(time.RFC3339Nano),
		s.HTTPStatus, s.MimeType, s.ContentLength, s.Digest, s.Metadata,
	)
	if err != nil {
		return "", fmt.Errorf("catalog: insert archive snapshot: %w", err)
	}
	return id, nil
}

// RecordArchiveCheck upserts the (version, service) check memo.
func (c *Catalog) RecordArchiveCheck(ctx context.Context, versionID, service, outcome string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := c.queryRow(ctx, tx, `SELECT id FROM archive_checks WHERE version_id = ? AND service = ?`, versionID, service).Scan(&existingID)
		now := nowString()
		if err == sql.ErrNoRows {
			_, err := c.exec(ctx, tx,
				`INSERT INTO archive_checks (id, version_id, service, checked_at, outcome) VALUES (?, ?, ?, ?, ?)`,
				c.newID(), versionID, service, now, outcome,
			)
			return err
		}
		if err != nil {
			return fmt.Errorf("catalog: lookup archive check: %w", err)
		}
		_, err = c.exec(ctx, tx, `UPDATE archive_checks SET checked_at = ?, outcome = ? WHERE id = ?`, now, outcome, existingID)
		return err
	})
}

// GetArchiveCheck fetches the (version, service) check memo, or nil if the
// pair has never been checked.
func (c *Catalog) GetArchiveCheck(ctx context.Context, versionID, service string) (*ArchiveCheck, error) {
	row := c.queryRow(ctx, c.db, `SELECT id, version_id, service, checked_at, outcome FROM archive_checks WHERE version_id = ? AND service = ?`, versionID, service)
	var ac ArchiveCheck
	var checkedAt string
	err := row.Scan(&ac.ID, &ac.VersionID, &ac.Service, &checkedAt, &ac.Outcome)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan archive check: %w", err)
	}
	ac.CheckedAt = parseTime(checkedAt)
	return &ac, nil
}
