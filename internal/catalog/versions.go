package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// NewVersionParams is everything the fetch pipeline knows about a version
// at the moment it's stored.
type NewVersionParams struct {
	DocumentID        string
	ContentHash       string
	ContentHashBLAKE3 string
	FileSize          int64
	MimeType          string
	SourceURL         string
	OriginalFilename  string
	ServerDate        *string // pre-formatted RFC3339, from origin headers
}

// InsertVersion inserts a new version row for (document_id, content_hash)
// if one doesn't already exist. If it does, InsertVersion returns the
// existing version's id and existed=true — the fetch pipeline's
// idempotent-skip path for duplicate content.
func (c *Catalog) InsertVersion(ctx context.Context, p NewVersionParams) (id string, existed bool, err error) {
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		scanErr := c.queryRow(ctx, tx,
			`SELECT id FROM versions WHERE document_id = ? AND content_hash = ?`,
			p.DocumentID, p.ContentHash,
		).Scan(&existingID)
		if scanErr == nil {
			id, existed = existingID, true
			return nil
		}
		if scanErr != sql.ErrNoRows {
			return fmt.Errorf("catalog: lookup version: %w", scanErr)
		}

		id = c.newID()
		var serverDate sql.NullString
		if p.ServerDate != nil {
			serverDate = sql.NullString{String: *p.ServerDate, Valid: true}
		}
		_, execErr := c.exec(ctx, tx, `
			INSERT INTO versions (
				id, document_id, content_hash, content_hash_blake3, file_size, mime_type,
				acquired_at, source_url, original_filename, server_date, page_count, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			id, p.DocumentID, p.ContentHash, p.ContentHashBLAKE3, p.FileSize, p.MimeType,
			nowString(), p.SourceURL, p.OriginalFilename, serverDate, VersionStatusStored,
		)
		if execErr != nil {
			return fmt.Errorf("catalog: insert version: %w", execErr)
		}
		return nil
	})
	return id, existed, err
}

// DeleteVersion removes a version row. Used by the fetch pipeline to roll
// back a version insert when the subsequent CAS write fails, since the two
// steps can't share one transaction (the CAS write isn't a SQL statement).
func (c *Catalog) DeleteVersion(ctx context.Context, id string) error {
	_, err := c.exec(ctx, c.db, `DELETE FROM versions WHERE id = ?`, id)
	return err
}

// GetVersion fetches a version by id.
func (c *Catalog) GetVersion(ctx context.Context, id string) (*Version, error) {
	row := c.queryRow(ctx, c.db, versionSelectColumns+` FROM versions WHERE id = ?`, id)
	return scanVersion(row)
}

const versionSelectColumns = `SELECT
	id, document_id, content_hash, content_hash_blake3, file_size, mime_type,
	acquired_at, source_url, original_filename, server_date, page_count,
	archive_snapshot_id, earliest_archived_at, status`

func scanVersion(row *sql.Row) (*Version, error) {
	var v Version
	var acquiredAt string
	var serverDate, archiveSnapshotID, earliestArchivedAt sql.NullString
	err := row.Scan(
		&v.ID, &v.DocumentID, &v.ContentHash, &v.ContentHashBLAKE3, &v.FileSize, &v.MimeType,
		&acquiredAt, &v.SourceURL, &v.OriginalFilename, &serverDate, &v.PageCount,
		&archiveSnapshotID, &earliestArchivedAt, &v.Status,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan version: %w", err)
	}
	v.AcquiredAt = parseTime(acquiredAt)
	if serverDate.Valid {
		t := parseTime(serverDate.String)
		v.ServerDate = &t
	}
	v.ArchiveSnapshotID = nilIfEmpty(archiveSnapshotID)
	v.EarliestArchivedAt = parseTimePtr(earliestArchivedAt)
	return &v, nil
}

// ListVersionsByMimeType returns versions whose mime_type matches mimeType,
// oldest first. Used by C7/C9 to find work.
func (c *Catalog) ListVersionsByMimeType(ctx context.Context, mimeType string) ([]*Version, error) {
	rows, err := c.query(ctx, c.db, versionSelectColumns+` FROM versions WHERE mime_type = ? ORDER BY acquired_at ASC`, mimeType)
	if err != nil {
		return nil, fmt.Errorf("catalog: list versions by mime: %w", err)
	}
	defer rows.Close()
	return scanVersionRows(rows)
}

// ListVersionsMissingPages returns stored versions of the given mime
// types that haven't been decomposed into pages yet (page_count = 0),
// oldest first. Used by the page decomposer to find work.
func (c *Catalog) ListVersionsMissingPages(ctx context.Context, mimeTypes []string) ([]*Version, error) {
	if len(mimeTypes) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(mimeTypes))
	args := make([]any, 0, len(mimeTypes)+1)
	for i, m := range mimeTypes {
		placeholders[i] = "?"
		args = append(args, m)
	}
	args = append(args, VersionStatusStored)
	query := versionSelectColumns + ` FROM versions WHERE mime_type IN (` + joinPlaceholders(placeholders) + `)
		AND page_count = 0 AND status = ? ORDER BY acquired_at ASC`
	rows, err := c.query(ctx, c.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list versions missing pages: %w", err)
	}
	defer rows.Close()
	return scanVersionRows(rows)
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += "," + p
	}
	return out
}

// SetPageCount records how many pages a version decomposed into.
func (c *Catalog) SetPageCount(ctx context.Context, versionID string, count int) error {
	_, err := c.exec(ctx, c.db, `UPDATE versions SET page_count = ? WHERE id = ?`, count, versionID)
	return err
}

// ListVersionsMissingArchiveCheck returns versions that have never been
// checked against the given archive service, or whose last check is older
// than olderThanRFC3339.
func (c *Catalog) ListVersionsMissingArchiveCheck(ctx context.Context, service, olderThanRFC3339 string) ([]*Version, error) {
	rows, err := c.query(ctx, c.db, versionSelectColumns+` FROM versions v WHERE NOT EXISTS (
		SELECT 1 FROM archive_checks ac
		WHERE ac.version_id = v.id AND ac.service = ? AND ac.checked_at >= ?
	) ORDER BY v.acquired_at ASC`, service, olderThanRFC3339)
	if err != nil {
		return nil, fmt.Errorf("catalog: list versions missing archive check: %w", err)
	}
	defer rows.Close()
	return scanVersionRows(rows)
}

func scanVersionRows(rows *sql.Rows) ([]*Version, error) {
	var out []*Version
	for rows.Next() {
		var v Version
		var acquiredAt string
		var serverDate, archiveSnapshotID, earliestArchivedAt sql.NullString
		if err := rows.Scan(
			&v.ID, &v.DocumentID, &v.ContentHash, &v.ContentHashBLAKE3, &v.FileSize, &v.MimeType,
			&acquiredAt, &v.SourceURL, &v.OriginalFilename, &serverDate, &v.PageCount,
			&archiveSnapshotID, &earliestArchivedAt, &v.Status,
		); err != nil {
			return nil, fmt.Errorf("catalog: scan version row: %w", err)
		}
		v.AcquiredAt = parseTime(acquiredAt)
		if serverDate.Valid {
			t := parseTime(serverDate.String)
			v.ServerDate = &t
		}
		v.ArchiveSnapshotID = nilIfEmpty(archiveSnapshotID)
		v.EarliestArchivedAt = parseTimePtr(earliestArchivedAt)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// SetEarliestArchived sets a version's earliest_archived_at to
// capturedAtRFC3339, and its archive_snapshot_id to snapshotID, if
// capturedAtRFC3339 is earlier than the current value (or the current value
// is unset).
func (c *Catalog) SetEarliestArchived(ctx context.Context, versionID string, snapshotID string, capturedAtRFC3339 string) error {
	_, err := c.exec(ctx, c.db, `
		UPDATE versions SET archive_snapshot_id = ?, earliest_archived_at = ?
		WHERE id = ? AND (earliest_archived_at IS NULL OR earliest_archived_at > ?)`,
		snapshotID, capturedAtRFC3339, versionID, capturedAtRFC3339,
	)
	return err
}
