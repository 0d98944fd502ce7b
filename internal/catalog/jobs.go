package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// defaultLease is how long a claimed job holds its lease before another
// worker may reclaim it, on the assumption the claiming worker crashed.
const defaultLease = 5 * time.Minute

// EnqueueFetchJob inserts a pending fetch job.
func (c *Catalog) EnqueueFetchJob(ctx context.Context, source, url, expectedMime string) (string, error) {
	id := c.newID()
	_, err := c.exec(ctx, c.db, `
		INSERT INTO fetch_jobs (id, source, url, expected_mime, status, created_at, attempts, max_attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0, 3)`,
		id, source, url, expectedMime, JobStatusPending, nowString(),
	)
	if err != nil {
		return "", fmt.Errorf("catalog: enqueue fetch job: %w", err)
	}
	return id, nil
}

// ClaimFetchJob claims the oldest reclaimable fetch job — pending, or
// processing with an expired lease — belonging to a source that isn't
// currently degraded, and marks it processing under owner's lease.
// Returns nil if nothing is claimable.
func (c *Catalog) ClaimFetchJob(ctx context.Context, owner string) (*FetchJob, error) {
	var job *FetchJob
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		row := c.queryRow(ctx, tx, `
			SELECT f.id, f.source, f.url, f.expected_mime, f.status, f.lease_owner, f.lease_expires_at, f.attempts, f.max_attempts, f.created_at, f.completed_at, f.error
			FROM fetch_jobs f
			LEFT JOIN scrape_state s ON s.source = f.source
			WHERE (f.status = ? OR (f.status = ? AND f.lease_expires_at IS NOT NULL AND f.lease_expires_at < ?))
			  AND s.degraded_at IS NULL
			ORDER BY f.created_at ASC LIMIT 1`,
			JobStatusPending, JobStatusProcessing, now,
		)

		j, err := scanFetchJob(row)
		if err != nil {
			return err
		}
		if j == nil {
			return nil
		}

		leaseExpires := time.Now().UTC().Add(defaultLease).Format(time.RFC3339Nano)
		_, err = c.exec(ctx, tx, `
			UPDATE fetch_jobs SET status = ?, lease_owner = ?, lease_expires_at = ? WHERE id = ?`,
			JobStatusProcessing, owner, leaseExpires, j.ID,
		)
		if err != nil {
			return fmt.Errorf("catalog: claim fetch job: %w", err)
		}
		j.Status = JobStatusProcessing
		j.LeaseOwner = owner
		job = j
		return nil
	})
	return job, err
}

// CompleteFetchJob marks a fetch job completed.
func (c *Catalog) CompleteFetchJob(ctx context.Context, id string) error {
	_, err := c.exec(ctx, c.db, `UPDATE fetch_jobs SET status = ?, completed_at = ? WHERE id = ?`, JobStatusCompleted, nowString(), id)
	return err
}

// FailFetchJob marks a fetch job failed, incrementing attempts; if attempts
// reach max_attempts the job becomes poison and is no longer reclaimable.
func (c *Catalog) FailFetchJob(ctx context.Context, id, errMsg string) error {
	_, err := c.exec(ctx, c.db, `
		UPDATE fetch_jobs SET
			status = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE ? END,
			error = ?, attempts = attempts + 1, completed_at = ?
		WHERE id = ?`,
		JobStatusPoison, JobStatusFailed, errMsg, nowString(), id,
	)
	return err
}

func scanFetchJob(row *sql.Row) (*FetchJob, error) {
	var j FetchJob
	var leaseOwner, errStr sql.NullString
	var leaseExpires, completedAt sql.NullString
	var createdAt string
	err := row.Scan(&j.ID, &j.Source, &j.URL, &j.ExpectedMime, &j.Status, &leaseOwner, &leaseExpires, &j.Attempts, &j.MaxAttempts, &createdAt, &completedAt, &errStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan fetch job: %w", err)
	}
	j.LeaseOwner = leaseOwner.String
	j.Error = errStr.String
	j.CreatedAt = parseTime(createdAt)
	j.CompletedAt = parseTimePtr(completedAt)
	j.LeaseExpires = parseTimePtr(leaseExpires)
	return &j, nil
}

// EnqueueAnalysisJob inserts a pending analysis job.
func (c *Catalog) EnqueueAnalysisJob(ctx context.Context, pageID *string, documentID, versionID, analysisType, backend, model string) (string, error) {
	id := c.newID()
	_, err := c.exec(ctx, c.db, `
		INSERT INTO analysis_jobs (id, page_id, document_id, version_id, analysis_type, backend, model, status, created_at, attempts, max_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 3)`,
		id, strOrNil(pageID), documentID, versionID, analysisType, backend, model, JobStatusPending, nowString(),
	)
	if err != nil {
		return "", fmt.Errorf("catalog: enqueue analysis job: %w", err)
	}
	return id, nil
}

// ClaimAnalysisJob claims the oldest reclaimable analysis job whose
// document's source isn't currently degraded, symmetric with
// ClaimFetchJob.
func (c *Catalog) ClaimAnalysisJob(ctx context.Context, owner string) (*AnalysisJob, error) {
	var job *AnalysisJob
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		row := c.queryRow(ctx, tx, `
			SELECT a.id, a.page_id, a.document_id, a.version_id, a.analysis_type, a.backend, a.model, a.status, a.lease_owner, a.lease_expires_at, a.attempts, a.max_attempts, a.created_at, a.completed_at, a.error
			FROM analysis_jobs a
			LEFT JOIN documents d ON d.id = a.document_id
			LEFT JOIN scrape_state s ON s.source = d.source
			WHERE (a.status = ? OR (a.status = ? AND a.lease_expires_at IS NOT NULL AND a.lease_expires_at < ?))
			  AND s.degraded_at IS NULL
			ORDER BY a.created_at ASC LIMIT 1`,
			JobStatusPending, JobStatusProcessing, now,
		)

		j, err := scanAnalysisJob(row)
		if err != nil {
			return err
		}
		if j == nil {
			return nil
		}

		leaseExpires := time.Now().UTC().Add(defaultLease).Format(time.RFC3339Nano)
		_, err = c.exec(ctx, tx, `UPDATE analysis_jobs SET status = ?, lease_owner = ?, lease_expires_at = ? WHERE id = ?`,
			JobStatusProcessing, owner, leaseExpires, j.ID,
		)
		if err != nil {
			return fmt.Errorf("catalog: claim analysis job: %w", err)
		}
		j.Status = JobStatusProcessing
		j.LeaseOwner = owner
		job = j
		return nil
	})
	return job, err
}

// CompleteAnalysisJob marks an analysis job completed.
func (c *Catalog) CompleteAnalysisJob(ctx context.Context, id string) error {
	_, err := c.exec(ctx, c.db, `UPDATE analysis_jobs SET status = ?, completed_at = ? WHERE id = ?`, JobStatusCompleted, nowString(), id)
	return err
}

// FailAnalysisJob marks an analysis job failed, incrementing attempts.
func (c *Catalog) FailAnalysisJob(ctx context.Context, id, errMsg string) error {
	_, err := c.exec(ctx, c.db, `
		UPDATE analysis_jobs SET
			status = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE ? END,
			error = ?, attempts = attempts + 1, completed_at = ?
		WHERE id = ?`,
		JobStatusPoison, JobStatusFailed, errMsg, nowString(), id,
	)
	return err
}

func scanAnalysisJob(row *sql.Row) (*AnalysisJob, error) {
	var j AnalysisJob
	var pageID, leaseOwner, errStr sql.NullString
	var leaseExpires, completedAt sql.NullString
	var createdAt string
	err := row.Scan(&j.ID, &pageID, &j.DocumentID, &j.VersionID, &j.AnalysisType, &j.Backend, &j.Model, &j.Status, &leaseOwner, &leaseExpires, &j.Attempts, &j.MaxAttempts, &createdAt, &completedAt, &errStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan analysis job: %w", err)
	}
	j.PageID = nilIfEmpty(pageID)
	j.LeaseOwner = leaseOwner.String
	j.Error = errStr.String
	j.CreatedAt = parseTime(createdAt)
	j.CompletedAt = parseTimePtr(completedAt)
	j.LeaseExpires = parseTimePtr(leaseExpires)
	return &j, nil
}
