package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// GetScrapeState fetches the persisted frontier/visited state for a
// source, or a fresh zero-value state if the source has never run.
func (c *Catalog) GetScrapeState(ctx context.Context, source string) (*ScrapeState, error) {
	row := c.queryRow(ctx, c.db, `
		SELECT source, frontier_json, visited_json, pagination_token, last_error, last_success_at, politeness_json, stats_json, degraded_at
		FROM scrape_state WHERE source = ?`, source)

	var s ScrapeState
	var lastSuccessAt, degradedAt sql.NullString
	err := row.Scan(&s.Source, &s.FrontierJSON, &s.VisitedJSON, &s.PaginationToken, &s.LastError, &lastSuccessAt, &s.PolitenessJSON, &s.StatsJSON, &degradedAt)
	if err == sql.ErrNoRows {
		return &ScrapeState{Source: source, FrontierJSON: "[]", VisitedJSON: "[]", PolitenessJSON: "{}", StatsJSON: "{}"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get scrape state: %w", err)
	}
	s.LastSuccessAt = parseTimePtr(lastSuccessAt)
	s.DegradedAt = parseTimePtr(degradedAt)
	return &s, nil
}

// SaveScrapeState upserts the frontier/visited state for a source. The
// discovery engine calls this after every batch of frontier mutations so a
// crash mid-crawl loses at most one batch's worth of progress, matching
// the "frontier survives process restart" boundary behavior.
func (c *Catalog) SaveScrapeState(ctx context.Context, s ScrapeState) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := c.queryRow(ctx, tx, `SELECT 1 FROM scrape_state WHERE source = ?`, s.Source).Scan(&exists)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("catalog: check scrape state: %w", err)
		}
		if err == sql.ErrNoRows {
			_, err := c.exec(ctx, tx, `
				INSERT INTO scrape_state (source, frontier_json, visited_json, pagination_token, last_error, last_success_at, politeness_json, stats_json, degraded_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				s.Source, s.FrontierJSON, s.VisitedJSON, s.PaginationToken, s.LastError, timeOrNil(s.LastSuccessAt), s.PolitenessJSON, s.StatsJSON, timeOrNil(s.DegradedAt),
			)
			return err
		}
		_, err = c.exec(ctx, tx, `
			UPDATE scrape_state SET frontier_json = ?, visited_json = ?, pagination_token = ?, last_error = ?, last_success_at = ?, politeness_json = ?, stats_json = ?, degraded_at = ?
			WHERE source = ?`,
			s.FrontierJSON, s.VisitedJSON, s.PaginationToken, s.LastError, timeOrNil(s.LastSuccessAt), s.PolitenessJSON, s.StatsJSON, timeOrNil(s.DegradedAt), s.Source,
		)
		return err
	})
}

// RecordSourceError marks a source degraded: last_error is set and
// degraded_at is stamped with the current time, without disturbing the
// frontier; a source with no scrape_state row yet gets one. Called on
// AuthOrBlocked (401/403, challenge-page signature);
// discovery.Engine.RunOnce checks degraded_at before draining a source's
// frontier, and ClaimFetchJob/ClaimAnalysisJob refuse jobs belonging to a
// degraded source, so this is what actually pauses a source, not just a
// log line.
func (c *Catalog) RecordSourceError(ctx context.Context, source, errMsg string) error {
	_, err := c.exec(ctx, c.db, `
		INSERT INTO scrape_state (source, last_error, degraded_at) VALUES (?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET last_error = excluded.last_error, degraded_at = excluded.degraded_at`,
		source, errMsg, nowString())
	return err
}

// ClearSourceDegraded resumes a degraded source: an operator calls this
// once whatever caused the AuthOrBlocked classification (expired
// credentials, an IP block) is resolved. last_error is left in place as a
// record of why the source was paused.
func (c *Catalog) ClearSourceDegraded(ctx context.Context, source string) error {
	_, err := c.exec(ctx, c.db, `
		UPDATE scrape_state SET degraded_at = NULL WHERE source = ?`, source)
	return err
}
