package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertServiceStatus writes or refreshes a (service_type, host) heartbeat
// row. Called on a bounded interval by every long-running worker (C10).
func (c *Catalog) UpsertServiceStatus(ctx context.Context, s ServiceStatus) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := c.queryRow(ctx, tx, `SELECT 1 FROM service_status WHERE service_type = ? AND host = ?`, s.ServiceType, s.Host).Scan(&exists)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("catalog: check service status: %w", err)
		}
		if err == sql.ErrNoRows {
			_, err := c.exec(ctx, tx, `
				INSERT INTO service_status (
					service_type, host, state, current_source, started_at, last_heartbeat,
					counters_json, last_error, error_count
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				s.ServiceType, s.Host, s.State, s.CurrentSource,
				s.StartedAt.UTC().Format(time.RFC3339Nano), s.LastHeartbeat.UTC().Format(time.RFC3339Nano),
				s.CountersJSON, s.LastError, s.ErrorCount,
			)
			return err
		}
		// Heartbeats only ever update state/last_heartbeat/counters/errors; a
		// stale heartbeat is flagged by readers comparing last_heartbeat to a
		// threshold, never by deleting the row.
		_, err = c.exec(ctx, tx, `
			UPDATE service_status SET state = ?, current_source = ?, last_heartbeat = ?, counters_json = ?, last_error = ?, error_count = ?
			WHERE service_type = ? AND host = ?`,
			s.State, s.CurrentSource, s.LastHeartbeat.UTC().Format(time.RFC3339Nano), s.CountersJSON, s.LastError, s.ErrorCount,
			s.ServiceType, s.Host,
		)
		return err
	})
}

// ListServiceStatuses returns every known (service_type, host) row.
func (c *Catalog) ListServiceStatuses(ctx context.Context) ([]*ServiceStatus, error) {
	rows, err := c.query(ctx, c.db, `
		SELECT service_type, host, state, current_source, started_at, last_heartbeat, counters_json, last_error, error_count
		FROM service_status ORDER BY service_type, host`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list service statuses: %w", err)
	}
	defer rows.Close()

	var out []*ServiceStatus
	for rows.Next() {
		var s ServiceStatus
		var startedAt, lastHeartbeat string
		if err := rows.Scan(&s.ServiceType, &s.Host, &s.State, &s.CurrentSource, &startedAt, &lastHeartbeat, &s.CountersJSON, &s.LastError, &s.ErrorCount); err != nil {
			return nil, fmt.Errorf("catalog: scan service status: %w", err)
		}
		s.StartedAt = parseTime(startedAt)
		s.LastHeartbeat = parseTime(lastHeartbeat)
		out = append(out, &s)
	}
	return out, rows.Err()
}
