package catalog

import (
	"database/sql"
	"fmt"
)

// schemaStatements is the superset schema applied to both the embedded and
// networked engines. The two engines have historically drifted (the
// network engine picked up content_hash_blake3 and a wider service_status
// row before the embedded engine did); rather than maintain two schemas
// that must be kept in sync by hand, both engines are migrated to this one
// superset and the catalog code never branches on which columns exist.
//
// Partial unique indexes (the WHERE clause on idx_analysis_*) encode the
// two-branch uniqueness rule from the analysis_results entity: a page-scoped
// result is keyed by (page_id, analysis_type, backend, model); a
// document-scoped result (page_id IS NULL) is keyed by
// (document_id, version_id, analysis_type, backend, model). Both SQLite and
// Postgres support partial indexes, so this is expressed once.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		canonical_url TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_source_url ON documents(source, canonical_url)`,

	`CREATE TABLE IF NOT EXISTS versions (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		content_hash TEXT NOT NULL,
		content_hash_blake3 TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT '',
		acquired_at TEXT NOT NULL,
		source_url TEXT NOT NULL,
		original_filename TEXT NOT NULL DEFAULT '',
		server_date TEXT,
		page_count INTEGER NOT NULL DEFAULT 0,
		archive_snapshot_id TEXT,
		earliest_archived_at TEXT,
		status TEXT NOT NULL DEFAULT 'pending'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_document_hash ON versions(document_id, content_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_versions_mime_type ON versions(mime_type)`,

	`CREATE TABLE IF NOT EXISTS pages (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		version_id TEXT NOT NULL REFERENCES versions(id) ON DELETE CASCADE,
		page_number INTEGER NOT NULL,
		image_hash TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_pages_doc_version_number ON pages(document_id, version_id, page_number)`,
	`CREATE INDEX IF NOT EXISTS idx_pages_image_hash ON pages(image_hash)`,

	`CREATE TABLE IF NOT EXISTS analysis_results (
		id TEXT PRIMARY KEY,
		page_id TEXT REFERENCES pages(id) ON DELETE CASCADE,
		document_id TEXT NOT NULL,
		version_id TEXT NOT NULL,
		analysis_type TEXT NOT NULL,
		backend TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		result_text TEXT NOT NULL DEFAULT '',
		confidence REAL,
		processing_time_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_page_key
		ON analysis_results(page_id, analysis_type, backend, model)
		WHERE page_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_document_key
		ON analysis_results(document_id, version_id, analysis_type, backend, model)
		WHERE page_id IS NULL`,

	`CREATE TABLE IF NOT EXISTS archive_snapshots (
		id TEXT PRIMARY KEY,
		version_id TEXT NOT NULL REFERENCES versions(id) ON DELETE CASCADE,
		service TEXT NOT NULL,
		original_url TEXT NOT NULL,
		archive_url TEXT NOT NULL,
		captured_at TEXT NOT NULL,
		http_status INTEGER NOT NULL DEFAULT 0,
		mimetype TEXT NOT NULL DEFAULT '',
		content_length INTEGER NOT NULL DEFAULT 0,
		digest TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_archive_snapshots_version ON archive_snapshots(version_id)`,

	`CREATE TABLE IF NOT EXISTS archive_checks (
		id TEXT PRIMARY KEY,
		version_id TEXT NOT NULL REFERENCES versions(id) ON DELETE CASCADE,
		service TEXT NOT NULL,
		checked_at TEXT NOT NULL,
		outcome TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_archive_checks_version_service ON archive_checks(version_id, service)`,

	`CREATE TABLE IF NOT EXISTS scrape_state (
		source TEXT PRIMARY KEY,
		frontier_json TEXT NOT NULL DEFAULT '[]',
		visited_json TEXT NOT NULL DEFAULT '[]',
		pagination_token TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		last_success_at TEXT,
		politeness_json TEXT NOT NULL DEFAULT '{}',
		stats_json TEXT NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS service_status (
		service_type TEXT NOT NULL,
		host TEXT NOT NULL,
		state TEXT NOT NULL,
		current_source TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		last_heartbeat TEXT NOT NULL,
		counters_json TEXT NOT NULL DEFAULT '{}',
		last_error TEXT NOT NULL DEFAULT '',
		error_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (service_type, host)
	)`,

	`CREATE TABLE IF NOT EXISTS fetch_jobs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		url TEXT NOT NULL,
		expected_mime TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fetch_jobs_status ON fetch_jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_fetch_jobs_source_status ON fetch_jobs(source, status)`,

	`CREATE TABLE IF NOT EXISTS analysis_jobs (
		id TEXT PRIMARY KEY,
		page_id TEXT,
		document_id TEXT NOT NULL,
		version_id TEXT NOT NULL,
		analysis_type TEXT NOT NULL,
		backend TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status)`,
}

// columnMigrations are idempotent add-column-if-missing migrations applied
// after the base schema, for columns that were introduced after the
// original tables. CREATE TABLE IF NOT EXISTS won't add a column to an
// already-existing table, so new columns need an explicit, repeatable ALTER.
type columnMigration struct {
	table  string
	column string
	ddl    string
}

var columnMigrations = []columnMigration{
	{"versions", "content_hash_blake3", "ALTER TABLE versions ADD COLUMN content_hash_blake3 TEXT NOT NULL DEFAULT ''"},
	{"versions", "archive_snapshot_id", "ALTER TABLE versions ADD COLUMN archive_snapshot_id TEXT"},
	{"versions", "earliest_archived_at", "ALTER TABLE versions ADD COLUMN earliest_archived_at TEXT"},
	{"service_status", "counters_json", "ALTER TABLE service_status ADD COLUMN counters_json TEXT NOT NULL DEFAULT '{}'"},
	{"scrape_state", "stats_json", "ALTER TABLE scrape_state ADD COLUMN stats_json TEXT NOT NULL DEFAULT '{}'"},
	{"scrape_state", "degraded_at", "ALTER TABLE scrape_state ADD COLUMN degraded_at TEXT"},
	{"fetch_jobs", "lease_expires_at", "ALTER TABLE fetch_jobs ADD COLUMN lease_expires_at TEXT"},
	{"analysis_jobs", "lease_expires_at", "ALTER TABLE analysis_jobs ADD COLUMN lease_expires_at TEXT"},
}

// ApplySchema creates every table and index the catalog needs, and runs
// the idempotent column migrations. Safe to call on every startup.
func ApplySchema(db *sql.DB, engine Engine) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("catalog: apply schema: %s: %w", firstLine(stmt), err)
		}
	}
	for _, m := range columnMigrations {
		if err := applyColumnMigration(db, engine, m); err != nil {
			return fmt.Errorf("catalog: migrate %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func applyColumnMigration(db *sql.DB, engine Engine, m columnMigration) error {
	exists, err := columnExists(db, engine, m.table, m.column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(m.ddl)
	return err
}

func columnExists(db *sql.DB, engine Engine, table, column string) (bool, error) {
	switch engine {
	case EngineSQLite:
		rows, err := db.Query(fmt.Sprintf("SELECT name FROM pragma_table_info(%q)", table))
		if err != nil {
			return false, err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return false, err
			}
			if name == column {
				return true, nil
			}
		}
		return false, rows.Err()
	case EnginePostgres:
		var found int
		err := db.QueryRow(
			`SELECT 1 FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`,
			table, column,
		).Scan(&found)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("catalog: unknown engine %q", engine)
	}
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
