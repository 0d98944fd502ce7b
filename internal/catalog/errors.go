package catalog

import "strings"

// IsUniqueViolation reports whether err is a unique-constraint violation
// from either supported engine. SQLite (via modernc.org/sqlite) and
// Postgres (via lib/pq) report this differently and neither driver here
// exposes a typed sentinel worth depending on, so this matches on the
// message the way dbopen.IsBusy matches SQLITE_BUSY.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
