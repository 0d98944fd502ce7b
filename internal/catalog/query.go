package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// q rewrites a query written with "?" placeholders into the dialect the
// catalog's current engine expects. SQLite and lib/pq both accept
// positional placeholders, but pq requires "$1", "$2", ... instead of "?".
// Writing every query once with "?" and rewriting here keeps the CRUD files
// free of engine branching.
func (c *Catalog) q(query string) string {
	if c.engine != EnginePostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Catalog) exec(ctx context.Context, x execer, query string, args ...any) (sql.Result, error) {
	return x.ExecContext(ctx, c.q(query), args...)
}

func (c *Catalog) queryRow(ctx context.Context, x execer, query string, args ...any) *sql.Row {
	return x.QueryRowContext(ctx, c.q(query), args...)
}

func (c *Catalog) query(ctx context.Context, x execer, query string, args ...any) (*sql.Rows, error) {
	return x.QueryContext(ctx, c.q(query), args...)
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error fn returns (or panics with).
func (c *Catalog) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nowString() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func timeOrNil(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func strOrNil(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nilIfEmpty(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}
