// Package archivecheck cross-references stored versions against an
// external web archive's CDX index (C9): for every version that hasn't
// been checked against a service recently, query the index, record any
// snapshots found, and update the version's earliest-archived timestamp
// when a snapshot's content plausibly matches what's stored.
//
// Checker.CheckVersion is a generalization of ProbeURL's plain
// HTTP-probe, status-code-driven outcome to a JSON response body: the
// probe here isn't "is this URL reachable" but "does this archive
// service already hold a copy of this content".
package archivecheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/foiacquire/foiacquire/internal/catalog"
	"github.com/foiacquire/foiacquire/internal/ratelimit"
	"github.com/foiacquire/foiacquire/internal/transport"
)

// ServiceWayback is the only archive service this package knows how to
// query against; a second service would need its own query-URL builder
// and response parser, wired in the same shape as Checker.CheckVersion.
const ServiceWayback = "wayback"

// DefaultCDXBase is the Wayback Machine's CDX server endpoint.
const DefaultCDXBase = "http://web.archive.org/cdx/server/cdx"

// Config configures a Checker.
type Config struct {
	CDXBase string
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.CDXBase == "" {
		c.CDXBase = DefaultCDXBase
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Checker queries an archive service's CDX index for versions the
// catalog hasn't recently checked.
type Checker struct {
	cat      *catalog.Catalog
	limiter  ratelimit.Limiter
	selector *transport.Selector
	cfg      Config
}

// New creates a Checker.
func New(cat *catalog.Catalog, limiter ratelimit.Limiter, selector *transport.Selector, cfg Config) *Checker {
	cfg.defaults()
	return &Checker{cat: cat, limiter: limiter, selector: selector, cfg: cfg}
}

// RunOnce checks every version lacking a check against ServiceWayback
// newer than maxAge. Returns the number of versions checked.
func (c *Checker) RunOnce(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	versions, err := c.cat.ListVersionsMissingArchiveCheck(ctx, ServiceWayback, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archivecheck: list versions: %w", err)
	}

	for _, v := range versions {
		if err := c.CheckVersion(ctx, v); err != nil {
			c.cfg.Logger.Warn("archivecheck: check version failed", "version_id", v.ID, "error", err)
		}
	}
	return len(versions), nil
}

// CheckVersion queries the CDX index for v.SourceURL, records any
// snapshots found, and records the check's outcome.
func (c *Checker) CheckVersion(ctx context.Context, v *catalog.Version) error {
	cdxURL, err := buildCDXQuery(c.cfg.CDXBase, v.SourceURL)
	if err != nil {
		_ = c.cat.RecordArchiveCheck(ctx, v.ID, ServiceWayback, catalog.ArchiveOutcomeError)
		return fmt.Errorf("archivecheck: build query: %w", err)
	}

	host := hostOf(cdxURL)
	permit, err := c.limiter.Acquire(ctx, host)
	if err != nil {
		return fmt.Errorf("archivecheck: acquire permit: %w", err)
	}
	defer permit.Release()

	tr, err := c.selector.Select(ServiceWayback, false)
	if err != nil {
		return fmt.Errorf("archivecheck: select transport: %w", err)
	}

	resp, err := tr.Fetch(ctx, cdxURL, map[string]string{"Accept": "application/json"})
	if err != nil {
		_ = c.limiter.Report(ctx, host, ratelimit.OutcomePoliteness, 0)
		_ = c.cat.RecordArchiveCheck(ctx, v.ID, ServiceWayback, catalog.ArchiveOutcomeError)
		return fmt.Errorf("archivecheck: fetch cdx: %w", err)
	}
	defer resp.Body.Close()
	_ = c.limiter.Report(ctx, host, ratelimit.OutcomeSuccess, 0)

	rows, err := decodeCDXResponse(resp.Body)
	if err != nil {
		_ = c.cat.RecordArchiveCheck(ctx, v.ID, ServiceWayback, catalog.ArchiveOutcomeError)
		return fmt.Errorf("archivecheck: decode cdx response: %w", err)
	}

	if len(rows) == 0 {
		return c.cat.RecordArchiveCheck(ctx, v.ID, ServiceWayback, catalog.ArchiveOutcomeNoSnapshots)
	}

	newSnapshots := false
	for _, row := range rows {
		capturedAt, err := time.Parse("20060102150405", row.Timestamp)
		if err != nil {
			continue
		}

		snapshotID, err := c.cat.InsertArchiveSnapshot(ctx, catalog.ArchiveSnapshot{
			VersionID:     v.ID,
			Service:       ServiceWayback,
			OriginalURL:   row.Original,
			ArchiveURL:    fmt.Sprintf("https://web.archive.org/web/%s/%s", row.Timestamp, row.Original),
			CapturedAt:    capturedAt,
			HTTPStatus:    row.StatusCode(),
			MimeType:      row.MimeType,
			ContentLength: row.Length(),
			Digest:        row.Digest,
		})
		if err != nil {
			continue
		}
		newSnapshots = true

		if snapshotMatches(v, row) {
			_ = c.cat.SetEarliestArchived(ctx, v.ID, snapshotID, capturedAt.UTC().Format(time.RFC3339Nano))
		}
	}

	outcome := catalog.ArchiveOutcomeVerified
	if newSnapshots {
		outcome = catalog.ArchiveOutcomeNewVersions
	}
	return c.cat.RecordArchiveCheck(ctx, v.ID, ServiceWayback, outcome)
}

// snapshotMatches applies the digest-sufficient-but-not-necessary rule:
// a digest match is taken as proof of identical content even though the
// archive's digest algorithm (typically SHA-1 over the raw response)
// differs from the catalog's SHA-256/BLAKE3 pair; absent a digest match,
// byte-length plus mime type is the fallback heuristic.
func snapshotMatches(v *catalog.Version, row cdxRow) bool {
	if row.Digest != "" && (row.Digest == v.ContentHash || row.Digest == v.ContentHashBLAKE3) {
		return true
	}
	return row.Length() == v.FileSize && row.MimeType == v.MimeType
}

func buildCDXQuery(base, sourceURL string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("url", sourceURL)
	q.Set("output", "json")
	q.Set("limit", "20")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// cdxRow is one row of a CDX JSON response:
// [urlkey, timestamp, original, mimetype, statuscode, digest, length].
type cdxRow struct {
	URLKey     string
	Timestamp  string
	Original   string
	MimeType   string
	StatusCode func() int
	Digest     string
	Length     func() int64
}

func decodeCDXResponse(body io.Reader) ([]cdxRow, error) {
	var raw [][]string
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	// First row is the header (["urlkey","timestamp","original","mimetype","statuscode","digest","length"]).
	rows := make([]cdxRow, 0, len(raw)-1)
	for _, fields := range raw[1:] {
		if len(fields) < 7 {
			continue
		}
		statusStr, lengthStr := fields[4], fields[6]
		rows = append(rows, cdxRow{
			URLKey:    fields[0],
			Timestamp: fields[1],
			Original:  fields[2],
			MimeType:  fields[3],
			StatusCode: func() int {
				n, _ := strconv.Atoi(statusStr)
				return n
			},
			Digest: fields[5],
			Length: func() int64 {
				n, _ := strconv.ParseInt(lengthStr, 10, 64)
				return n
			},
		})
	}
	return rows, nil
}
