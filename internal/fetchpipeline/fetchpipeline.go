// Package fetchpipeline implements the fetch→hash→dedup→store sequence
// (C6): given a FetchJob, acquire a scheduler permit, fetch the bytes,
// classify what came back, and land a new version in the catalog and CAS
// store if it is one.
//
// ProcessJob is grounded line-for-line on pipeline.WebHandler.Handle's
// fetch→hash→dedup→store→log sequence, generalized from "extract text"
// to "store bytes in CAS + version row" and from a single content hash
// to the dual SHA-256/BLAKE3 pair.
package fetchpipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/zeebo/blake3"

	"github.com/foiacquire/foiacquire/internal/cas"
	"github.com/foiacquire/foiacquire/internal/catalog"
	"github.com/foiacquire/foiacquire/internal/ferr"
	"github.com/foiacquire/foiacquire/internal/netsafe"
	"github.com/foiacquire/foiacquire/internal/ratelimit"
	"github.com/foiacquire/foiacquire/internal/transport"
)

// MaxDocumentBytes bounds a single fetched document. Larger than
// netsafe.MaxResponseBody because this path fetches whole PDFs and
// archives, not discovery-crawl HTML pages.
const MaxDocumentBytes = 200 << 20 // 200MiB

// Config configures a Pipeline.
type Config struct {
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pipeline processes FetchJob rows into catalog versions and CAS blobs.
type Pipeline struct {
	cat      *catalog.Catalog
	store    *cas.Store
	limiter  ratelimit.Limiter
	selector *transport.Selector
	cfg      Config
}

// New creates a Pipeline.
func New(cat *catalog.Catalog, store *cas.Store, limiter ratelimit.Limiter, selector *transport.Selector, cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{cat: cat, store: store, limiter: limiter, selector: selector, cfg: cfg}
}

// ProcessJob runs one FetchJob to completion: fetch, classify, dedup,
// store. It reports the outcome to the scheduler (C3) before returning.
func (p *Pipeline) ProcessJob(ctx context.Context, job *catalog.FetchJob) error {
	log := p.cfg.Logger.With("source", job.Source, "url", job.URL)
	start := time.Now()

	host := hostOf(job.URL)
	permit, err := p.limiter.Acquire(ctx, host)
	if err != nil {
		return ferr.Wrap(ferr.TransientNetwork, fmt.Errorf("fetchpipeline: acquire permit: %w", err))
	}
	defer permit.Release()

	tr, err := p.selector.Select(job.Source, false)
	if err != nil {
		_ = p.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		return ferr.New(ferr.ConfigurationError, "select transport", err)
	}

	resp, err := tr.Fetch(ctx, job.URL, nil)
	duration := time.Since(start)
	if err != nil {
		_ = p.limiter.Report(ctx, host, ratelimit.OutcomePoliteness, 0)
		return ferr.New(ferr.TransientNetwork, "fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_ = p.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		_ = p.cat.RecordSourceError(ctx, job.Source, fmt.Sprintf("auth/blocked: http %d", resp.StatusCode))
		return ferr.New(ferr.AuthOrBlocked, "fetch", fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		_ = p.limiter.Report(ctx, host, ratelimit.OutcomePoliteness, retryAfter(resp.Headers["Retry-After"]))
		return ferr.New(ferr.TransientNetwork, "fetch", fmt.Errorf("http %d", resp.StatusCode))
	}

	body, err := netsafe.LimitedReadAll(resp.Body, MaxDocumentBytes)
	if err != nil {
		_ = p.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		return ferr.New(ferr.StorageFailure, "read body", err)
	}

	if transport.LooksLikeChallengePage(body) {
		p.selector.FlagChallenge(job.Source)
		_ = p.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		_ = p.cat.RecordSourceError(ctx, job.Source, "challenge page signature detected")
		return ferr.New(ferr.AuthOrBlocked, "classify", fmt.Errorf("challenge page signature at %s", job.URL))
	}

	if len(body) == 0 {
		_ = p.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		return ferr.New(ferr.MalformedContent, "classify", fmt.Errorf("empty response body"))
	}

	sniffed := http.DetectContentType(body)
	if job.ExpectedMime != "" && mimeMismatch(job.ExpectedMime, sniffed) {
		_ = p.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		return ferr.New(ferr.MalformedContent, "classify",
			fmt.Errorf("expected %s, sniffed %s", job.ExpectedMime, sniffed))
	}

	_ = p.limiter.Report(ctx, host, ratelimit.OutcomeSuccess, 0)

	sha := sha256.Sum256(body)
	sha256Hex := fmt.Sprintf("%x", sha)
	b3 := blake3.Sum256(body)
	blake3Hex := fmt.Sprintf("%x", b3)

	canonical := canonicalizeURL(job.URL)
	docID, err := p.cat.UpsertDocument(ctx, job.Source, canonical, "")
	if err != nil {
		return ferr.New(ferr.StorageFailure, "upsert document", err)
	}

	mimeType := sniffed
	if job.ExpectedMime != "" {
		mimeType = job.ExpectedMime
	}

	versionID, existed, err := p.cat.InsertVersion(ctx, catalog.NewVersionParams{
		DocumentID:        docID,
		ContentHash:       sha256Hex,
		ContentHashBLAKE3: blake3Hex,
		FileSize:          int64(len(body)),
		MimeType:          mimeType,
		SourceURL:         job.URL,
	})
	if err != nil {
		return ferr.New(ferr.StorageFailure, "insert version", err)
	}
	if existed {
		log.Debug("fetchpipeline: duplicate content, idempotent skip", "version_id", versionID, "duration", duration)
		return ferr.New(ferr.DuplicateContent, "dedup", fmt.Errorf("version already exists"))
	}

	if _, _, err := p.store.Write(ctx, bytes.NewReader(body)); err != nil {
		if delErr := p.cat.DeleteVersion(ctx, versionID); delErr != nil {
			log.Error("fetchpipeline: rollback version after CAS failure also failed",
				"version_id", versionID, "cas_error", err, "rollback_error", delErr)
		}
		// cas.Store.Write already classifies its own failures (e.g.
		// ferr.HashCollision); only give an unclassified error the
		// generic StorageFailure kind here.
		if _, ok := ferr.KindOf(err); ok {
			return err
		}
		return ferr.New(ferr.StorageFailure, "cas write", err)
	}

	log.Info("fetchpipeline: stored new version", "version_id", versionID, "size", len(body), "duration", duration)
	return nil
}

// Run claims and processes FetchJobs every interval until ctx is
// cancelled, logging but not stopping on a single job's failure.
func (p *Pipeline) Run(ctx context.Context, owner string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ran, err := p.RunOnce(ctx, owner)
			if err != nil {
				p.cfg.Logger.Error("fetchpipeline: run once failed", "error", err)
			}
			if !ran {
				continue
			}
		}
	}
}

// RunOnce claims and processes at most one FetchJob. The bool return
// reports whether a job was claimed at all (false means the queue was
// empty, not that anything failed).
func (p *Pipeline) RunOnce(ctx context.Context, owner string) (bool, error) {
	job, err := p.cat.ClaimFetchJob(ctx, owner)
	if err != nil {
		return false, fmt.Errorf("fetchpipeline: claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	err = p.ProcessJob(ctx, job)
	switch {
	case err == nil, ferr.Is(err, ferr.DuplicateContent):
		_ = p.cat.CompleteFetchJob(ctx, job.ID)
		return true, nil
	default:
		_ = p.cat.FailFetchJob(ctx, job.ID, err.Error())
		return true, err
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// canonicalizeURL strips the fragment, which never changes document
// identity, before the URL is used as the document-identity key.
func canonicalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	return u.String()
}

func mimeMismatch(expected, sniffed string) bool {
	// application/octet-stream is what DetectContentType returns when it
	// can't tell — never treat that as a mismatch on its own.
	if sniffed == "application/octet-stream" {
		return false
	}
	return baseType(expected) != baseType(sniffed)
}

func baseType(mime string) string {
	for i, c := range mime {
		if c == ';' {
			return mime[:i]
		}
	}
	return mime
}

func retryAfter(values []string) time.Duration {
	if len(values) == 0 {
		return 0
	}
	if d, err := time.ParseDuration(values[0] + "s"); err == nil {
		return d
	}
	return 0
}
