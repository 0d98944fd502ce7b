// Package analysis dispatches OCR/LLM backends over pages and documents
// (C8): claim a pending analysis job, check whether a result already
// exists for that job's exact key, fall back to the image-hash cache for
// page-scoped jobs whose backend allows it, run the backend if neither
// hit, and record the outcome.
//
// Dispatcher.RunOnce is built directly on the claim/complete/fail lease
// pattern jobs.Queue uses, generalized from a single jobs table keyed
// only by status to analysis_results' two uniqueness rules: one result
// per (page_id, analysis_type, backend, model), or per
// (document_id, version_id, analysis_type, backend, model) when the job
// is document-scoped rather than page-scoped.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foiacquire/foiacquire/internal/catalog"
	"github.com/foiacquire/foiacquire/internal/ferr"
)

// Input is what a Backend needs to analyze one unit of work — a page, or
// a whole document when PageID is nil.
type Input struct {
	PageID     *string
	DocumentID string
	VersionID  string
	PageNumber int
	ImageHash  string
}

// Output is what a Backend produces.
type Output struct {
	ResultText string
	Confidence *float64
	Metadata   string // opaque JSON, stored verbatim
}

// Backend is the pluggable seam concrete OCR/LLM vendor bindings sit
// behind. The dispatcher ships with no vendor wired in; Noop and Fixed
// below exist for tests and as a template for a real binding. The
// (backend, model) identity used for the analysis_results uniqueness key
// comes from the job row, not the Backend itself — a single Backend
// implementation can serve jobs enqueued under different model strings.
type Backend interface {
	// AnalysisType is the job type this backend answers (e.g. "ocr").
	AnalysisType() string
	// RequiresPerPageImage reports whether results for this backend are
	// eligible for the image-hash cache — a backend whose output depends
	// only on page pixels, not on surrounding document context, can
	// adopt a prior result by reference instead of re-running.
	RequiresPerPageImage() bool
	Run(ctx context.Context, in Input) (Output, error)
}

// Config configures a Dispatcher.
type Config struct {
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dispatcher claims analysis jobs and runs them against registered
// backends, keyed by AnalysisType.
type Dispatcher struct {
	cat      *catalog.Catalog
	backends map[string]Backend
	cfg      Config
}

// New creates a Dispatcher with no backends registered.
func New(cat *catalog.Catalog, cfg Config) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{cat: cat, backends: make(map[string]Backend), cfg: cfg}
}

// RegisterBackend makes b available for jobs whose analysis_type matches
// b.AnalysisType(). A second registration for the same type replaces the
// first.
func (d *Dispatcher) RegisterBackend(b Backend) {
	d.backends[b.AnalysisType()] = b
}

// Run polls for analysis jobs every interval until ctx is cancelled,
// logging but not stopping on a single job's failure.
func (d *Dispatcher) Run(ctx context.Context, owner string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ran, err := d.RunOnce(ctx, owner)
			if err != nil {
				d.cfg.Logger.Error("analysis: run once failed", "error", err)
			}
			if !ran {
				continue
			}
		}
	}
}

// RunOnce claims and runs at most one analysis job. The bool return
// reports whether a job was claimed at all (false means the queue was
// empty, not that anything failed).
func (d *Dispatcher) RunOnce(ctx context.Context, owner string) (bool, error) {
	job, err := d.cat.ClaimAnalysisJob(ctx, owner)
	if err != nil {
		return false, fmt.Errorf("analysis: claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := d.cfg.Logger.With("job_id", job.ID, "analysis_type", job.AnalysisType, "backend", job.Backend)

	backend, ok := d.backends[job.AnalysisType]
	if !ok {
		failErr := fmt.Errorf("no backend registered for analysis_type %q", job.AnalysisType)
		_ = d.cat.FailAnalysisJob(ctx, job.ID, failErr.Error())
		return true, ferr.New(ferr.ConfigurationError, "dispatch", failErr)
	}

	if existing, err := d.cat.GetAnalysisResult(ctx, job.PageID, job.DocumentID, job.VersionID, job.AnalysisType, job.Backend, job.Model); err != nil {
		_ = d.cat.FailAnalysisJob(ctx, job.ID, err.Error())
		return true, ferr.New(ferr.StorageFailure, "check existing result", err)
	} else if existing != nil {
		_ = d.cat.CompleteAnalysisJob(ctx, job.ID)
		log.Debug("analysis: exact key already complete, skipping backend")
		return true, nil
	}

	in := Input{PageID: job.PageID, DocumentID: job.DocumentID, VersionID: job.VersionID}
	if job.PageID != nil {
		page, err := d.cat.GetPage(ctx, *job.PageID)
		if err != nil {
			_ = d.cat.FailAnalysisJob(ctx, job.ID, err.Error())
			return true, ferr.New(ferr.StorageFailure, "load page", err)
		}
		if page == nil {
			failErr := fmt.Errorf("page %s not found", *job.PageID)
			_ = d.cat.FailAnalysisJob(ctx, job.ID, failErr.Error())
			return true, ferr.New(ferr.ConfigurationError, "dispatch", failErr)
		}
		in.PageNumber = page.PageNumber
		in.ImageHash = page.ImageHash

		if backend.RequiresPerPageImage() {
			if cached, err := d.cat.FindAnalysisByImageHash(ctx, page.ImageHash, job.AnalysisType, job.Backend, job.Model); err == nil && cached != nil {
				if _, err := d.cat.InsertAnalysisResult(ctx, catalog.NewAnalysisParams{
					PageID: job.PageID, DocumentID: job.DocumentID, VersionID: job.VersionID,
					AnalysisType: job.AnalysisType, Backend: job.Backend, Model: job.Model,
					ResultText: cached.ResultText, Confidence: cached.Confidence, Status: catalog.AnalysisStatusComplete,
					Metadata: cached.Metadata,
				}); err != nil && err != catalog.ErrAnalysisAlreadyExists {
					_ = d.cat.FailAnalysisJob(ctx, job.ID, err.Error())
					return true, ferr.New(ferr.StorageFailure, "adopt cached result", err)
				}
				_ = d.cat.CompleteAnalysisJob(ctx, job.ID)
				log.Debug("analysis: adopted cached result by image hash")
				return true, nil
			}
		}
	}

	start := time.Now()
	out, err := backend.Run(ctx, in)
	if err != nil {
		_ = d.cat.FailAnalysisJob(ctx, job.ID, err.Error())
		return true, ferr.New(ferr.BackendFailure, "run backend", err)
	}

	_, err = d.cat.InsertAnalysisResult(ctx, catalog.NewAnalysisParams{
		PageID: job.PageID, DocumentID: job.DocumentID, VersionID: job.VersionID,
		AnalysisType: job.AnalysisType, Backend: job.Backend, Model: job.Model,
		ResultText: out.ResultText, Confidence: out.Confidence, Status: catalog.AnalysisStatusComplete,
		ProcessingTimeMS: time.Since(start).Milliseconds(), Metadata: out.Metadata,
	})
	if err != nil && err != catalog.ErrAnalysisAlreadyExists {
		_ = d.cat.FailAnalysisJob(ctx, job.ID, err.Error())
		return true, ferr.New(ferr.StorageFailure, "insert result", err)
	}

	_ = d.cat.CompleteAnalysisJob(ctx, job.ID)
	log.Info("analysis: job completed", "duration", time.Since(start))
	return true, nil
}
