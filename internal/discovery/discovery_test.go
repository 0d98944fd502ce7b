package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/foiacquire/foiacquire/internal/catalog"
	"github.com/foiacquire/foiacquire/internal/ratelimit"
	"github.com/foiacquire/foiacquire/internal/transport"

	_ "modernc.org/sqlite"
)

func noopValidator(_ string) error { return nil }

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Open("sqlite://" + filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestEngine(t *testing.T, cat *catalog.Catalog) *Engine {
	t.Helper()
	direct := transport.NewDirect(transport.DirectConfig{URLValidator: noopValidator})
	sel := transport.NewSelector(direct, nil, nil)
	limiter := ratelimit.NewLocal(ratelimit.LocalConfig{BaseRatePS: 1000})
	return New(cat, limiter, sel, nil)
}

func TestHTMLCrawl_ExtractsDocumentsAndFollowsPagination(t *testing.T) {
	var page2Served bool
	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<a class="doc" href="/files/a.pdf">A</a>
			<a class="doc" href="/files/b.txt">B (wrong pattern)</a>
			<a class="next" href="/listing2">Next</a>
		</body></html>`))
	})
	mux.HandleFunc("/listing2", func(w http.ResponseWriter, r *http.Request) {
		page2Served = true
		w.Write([]byte(`<html><body><a class="doc" href="/files/c.pdf">C</a></body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cat := openTestCatalog(t)
	eng := newTestEngine(t, cat)

	src := SourceConfig{
		Name:             "agency-x",
		DiscoveryType:    "html_crawl",
		BaseURL:          srv.URL,
		StartPaths:       []string{"/listing"},
		DocumentLinks:    []string{"a.doc"},
		DocumentPatterns: []string{`\.pdf$`},
		NextSelectors:    []string{"a.next"},
	}

	ctx := context.Background()
	if err := eng.RunOnce(ctx, src); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !page2Served {
		t.Error("expected pagination to follow to /listing2")
	}

	job, err := cat.ClaimFetchJob(ctx, "test-worker")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a fetch job for a.pdf")
	}
	if job.URL != srv.URL+"/files/a.pdf" {
		t.Errorf("job url = %q, want %s/files/a.pdf", job.URL, srv.URL)
	}

	job2, err := cat.ClaimFetchJob(ctx, "test-worker")
	if err != nil {
		t.Fatal(err)
	}
	if job2 == nil || job2.URL != srv.URL+"/files/c.pdf" {
		t.Errorf("expected second job for c.pdf, got %+v", job2)
	}

	job3, err := cat.ClaimFetchJob(ctx, "test-worker")
	if err != nil {
		t.Fatal(err)
	}
	if job3 != nil {
		t.Errorf("b.txt should not have matched the pattern, got job %+v", job3)
	}
}

func TestHTMLCrawl_FrontierSurvivesRestart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<a class="doc" href="/files/a.pdf">A</a>
			<a class="next" href="/listing2">Next</a>
		</body></html>`))
	})
	mux.HandleFunc("/listing2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><a class="doc" href="/files/b.pdf">B</a></body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cat := openTestCatalog(t)
	src := SourceConfig{
		Name:             "agency-y",
		DiscoveryType:    "html_crawl",
		BaseURL:          srv.URL,
		StartPaths:       []string{"/listing"},
		DocumentLinks:    []string{"a.doc"},
		DocumentPatterns: []string{`\.pdf$`},
		NextSelectors:    []string{"a.next"},
	}

	ctx := context.Background()

	eng1 := newTestEngine(t, cat)
	if err := eng1.RunOnce(ctx, src); err != nil {
		t.Fatal(err)
	}

	state, err := cat.GetScrapeState(ctx, "agency-y")
	if err != nil {
		t.Fatal(err)
	}
	if state.VisitedJSON == "[]" || state.VisitedJSON == "" {
		t.Error("expected visited set to be persisted after a full crawl")
	}

	// A fresh Engine against the same catalog (simulating a process
	// restart) re-running the source must not re-enqueue already-visited
	// URLs: both jobs should already be claimable from the first run.
	eng2 := newTestEngine(t, cat)
	if err := eng2.RunOnce(ctx, src); err != nil {
		t.Fatal(err)
	}

	var jobs int
	for {
		job, err := cat.ClaimFetchJob(ctx, "worker")
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			break
		}
		jobs++
	}
	if jobs != 2 {
		t.Errorf("expected exactly 2 fetch jobs across both runs (no duplicate re-discovery), got %d", jobs)
	}
}

func TestSitemapHandler_FiltersByPattern(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
			<urlset>
				<url><loc>https://agency.example/a.pdf</loc></url>
				<url><loc>https://agency.example/page.html</loc></url>
			</urlset>`))
	}))
	defer srv.Close()

	cat := openTestCatalog(t)
	eng := newTestEngine(t, cat)

	src := SourceConfig{
		Name:             "agency-z",
		DiscoveryType:    "sitemap",
		StartPaths:       []string{""},
		BaseURL:          srv.URL,
		DocumentPatterns: []string{`\.pdf$`},
	}

	ctx := context.Background()
	if err := eng.RunOnce(ctx, src); err != nil {
		t.Fatal(err)
	}

	job, err := cat.ClaimFetchJob(ctx, "worker")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.URL != "https://agency.example/a.pdf" {
		t.Errorf("expected job for a.pdf, got %+v", job)
	}

	job2, err := cat.ClaimFetchJob(ctx, "worker")
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Errorf("page.html should not have matched, got %+v", job2)
	}
}

func TestHTMLCrawl_403PausesSource(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cat := openTestCatalog(t)
	eng := newTestEngine(t, cat)

	src := SourceConfig{
		Name:             "agency-blocked",
		DiscoveryType:    "html_crawl",
		BaseURL:          srv.URL,
		StartPaths:       []string{"/listing"},
		DocumentLinks:    []string{"a.doc"},
		DocumentPatterns: []string{`\.pdf$`},
	}

	ctx := context.Background()
	if err := eng.RunOnce(ctx, src); err != nil {
		t.Fatalf("run once: %v", err)
	}

	state, err := cat.GetScrapeState(ctx, "agency-blocked")
	if err != nil {
		t.Fatal(err)
	}
	if state.DegradedAt == nil {
		t.Error("expected source to be marked degraded after a 403")
	}

	// A second RunOnce on a degraded source must not even re-seed the
	// frontier from a newly added start path, let alone fetch it — the
	// degraded check has to happen before the frontier is touched.
	var newPathHit bool
	mux.HandleFunc("/new-path", func(w http.ResponseWriter, r *http.Request) {
		newPathHit = true
	})
	src.StartPaths = append(src.StartPaths, "/new-path")
	if err := eng.RunOnce(ctx, src); err != nil {
		t.Fatalf("run once on degraded source: %v", err)
	}
	if newPathHit {
		t.Error("degraded source should have been skipped before seeding new start paths")
	}

	if err := cat.ClearSourceDegraded(ctx, "agency-blocked"); err != nil {
		t.Fatal(err)
	}
	state2, err := cat.GetScrapeState(ctx, "agency-blocked")
	if err != nil {
		t.Fatal(err)
	}
	if state2.DegradedAt != nil {
		t.Error("expected degraded_at to be cleared")
	}
}

func TestClaimFetchJob_SkipsDegradedSource(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)

	if _, err := cat.EnqueueFetchJob(ctx, "agency-blocked", "https://agency.example/a.pdf", ""); err != nil {
		t.Fatal(err)
	}
	if err := cat.SaveScrapeState(ctx, catalog.ScrapeState{
		Source: "agency-blocked", FrontierJSON: "[]", VisitedJSON: "[]", PolitenessJSON: "{}", StatsJSON: "{}",
	}); err != nil {
		t.Fatal(err)
	}
	if err := cat.RecordSourceError(ctx, "agency-blocked", "auth/blocked: http 403"); err != nil {
		t.Fatal(err)
	}

	job, err := cat.ClaimFetchJob(ctx, "worker")
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Errorf("expected no claimable job for a degraded source, got %+v", job)
	}

	if err := cat.ClearSourceDegraded(ctx, "agency-blocked"); err != nil {
		t.Fatal(err)
	}
	job2, err := cat.ClaimFetchJob(ctx, "worker")
	if err != nil {
		t.Fatal(err)
	}
	if job2 == nil {
		t.Error("expected job to become claimable once source is cleared")
	}
}
