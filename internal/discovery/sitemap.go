package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/foiacquire/foiacquire/internal/ferr"
	"github.com/foiacquire/foiacquire/internal/ratelimit"
)

// sitemapURLSet mirrors the subset of the sitemap.xml schema this handler
// needs: a flat list of <url><loc>.
type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

// sitemapHandler treats the source's start path as a sitemap.xml document:
// every <loc> entry matching document_patterns is emitted as a document,
// nothing is added back to the frontier since sitemaps are not paginated
// the way an html_crawl listing page is.
type sitemapHandler struct{}

func (h *sitemapHandler) Step(ctx context.Context, eng *Engine, src SourceConfig, entry frontierEntry) ([]string, []frontierEntry, error) {
	host := hostOfURL(entry.URL)

	permit, err := eng.limiter.Acquire(ctx, host)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: acquire permit: %w", err)
	}
	defer permit.Release()

	tr, err := eng.selector.Select(src.Name, src.UseBrowser)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: select transport: %w", err)
	}

	resp, err := tr.Fetch(ctx, entry.URL, nil)
	if err != nil {
		_ = eng.limiter.Report(ctx, host, ratelimit.OutcomePoliteness, 0)
		return nil, nil, fmt.Errorf("discovery: fetch sitemap %s: %w", entry.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_ = eng.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		_ = eng.cat.RecordSourceError(ctx, src.Name, fmt.Sprintf("auth/blocked: http %d", resp.StatusCode))
		return nil, nil, ferr.New(ferr.AuthOrBlocked, "fetch sitemap", fmt.Errorf("http %d", resp.StatusCode))
	}
	_ = eng.limiter.Report(ctx, host, ratelimit.OutcomeSuccess, 0)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: read sitemap body: %w", err)
	}

	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, nil, fmt.Errorf("discovery: parse sitemap xml: %w", err)
	}

	patterns, err := compilePatterns(src.DocumentPatterns)
	if err != nil {
		return nil, nil, err
	}

	var documents []string
	for _, u := range set.URLs {
		if patterns.matches(u.Loc) {
			documents = append(documents, u.Loc)
		}
	}
	return documents, nil, nil
}
