package discovery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/foiacquire/foiacquire/internal/ferr"
	"github.com/foiacquire/foiacquire/internal/ratelimit"
	"github.com/foiacquire/foiacquire/internal/transport"
)

// htmlCrawlHandler is the default discovery.type: fetch an HTML page,
// extract candidate document links via CSS selectors filtered by regex
// patterns, and candidate pagination links via a second selector set.
type htmlCrawlHandler struct{}

func (h *htmlCrawlHandler) Step(ctx context.Context, eng *Engine, src SourceConfig, entry frontierEntry) ([]string, []frontierEntry, error) {
	host := hostOfURL(entry.URL)

	permit, err := eng.limiter.Acquire(ctx, host)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: acquire permit: %w", err)
	}
	defer permit.Release()

	tr, err := eng.selector.Select(src.Name, src.UseBrowser)
	if err != nil {
		_ = eng.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		return nil, nil, fmt.Errorf("discovery: select transport: %w", err)
	}

	resp, err := tr.Fetch(ctx, entry.URL, nil)
	if err != nil {
		_ = eng.limiter.Report(ctx, host, ratelimit.OutcomePoliteness, 0)
		return nil, nil, fmt.Errorf("discovery: fetch %s: %w", entry.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_ = eng.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		_ = eng.cat.RecordSourceError(ctx, src.Name, fmt.Sprintf("auth/blocked: http %d", resp.StatusCode))
		return nil, nil, ferr.New(ferr.AuthOrBlocked, "fetch", fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode == 429 || resp.StatusCode >= 500 {
		retryAfter := parseRetryAfter(resp.Headers["Retry-After"])
		_ = eng.limiter.Report(ctx, host, ratelimit.OutcomePoliteness, retryAfter)
		return nil, nil, fmt.Errorf("discovery: %s returned status %d", entry.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		_ = eng.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		return nil, nil, fmt.Errorf("discovery: read body: %w", err)
	}

	if transport.LooksLikeChallengePage(body) {
		eng.selector.FlagChallenge(src.Name)
		_ = eng.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		return nil, nil, fmt.Errorf("discovery: challenge page detected at %s", entry.URL)
	}
	_ = eng.limiter.Report(ctx, host, ratelimit.OutcomeSuccess, 0)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: parse html: %w", err)
	}

	patterns, err := compilePatterns(src.DocumentPatterns)
	if err != nil {
		return nil, nil, err
	}

	var documents []string
	for _, sel := range src.DocumentLinks {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok {
				return
			}
			abs, err := resolveURL(entry.URL, href)
			if err != nil {
				return
			}
			if patterns.matches(abs) {
				documents = append(documents, abs)
			}
		})
	}

	var next []frontierEntry
	for _, sel := range src.NextSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok {
				return
			}
			abs, err := resolveURL(entry.URL, href)
			if err != nil {
				return
			}
			next = append(next, frontierEntry{URL: abs, Depth: entry.Depth})
		})
	}

	return documents, next, nil
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func hostOfURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func parseRetryAfter(values []string) time.Duration {
	if len(values) == 0 {
		return 0
	}
	if d, err := time.ParseDuration(values[0] + "s"); err == nil {
		return d
	}
	return 0
}
