// Package discovery implements the per-source crawl engine (C5): a
// persistent frontier/visited-set walk that turns a source's declared
// discovery configuration into FetchJob rows in the catalog.
//
// discovery.type dispatch (html_crawl/sitemap/api/static_list) uses a
// small string-keyed handler registry, the same shape as
// pipeline.Pipeline.handlers: register by type, fall back to a default
// handler for an unrecognized one.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/foiacquire/foiacquire/internal/catalog"
	"github.com/foiacquire/foiacquire/internal/ferr"
	"github.com/foiacquire/foiacquire/internal/ratelimit"
	"github.com/foiacquire/foiacquire/internal/transport"
)

// SourceConfig is one entry of the configuration file's `scrapers` map.
type SourceConfig struct {
	Name string

	DiscoveryType    string // html_crawl | sitemap | api | static_list
	BaseURL          string
	StartPaths       []string
	DocumentLinks    []string // CSS selectors
	DocumentPatterns []string // regex, OR-combined
	NextSelectors    []string // pagination CSS selectors

	UseBrowser bool
	MaxDepth   int // 0 = unbounded
}

// compiled holds the parsed form of a SourceConfig's pattern list.
type compiled struct {
	patterns []*regexp.Regexp
}

func compilePatterns(patterns []string) (*compiled, error) {
	c := &compiled{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("discovery: compile document_pattern %q: %w", p, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// matches reports whether url passes the OR-combined pattern set. An empty
// pattern set matches everything — a source with no document_patterns
// accepts every URL document_links surfaces.
func (c *compiled) matches(url string) bool {
	if len(c.patterns) == 0 {
		return true
	}
	for _, re := range c.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// frontierEntry is one queued URL awaiting a crawl step.
type frontierEntry struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// sourceStats is the crawl-progress counters folded into scrape_state's
// stats_json column: how much of the source has been walked, independent
// of the scheduler's politeness statistics.
type sourceStats struct {
	URLsDiscovered int `json:"urls_discovered"`
	URLsFetched    int `json:"urls_fetched"`
	URLsFailed     int `json:"urls_failed"`
}

// Handler implements one discovery.type's crawl step.
type Handler interface {
	// Step processes one frontier entry: fetches it, extracts candidate
	// document and pagination URLs, and returns the new frontier entries
	// to enqueue. Apart from marking the source degraded through
	// RecordSourceError on a 401/403, it does not mutate persisted state —
	// the Engine commits state after Step returns so a handler failure
	// can't corrupt it.
	Step(ctx context.Context, eng *Engine, src SourceConfig, entry frontierEntry) (documents []string, next []frontierEntry, err error)
}

// Engine drives the frontier walk for all configured sources.
type Engine struct {
	cat       *catalog.Catalog
	limiter   ratelimit.Limiter
	selector  *transport.Selector
	handlers  map[string]Handler
	logger    *slog.Logger
}

// New creates an Engine with the built-in handlers registered.
func New(cat *catalog.Catalog, limiter ratelimit.Limiter, selector *transport.Selector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cat:      cat,
		limiter:  limiter,
		selector: selector,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
	e.handlers["html_crawl"] = &htmlCrawlHandler{}
	e.handlers["sitemap"] = &sitemapHandler{}
	e.handlers["static_list"] = &staticListHandler{}
	e.handlers["api"] = &apiHandler{}
	return e
}

// RegisterHandler overrides or adds a discovery.type handler.
func (e *Engine) RegisterHandler(discoveryType string, h Handler) {
	e.handlers[discoveryType] = h
}

// Run calls RunOnce for src every interval until ctx is cancelled, so a
// source whose frontier drained to empty picks back up when new start
// paths are configured. URLs already in the visited set are never fetched
// again, so a new page linked only from an already-visited listing page
// is not discovered.
func (e *Engine) Run(ctx context.Context, src SourceConfig, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.RunOnce(ctx, src); err != nil {
				e.logger.Error("discovery: run once failed", "source", src.Name, "error", err)
			}
		}
	}
}

// RunOnce drains the frontier for one source until it is empty or ctx is
// cancelled, emitting a FetchJob for every matched document URL. Frontier
// and visited state are persisted after every step so a crash mid-crawl
// loses at most one step's progress.
func (e *Engine) RunOnce(ctx context.Context, src SourceConfig) error {
	handler, ok := e.handlers[src.DiscoveryType]
	if !ok {
		e.logger.Warn("discovery: no handler for discovery_type, falling back to html_crawl",
			"source", src.Name, "discovery_type", src.DiscoveryType)
		handler = e.handlers["html_crawl"]
	}

	state, err := e.cat.GetScrapeState(ctx, src.Name)
	if err != nil {
		return fmt.Errorf("discovery: load scrape state: %w", err)
	}
	if state.DegradedAt != nil {
		e.logger.Warn("discovery: source degraded, skipping run",
			"source", src.Name, "degraded_at", state.DegradedAt, "last_error", state.LastError)
		return nil
	}

	frontier, visited, stats, err := decodeState(state)
	if err != nil {
		return fmt.Errorf("discovery: decode scrape state: %w", err)
	}

	if len(frontier) == 0 {
		for _, p := range src.StartPaths {
			frontier = append(frontier, frontierEntry{URL: src.BaseURL + p, Depth: 0})
		}
	}

	for len(frontier) > 0 {
		select {
		case <-ctx.Done():
			return e.persist(ctx, src.Name, frontier, visited, stats, "")
		default:
		}

		entry := frontier[0]
		frontier = frontier[1:]

		if visited[entry.URL] {
			continue
		}
		if src.MaxDepth > 0 && entry.Depth > src.MaxDepth {
			continue
		}

		documents, next, err := handler.Step(ctx, e, src, entry)
		visited[entry.URL] = true
		if err != nil {
			stats.URLsFailed++
			e.logger.Warn("discovery: step failed", "source", src.Name, "url", entry.URL, "error", err)
			if perr := e.persist(ctx, src.Name, frontier, visited, stats, err.Error()); perr != nil {
				return perr
			}
			if ferr.Is(err, ferr.AuthOrBlocked) {
				e.logger.Warn("discovery: source paused on auth_or_blocked", "source", src.Name, "url", entry.URL)
				return nil
			}
			continue
		}

		stats.URLsFetched++
		for _, docURL := range documents {
			if _, err := e.cat.EnqueueFetchJob(ctx, src.Name, docURL, ""); err != nil {
				return fmt.Errorf("discovery: enqueue fetch job: %w", err)
			}
			stats.URLsDiscovered++
		}
		for _, n := range next {
			if !visited[n.URL] {
				frontier = append(frontier, n)
			}
		}

		if err := e.persist(ctx, src.Name, frontier, visited, stats, ""); err != nil {
			return err
		}
	}

	return nil
}

func decodeState(state *catalog.ScrapeState) ([]frontierEntry, map[string]bool, sourceStats, error) {
	var frontier []frontierEntry
	if err := json.Unmarshal([]byte(state.FrontierJSON), &frontier); err != nil {
		return nil, nil, sourceStats{}, fmt.Errorf("frontier_json: %w", err)
	}
	var visitedList []string
	if err := json.Unmarshal([]byte(state.VisitedJSON), &visitedList); err != nil {
		return nil, nil, sourceStats{}, fmt.Errorf("visited_json: %w", err)
	}
	visited := make(map[string]bool, len(visitedList))
	for _, u := range visitedList {
		visited[u] = true
	}
	var stats sourceStats
	if state.StatsJSON != "" {
		if err := json.Unmarshal([]byte(state.StatsJSON), &stats); err != nil {
			return nil, nil, sourceStats{}, fmt.Errorf("stats_json: %w", err)
		}
	}
	return frontier, visited, stats, nil
}

func (e *Engine) persist(ctx context.Context, source string, frontier []frontierEntry, visited map[string]bool, stats sourceStats, lastErr string) error {
	visitedList := make([]string, 0, len(visited))
	for u := range visited {
		visitedList = append(visitedList, u)
	}

	frontierJSON, err := json.Marshal(frontier)
	if err != nil {
		return fmt.Errorf("discovery: encode frontier: %w", err)
	}
	visitedJSON, err := json.Marshal(visitedList)
	if err != nil {
		return fmt.Errorf("discovery: encode visited: %w", err)
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("discovery: encode stats: %w", err)
	}

	prior, err := e.cat.GetScrapeState(ctx, source)
	if err != nil {
		return fmt.Errorf("discovery: reload scrape state: %w", err)
	}
	prior.FrontierJSON = string(frontierJSON)
	prior.VisitedJSON = string(visitedJSON)
	prior.StatsJSON = string(statsJSON)
	if lastErr != "" {
		prior.LastError = lastErr
	}

	return e.cat.SaveScrapeState(ctx, *prior)
}
