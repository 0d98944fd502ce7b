package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/foiacquire/foiacquire/internal/ferr"
	"github.com/foiacquire/foiacquire/internal/ratelimit"
)

// apiDocumentList is the minimal JSON shape an api-type source's endpoint
// is expected to answer with: a JSON object whose "urls" field is an array
// of document URLs. Sources that
// need authentication, pagination cursors, or a richer response envelope
// are expected to front their API with a small html_crawl-compatible proxy
// rather than extend this handler — the bindings to specific agency APIs
// are treated as peripheral the same way analysis backends are.
type apiDocumentList struct {
	URLs []string `json:"urls"`
}

// apiHandler polls a JSON endpoint (one frontier entry, seeded from
// BaseURL + each start path) once per Step, with no pagination of its
// own. The Engine marks the endpoint URL visited after the Step like any
// other frontier entry, so later runs do not poll it again.
type apiHandler struct{}

func (h *apiHandler) Step(ctx context.Context, eng *Engine, src SourceConfig, entry frontierEntry) ([]string, []frontierEntry, error) {
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

	resp, err := tr.Fetch(ctx, entry.URL, map[string]string{"Accept": "application/json"})
	if err != nil {
		_ = eng.limiter.Report(ctx, host, ratelimit.OutcomePoliteness, 0)
		return nil, nil, fmt.Errorf("discovery: fetch api endpoint %s: %w", entry.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_ = eng.limiter.Report(ctx, host, ratelimit.OutcomeNeutral, 0)
		_ = eng.cat.RecordSourceError(ctx, src.Name, fmt.Sprintf("auth/blocked: http %d", resp.StatusCode))
		return nil, nil, ferr.New(ferr.AuthOrBlocked, "fetch api endpoint", fmt.Errorf("http %d", resp.StatusCode))
	}
	_ = eng.limiter.Report(ctx, host, ratelimit.OutcomeSuccess, 0)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: read api response: %w", err)
	}

	var list apiDocumentList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, nil, fmt.Errorf("discovery: decode api response: %w", err)
	}

	patterns, err := compilePatterns(src.DocumentPatterns)
	if err != nil {
		return nil, nil, err
	}

	var documents []string
	for _, u := range list.URLs {
		if patterns.matches(u) {
			documents = append(documents, u)
		}
	}
	return documents, nil, nil
}
