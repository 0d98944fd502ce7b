package discovery

import "context"

// staticListHandler treats a source's StartPaths directly as the full set
// of document URLs, with no HTML parsing and no pagination. This is the
// handler for sources whose document set is small and hand-maintained in
// configuration rather than crawled.
type staticListHandler struct{}

func (h *staticListHandler) Step(ctx context.Context, eng *Engine, src SourceConfig, entry frontierEntry) ([]string, []frontierEntry, error) {
	return []string{entry.URL}, nil, nil
}
