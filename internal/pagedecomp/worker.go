package pagedecomp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foiacquire/foiacquire/internal/cas"
	"github.com/foiacquire/foiacquire/internal/catalog"
)

// knownMimeTypes is the set of mime types DetectKind answers for,
// excluding archive kinds — versions of those mime types have no pages
// of their own, so this worker does not pick them up. Nothing in the
// module calls ExpandArchive on them; they stay stored as single versions.
var knownMimeTypes = []string{"application/pdf", "image/tiff", "application/vnd.foiacquire.image-bundle+zip"}

// Worker pulls stored versions lacking a page breakdown, decomposes
// their artifact, and writes the resulting pages back to the catalog.
type Worker struct {
	dec    *Decomposer
	cat    *catalog.Catalog
	store  *cas.Store
	logger *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(dec *Decomposer, cat *catalog.Catalog, store *cas.Store, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{dec: dec, cat: cat, store: store, logger: logger}
}

// Run polls for undecomposed versions every interval until ctx is
// cancelled, logging but not stopping on a single version's failure.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error("pagedecomp: run once failed", "error", err)
			}
			if n == 0 {
				continue
			}
		}
	}
}

// RunOnce decomposes every version currently missing pages. Returns the
// number of versions processed (successfully or not).
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	versions, err := w.cat.ListVersionsMissingPages(ctx, knownMimeTypes)
	if err != nil {
		return 0, fmt.Errorf("pagedecomp: list versions: %w", err)
	}

	for _, v := range versions {
		if err := w.decomposeVersion(ctx, v); err != nil {
			w.logger.Warn("pagedecomp: decompose version failed", "version_id", v.ID, "error", err)
		}
	}
	return len(versions), nil
}

func (w *Worker) decomposeVersion(ctx context.Context, v *catalog.Version) error {
	kind, err := DetectKind(v.MimeType)
	if err != nil {
		return err
	}

	path := w.store.Path(v.ContentHash)
	pages, err := w.dec.Decompose(ctx, kind, path)
	if err != nil {
		return err
	}

	catalogPages := make([]catalog.Page, len(pages))
	for i, p := range pages {
		catalogPages[i] = catalog.Page{PageNumber: p.Number, ImageHash: p.ImageHash}
	}
	if _, err := w.cat.InsertPages(ctx, v.DocumentID, v.ID, catalogPages); err != nil {
		return fmt.Errorf("insert pages: %w", err)
	}
	return w.cat.SetPageCount(ctx, v.ID, len(pages))
}
