// Package pagedecomp turns a stored version's artifact into the set of
// pages the analysis dispatcher will later run OCR/LLM backends over.
//
// Supported kinds:
//   - pdf           — PDF page enumeration via pdfcpu, rasterized-PNG hash per page
//   - tiff          — multi-page TIFF via IFD chain walk + hhrutter/tiff frame decode, rasterized-PNG hash per page
//   - image_bundle  — zip of loose page images, canonical-PNG re-encode hash per page
//   - archive       — zip / RFC 5322 email, unpacked into child artifacts rather than pages
//
// Usage:
//
//	dec := pagedecomp.New(pagedecomp.Config{})
//	pages, err := dec.Decompose(ctx, pagedecomp.KindPDF, "/path/to/artifact")
package pagedecomp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Decomposer is the page decomposition engine.
type Decomposer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Decomposer with the given configuration.
func New(cfg Config) *Decomposer {
	cfg.defaults()
	return &Decomposer{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Decompose extracts the page list for a stored artifact. archive kinds
// have no pages of their own — callers should use ExpandArchive instead
// and feed the children back through the fetch pipeline.
func (d *Decomposer) Decompose(ctx context.Context, kind Kind, path string) ([]Page, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > d.cfg.MaxFileSize {
		return nil, fmt.Errorf("artifact too large: %d bytes (max %d)", info.Size(), d.cfg.MaxFileSize)
	}

	d.logger.Debug("decomposing artifact", "path", path, "kind", kind)

	var pages []Page
	switch kind {
	case KindPDF:
		pages, err = decomposePDF(path, d.cfg.RenderDPI)
	case KindTIFF:
		pages, err = decomposeTIFF(path)
	case KindImageBundle:
		pages, err = decomposeImageBundle(path)
	case KindArchive:
		return nil, fmt.Errorf("kind %q has no pages; call ExpandArchive", kind)
	default:
		return nil, fmt.Errorf("no decomposer for kind: %s", kind)
	}

	if err != nil {
		return nil, fmt.Errorf("decompose %s (%s): %w", path, kind, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return pages, nil
}

// DetectKind maps a stored content/mime type to a decomposer Kind.
func DetectKind(mimeType string) (Kind, error) {
	switch mimeType {
	case "application/pdf":
		return KindPDF, nil
	case "image/tiff":
		return KindTIFF, nil
	case "application/vnd.foiacquire.image-bundle+zip":
		return KindImageBundle, nil
	case "application/zip", "application/x-zip-compressed", "message/rfc822":
		return KindArchive, nil
	default:
		return "", fmt.Errorf("no decomposer kind for mime type: %q", mimeType)
	}
}
