package pagedecomp

import "log/slog"

// Config configures the page decomposer.
type Config struct {
	// MaxFileSize is the maximum artifact size to process (default: 200 MB).
	MaxFileSize int64

	// RenderDPI is the resolution a PDF page is rasterized at before its
	// image hash is computed (default: 150, matching common OCR presets).
	// TIFF and image-bundle pages are already raster and are re-encoded
	// to canonical PNG at their native resolution instead.
	RenderDPI int

	// Logger for debug/error messages.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 200 * 1024 * 1024
	}
	if c.RenderDPI <= 0 {
		c.RenderDPI = 150
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
