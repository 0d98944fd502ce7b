// Package cas implements the content-addressed store documents and their
// page images are written to. Every write computes both the SHA-256 and
// BLAKE3 digest of the content in a single pass and places the file at a
// path derived from the SHA-256 hex digest, sharded two levels deep so no
// directory accumulates more than a few thousand entries.
//
// Writes are atomic: content is written to a temp file in the same
// directory as the final path, then moved into place with os.Rename, so a
// crash mid-write never leaves a partial file at the content address.
package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/foiacquire/foiacquire/internal/ferr"
)

// Digest holds both hashes computed for a stored artifact.
type Digest struct {
	SHA256 string
	BLAKE3 string
	Size   int64
}

// Store is a content-addressed store rooted at a single directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// Config configures a Store.
type Config struct {
	// Root is the target directory documents are stored under. Artifacts
	// land at Root/documents/<xx>/<yy>/<sha256>.
	Root   string
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Open returns a Store rooted at cfg.Root, creating the root and its
// documents subdirectory if they don't already exist.
func Open(cfg Config) (*Store, error) {
	cfg.defaults()
	if cfg.Root == "" {
		return nil, fmt.Errorf("cas: root directory required")
	}
	docsDir := filepath.Join(cfg.Root, "documents")
	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		return nil, fmt.Errorf("cas: create documents dir: %w", err)
	}
	return &Store{root: cfg.Root, logger: cfg.Logger}, nil
}

// Path returns the on-disk path for the given SHA-256 hex digest, without
// checking whether anything is stored there.
func (s *Store) Path(sha256Hex string) string {
	return shardPath(s.root, sha256Hex)
}

func shardPath(root, sha256Hex string) string {
	if len(sha256Hex) < 4 {
		return filepath.Join(root, "documents", sha256Hex)
	}
	return filepath.Join(root, "documents", sha256Hex[0:2], sha256Hex[2:4], sha256Hex)
}

// Has reports whether content with the given SHA-256 digest is already
// stored.
func (s *Store) Has(sha256Hex string) bool {
	_, err := os.Stat(s.Path(sha256Hex))
	return err == nil
}

// Write reads all of r, computing SHA-256 and BLAKE3 digests as it goes,
// and stores the content at its SHA-256-derived path. An empty reader is
// rejected outright — a zero-byte document is always a caller bug, never
// legitimate content to dedup against. If content already exists at the
// destination path, Write re-hashes it and compares both digests and size
// against the incoming content before treating the write as a duplicate:
// a match is a no-op that reports the existing digest; a mismatch means
// the path's SHA-256 key collided with different content (or the stored
// file has been corrupted on disk) and fails with ferr.HashCollision
// rather than silently discarding the new content.
func (s *Store) Write(ctx context.Context, r io.Reader) (Digest, bool, error) {
	sha := sha256.New()
	b3 := blake3.New()
	tmp, err := os.CreateTemp(filepath.Join(s.root, "documents"), "incoming-*.tmp")
	if err != nil {
		return Digest{}, false, fmt.Errorf("cas: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	mw := io.MultiWriter(sha, b3, tmp)
	n, err := io.Copy(mw, r)
	closeErr := tmp.Close()
	if err != nil {
		return Digest{}, false, fmt.Errorf("cas: write content: %w", err)
	}
	if closeErr != nil {
		return Digest{}, false, fmt.Errorf("cas: close temp file: %w", closeErr)
	}
	if err := ctx.Err(); err != nil {
		return Digest{}, false, err
	}
	if n == 0 {
		return Digest{}, false, ferr.New(ferr.EmptyContent, "write", fmt.Errorf("refusing to store a zero-length document"))
	}

	digest := Digest{
		SHA256: hex.EncodeToString(sha.Sum(nil)),
		BLAKE3: hex.EncodeToString(b3.Sum(nil)),
		Size:   n,
	}

	finalPath := s.Path(digest.SHA256)
	if _, err := os.Stat(finalPath); err == nil {
		existing, hashErr := hashFile(finalPath)
		if hashErr != nil {
			return Digest{}, false, fmt.Errorf("cas: verify existing content: %w", hashErr)
		}
		if existing != digest {
			return Digest{}, false, ferr.New(ferr.HashCollision, "write",
				fmt.Errorf("existing content at %s does not match incoming digest (sha256=%s blake3=%s size=%d vs sha256=%s blake3=%s size=%d)",
					finalPath, existing.SHA256, existing.BLAKE3, existing.Size, digest.SHA256, digest.BLAKE3, digest.Size))
		}
		s.logger.Debug("cas: duplicate content, discarding write", "sha256", digest.SHA256)
		return digest, true, nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return Digest{}, false, fmt.Errorf("cas: create shard dir: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Digest{}, false, fmt.Errorf("cas: rename into place: %w", err)
	}

	s.logger.Debug("cas: stored new content", "sha256", digest.SHA256, "blake3", digest.BLAKE3, "size", n)
	return digest, false, nil
}

// hashFile computes the Digest of an already-stored file, used to verify
// a path collision before treating it as a duplicate-content no-op.
func hashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sha := sha256.New()
	b3 := blake3.New()
	n, err := io.Copy(io.MultiWriter(sha, b3), f)
	if err != nil {
		return Digest{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return Digest{
		SHA256: hex.EncodeToString(sha.Sum(nil)),
		BLAKE3: hex.EncodeToString(b3.Sum(nil)),
		Size:   n,
	}, nil
}

// Read returns a reader for the content stored under the given SHA-256
// hex digest.
func (s *Store) Read(sha256Hex string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(sha256Hex))
	if err != nil {
		return nil, fmt.Errorf("cas: read %s: %w", sha256Hex, err)
	}
	return f, nil
}
