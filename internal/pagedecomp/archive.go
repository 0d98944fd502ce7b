package pagedecomp

import (
	"archive/zip"
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/mail"
	"os"
	"sort"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// decomposeImageBundle treats a zip of loose page images (one file per
// page, ordered by name) as a multi-page document. Each page's
// ImageHash is the sha256 of the image decoded and re-encoded as a
// canonical PNG, not the raw file bytes — two loose-image bundles whose
// pages are pixel-identical but stored under different codecs (a JPEG
// re-export of a PNG scan, say) still dedup to the same hash.
func decomposeImageBundle(path string) ([]Page, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("image bundle: %w", err)
	}
	defer zr.Close()

	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	pages := make([]Page, 0, len(files))
	pageNr := 0
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("image bundle: open %s: %w", f.Name, err)
		}
		head := make([]byte, 512)
		n, _ := io.ReadFull(rc, head)
		head = head[:n]
		if !sniffImage(head) {
			rc.Close()
			continue
		}

		rest, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("image bundle: read %s: %w", f.Name, err)
		}

		img, _, err := image.Decode(bytes.NewReader(append(head, rest...)))
		if err != nil {
			return nil, fmt.Errorf("image bundle: decode %s: %w", f.Name, err)
		}
		hash, err := canonicalPNGHash(img)
		if err != nil {
			return nil, fmt.Errorf("image bundle: hash %s: %w", f.Name, err)
		}

		pageNr++
		pages = append(pages, Page{
			Number:    pageNr,
			ImageHash: hash,
		})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("image bundle: no page images found")
	}
	return pages, nil
}

// ExpandArchive unpacks a zip file or an RFC 5322 email into its
// constituent child artifacts. mimeType selects the unpack strategy
// ("application/zip" or "message/rfc822"). It only returns the children;
// no caller in this module stores them or feeds them to the fetch
// pipeline.
func ExpandArchive(path, mimeType string) ([]ChildArtifact, error) {
	switch mimeType {
	case "application/zip", "application/x-zip-compressed":
		return expandZip(path)
	case "message/rfc822":
		return expandEmail(path)
	default:
		return nil, fmt.Errorf("archive: unsupported mime type %q", mimeType)
	}
}

func expandZip(path string) ([]ChildArtifact, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("expand zip: %w", err)
	}
	defer zr.Close()

	var children []ChildArtifact
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("expand zip: open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("expand zip: read %s: %w", f.Name, err)
		}
		children = append(children, ChildArtifact{Name: f.Name, Data: data})
	}
	return children, nil
}

func expandEmail(path string) ([]ChildArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	msg, err := mail.ReadMessage(f)
	if err != nil {
		return nil, fmt.Errorf("expand email: %w", err)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || !isMultipart(mediaType) {
		// No attachments to peel off — the body itself is the single artifact.
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("expand email: read body: %w", err)
		}
		return []ChildArtifact{{Name: "body.txt", Data: body}}, nil
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])
	var children []ChildArtifact
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("expand email: next part: %w", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("expand email: read part: %w", err)
		}
		name := part.FileName()
		if name == "" {
			name = fmt.Sprintf("part-%d", len(children)+1)
		}
		children = append(children, ChildArtifact{Name: name, Data: data})
	}
	return children, nil
}

func isMultipart(mediaType string) bool {
	return len(mediaType) >= 10 && mediaType[:10] == "multipart/"
}

// sniffImage reports whether data looks like an encoded raster image.
func sniffImage(data []byte) bool {
	ct := http.DetectContentType(data)
	return len(ct) >= 6 && ct[:6] == "image/"
}
