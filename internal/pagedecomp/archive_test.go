package pagedecomp

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func buildImageBundleZip(t *testing.T, images map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, data := range images {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

// pngBytes returns a fully decodable 2x2 PNG filled with a single gray
// value, distinct per pad byte so distinct pages produce distinct hashes.
func pngBytes(pad byte) []byte {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.SetGray(x, y, color.Gray{Y: pad})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestDecomposeImageBundle_OrderedByName(t *testing.T) {
	path := buildImageBundleZip(t, map[string][]byte{
		"page-002.png": pngBytes(2),
		"page-001.png": pngBytes(1),
		"readme.txt":   []byte("not an image, should be skipped"),
	})

	pages, err := decomposeImageBundle(path)
	if err != nil {
		t.Fatalf("decomposeImageBundle: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 image pages, got %d", len(pages))
	}
	if pages[0].Number != 1 || pages[1].Number != 2 {
		t.Errorf("unexpected page numbers: %d, %d", pages[0].Number, pages[1].Number)
	}
	if pages[0].ImageHash == pages[1].ImageHash {
		t.Error("expected distinct hashes for distinct page images")
	}
	img1, err := png.Decode(bytes.NewReader(pngBytes(1)))
	if err != nil {
		t.Fatal(err)
	}
	want1, err := canonicalPNGHash(img1)
	if err != nil {
		t.Fatal(err)
	}
	if pages[0].ImageHash != want1 {
		t.Error("expected page 1 to be page-001.png, the first image in name order")
	}
}

func TestExpandArchive_Zip(t *testing.T) {
	path := buildImageBundleZip(t, map[string][]byte{
		"a.pdf": []byte("pdf bytes a"),
		"b.pdf": []byte("pdf bytes b"),
	})

	children, err := ExpandArchive(path, "application/zip")
	if err != nil {
		t.Fatalf("ExpandArchive: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
}

func TestExpandArchive_UnsupportedMime(t *testing.T) {
	if _, err := ExpandArchive("/nonexistent", "application/octet-stream"); err == nil {
		t.Error("expected error for unsupported mime type")
	}
}
