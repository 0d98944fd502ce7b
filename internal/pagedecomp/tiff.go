package pagedecomp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/hhrutter/tiff"
)

// decomposeTIFF walks a multi-page TIFF's IFD chain to find each
// directory's byte offset, then decodes each frame individually with
// hhrutter/tiff (pdfcpu's own TIFF decoder, a fork of image/tiff that —
// like the stdlib — only decodes the first IFD it finds). The chain walk
// works around that single-frame limitation: for each frame, the file's
// header is cloned with its "first IFD" pointer patched to that frame's
// offset, producing a standalone single-frame TIFF stream the decoder
// can read directly, since TIFF offsets are absolute from file start and
// don't change under this rewrite. ImageHash is the sha256 of the
// decoded frame's canonical PNG encoding, not the raw strip/tile
// payload, so two frames with identical pixels but different
// compression or predictor settings still dedup to the same hash.
func decomposeTIFF(path string) ([]Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("tiff: file too short")
	}

	var order binary.ByteOrder
	switch string(data[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("tiff: bad byte-order marker %q", data[0:2])
	}
	if order.Uint16(data[2:4]) != 42 {
		return nil, fmt.Errorf("tiff: bad magic number")
	}

	var pages []Page
	offset := order.Uint32(data[4:8])
	pageNr := 0
	seen := map[uint32]bool{}

	for offset != 0 {
		if seen[offset] || int(offset)+2 > len(data) {
			break
		}
		seen[offset] = true
		pageNr++

		entries := int(order.Uint16(data[offset : offset+2]))
		tagsStart := offset + 2
		nextOff := tagsStart + uint32(entries*12)
		if int(nextOff)+4 > len(data) {
			break
		}

		hash, err := decodeFrameHash(data, order, offset)
		if err != nil {
			return nil, fmt.Errorf("tiff: decode frame %d at offset %d: %w", pageNr, offset, err)
		}

		pages = append(pages, Page{
			Number:    pageNr,
			ImageHash: hash,
		})

		offset = order.Uint32(data[nextOff : nextOff+4])
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("tiff: no image directories found")
	}
	return pages, nil
}

// decodeFrameHash decodes the frame whose IFD starts at ifdOffset and
// returns the sha256 of its canonical PNG encoding.
func decodeFrameHash(data []byte, order binary.ByteOrder, ifdOffset uint32) (string, error) {
	frame := make([]byte, len(data))
	copy(frame, data)
	order.PutUint32(frame[4:8], ifdOffset)

	img, err := tiff.Decode(bytes.NewReader(frame))
	if err != nil {
		return "", fmt.Errorf("hhrutter/tiff decode: %w", err)
	}
	return canonicalPNGHash(img)
}
