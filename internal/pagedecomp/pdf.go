package pagedecomp

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// decomposePDF walks every page of a PDF via pdfcpu for text/image-stream
// sampling, and separately rasterizes each page to a canonical PNG at dpi
// via go-fitz for the page's ImageHash. Two PDFs whose pages render to
// identical pixels get the same ImageHash even if their content streams
// are encoded differently — the content-stream hash pdfcpu alone could
// give us doesn't have that property.
func decomposePDF(path string, dpi int) ([]Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("fitz open: %w", err)
	}
	defer doc.Close()

	pages := make([]Page, 0, ctx.PageCount)
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		stream, err := readPageContent(ctx, pageNr)
		if err != nil {
			continue
		}

		hasImage := pageHasImageStreams(ctx, pageNr)
		pageText := samplePageText(stream)

		imageHash, err := rasterizePageHash(doc, pageNr-1, dpi)
		if err != nil {
			return nil, fmt.Errorf("rasterize page %d: %w", pageNr, err)
		}

		pages = append(pages, Page{
			Number:    pageNr,
			ImageHash: imageHash,
			Quality: &PageQuality{
				CharCount:       len([]rune(pageText)),
				PrintableRatio:  computePrintableRatio(pageText),
				WordlikeRatio:   computeWordlikeRatio(pageText),
				HasImageStreams: hasImage,
				VisualRefCount:  countVisualRefs(pageText),
			},
		})
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}
	return pages, nil
}

// rasterizePageHash renders the zero-indexed page pageIdx at dpi and
// returns the sha256 of its canonical PNG encoding.
func rasterizePageHash(doc *fitz.Document, pageIdx, dpi int) (string, error) {
	img, err := doc.ImageDPI(pageIdx, float64(dpi))
	if err != nil {
		return "", err
	}
	return canonicalPNGHash(img)
}

func readPageContent(ctx *model.Context, pageNr int) ([]byte, error) {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// pageHasImageStreams checks whether a specific page carries image XObjects.
func pageHasImageStreams(ctx *model.Context, pageNr int) bool {
	if ctx.Optimize != nil {
		if objNrs := pdfcpu.ImageObjNrs(ctx, pageNr); len(objNrs) > 0 {
			return true
		}
	}
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				return true
			}
		}
	}
	return false
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// samplePageText concatenates the string operands of a content stream's
// Tj/TJ/' text-showing operators into one sample string for PageQuality's
// character statistics. It is not a text extractor: positioning operators
// (Td, TD, T*) that a reader-facing extractor uses to reconstruct line
// breaks are not tracked here, since CharCount/PrintableRatio/WordlikeRatio
// only need the shown characters, not their on-page layout.
func samplePageText(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if !isShowTextOperator(line) {
			continue
		}
		for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
			if text := decodeShowTextLiteral(m[1]); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
	}
	return cleanPDFText(sb.String())
}

// isShowTextOperator reports whether line ends in one of the PDF content
// stream's text-showing operators: Tj, TJ, or '.
func isShowTextOperator(line []byte) bool {
	return bytes.HasSuffix(line, []byte("Tj")) ||
		bytes.HasSuffix(line, []byte("TJ")) ||
		(bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")))
}

// decodeShowTextLiteral handles basic PDF escape sequences inside a
// string-literal operand.
func decodeShowTextLiteral(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '(':
				sb.WriteByte('(')
			case ')':
				sb.WriteByte(')')
			default:
				if raw[i] >= '0' && raw[i] <= '7' {
					val := int(raw[i] - '0')
					if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
						i++
						val = val*8 + int(raw[i]-'0')
						if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
							i++
							val = val*8 + int(raw[i]-'0')
						}
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(raw[i])
				}
			}
		} else {
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}

// cleanPDFText normalises whitespace in sampled PDF text.
func cleanPDFText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		} else if unicode.IsPrint(r) {
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
