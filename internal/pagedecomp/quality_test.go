package pagedecomp

import "testing"

func TestPrintableRatio_Normal(t *testing.T) {
	ratio := computePrintableRatio("This is a normal sentence with standard characters.")
	if ratio < 0.95 {
		t.Errorf("printable ratio = %f, want > 0.95", ratio)
	}
}

func TestPrintableRatio_Garbage(t *testing.T) {
	// WHAT: PUA and control chars produce low printable ratio — detects garbled extraction.
	garbage := "abcdefghi\x01\x02\x03\x04\x05"
	ratio := computePrintableRatio(garbage)
	if ratio >= 0.85 {
		t.Errorf("printable ratio = %f, want < 0.85", ratio)
	}
}

func TestWordlikeRatio_Normal(t *testing.T) {
	ratio := computeWordlikeRatio("This is a normal sentence with standard words inside")
	if ratio < 0.70 {
		t.Errorf("wordlike ratio = %f, want > 0.70", ratio)
	}
}

func TestWordlikeRatio_SingleChar(t *testing.T) {
	ratio := computeWordlikeRatio("a b c d e f g h i j k l")
	if ratio >= 0.40 {
		t.Errorf("wordlike ratio = %f, want < 0.40", ratio)
	}
}

func TestCountVisualRefs(t *testing.T) {
	text := "voir figure 3, cf. tableau 2, see Figure 1"
	count := countVisualRefs(text)
	if count < 3 {
		t.Errorf("visual refs = %d, want >= 3", count)
	}
}

func TestNeedsOCR(t *testing.T) {
	q := &PageQuality{
		CharCount:       30,
		HasImageStreams: true,
		PrintableRatio:  0.9,
	}
	if !q.NeedsOCR() {
		t.Error("expected NeedsOCR=true for low char count + images")
	}
}

func TestHasVisualGap(t *testing.T) {
	q := &PageQuality{
		VisualRefCount:  2,
		HasImageStreams: true,
	}
	if !q.HasVisualGap() {
		t.Error("expected HasVisualGap=true for visual refs + images")
	}
}
