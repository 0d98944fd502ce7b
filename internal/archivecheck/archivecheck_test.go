package archivecheck

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/foiacquire/foiacquire/internal/catalog"
	"github.com/foiacquire/foiacquire/internal/ratelimit"
	"github.com/foiacquire/foiacquire/internal/transport"

	_ "modernc.org/sqlite"
)

func noopValidator(_ string) error { return nil }

func newTestChecker(t *testing.T, cdxBody string) (*Checker, *catalog.Catalog) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, cdxBody)
	}))
	t.Cleanup(srv.Close)

	cat, err := catalog.Open("sqlite://" + filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	limiter := ratelimit.NewLocal(ratelimit.LocalConfig{BaseRatePS: 1000})
	direct := transport.NewDirect(transport.DirectConfig{URLValidator: noopValidator})
	selector := transport.NewSelector(direct, nil, nil)

	return New(cat, limiter, selector, Config{CDXBase: srv.URL}), cat
}

func seedVersion(t *testing.T, cat *catalog.Catalog, sourceURL, contentHash string, fileSize int64, mimeType string) *catalog.Version {
	t.Helper()
	ctx := context.Background()
	docID, err := cat.UpsertDocument(ctx, "agency-x", sourceURL, "")
	if err != nil {
		t.Fatal(err)
	}
	versionID, _, err := cat.InsertVersion(ctx, catalog.NewVersionParams{
		DocumentID: docID, ContentHash: contentHash, ContentHashBLAKE3: contentHash + "-b3",
		FileSize: fileSize, MimeType: mimeType, SourceURL: sourceURL,
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err := cat.GetVersion(ctx, versionID)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

const noSnapshotsCDX = `[]`

var oneSnapshotCDX = `[
	["urlkey","timestamp","original","mimetype","statuscode","digest","length"],
	["example,agency)/doc.pdf","20200101000000","https://agency.example/doc.pdf","application/pdf","200","abc123","1024"]
]`

func TestCheckVersion_NoSnapshotsRecordsOutcome(t *testing.T) {
	c, cat := newTestChecker(t, noSnapshotsCDX)
	v := seedVersion(t, cat, "https://agency.example/doc.pdf", "abc123", 1024, "application/pdf")

	if err := c.CheckVersion(context.Background(), v); err != nil {
		t.Fatalf("CheckVersion: %v", err)
	}

	check, err := cat.GetArchiveCheck(context.Background(), v.ID, ServiceWayback)
	if err != nil {
		t.Fatal(err)
	}
	if check == nil || check.Outcome != catalog.ArchiveOutcomeNoSnapshots {
		t.Fatalf("expected no_snapshots outcome, got %+v", check)
	}
}

func TestCheckVersion_DigestMatchSetsEarliestArchived(t *testing.T) {
	c, cat := newTestChecker(t, oneSnapshotCDX)
	v := seedVersion(t, cat, "https://agency.example/doc.pdf", "abc123", 1024, "application/pdf")

	if err := c.CheckVersion(context.Background(), v); err != nil {
		t.Fatalf("CheckVersion: %v", err)
	}

	got, err := cat.GetVersion(context.Background(), v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EarliestArchivedAt == nil {
		t.Fatal("expected earliest_archived_at to be set on digest match")
	}

	check, err := cat.GetArchiveCheck(context.Background(), v.ID, ServiceWayback)
	if err != nil {
		t.Fatal(err)
	}
	if check == nil || check.Outcome != catalog.ArchiveOutcomeNewVersions {
		t.Fatalf("expected new_versions outcome, got %+v", check)
	}
}

func TestCheckVersion_LengthAndMimeFallbackMatches(t *testing.T) {
	// Digest in the archive row won't match our hash (archive digests are
	// SHA-1 over raw response bytes), but byte length + mime agree.
	c, cat := newTestChecker(t, oneSnapshotCDX)
	v := seedVersion(t, cat, "https://agency.example/doc.pdf", "totally-different-hash", 1024, "application/pdf")

	if err := c.CheckVersion(context.Background(), v); err != nil {
		t.Fatalf("CheckVersion: %v", err)
	}

	got, err := cat.GetVersion(context.Background(), v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EarliestArchivedAt == nil {
		t.Fatal("expected earliest_archived_at to be set on length+mime fallback match")
	}
}

func TestCheckVersion_MismatchDoesNotSetEarliestArchived(t *testing.T) {
	c, cat := newTestChecker(t, oneSnapshotCDX)
	v := seedVersion(t, cat, "https://agency.example/doc.pdf", "totally-different-hash", 99, "text/plain")

	if err := c.CheckVersion(context.Background(), v); err != nil {
		t.Fatalf("CheckVersion: %v", err)
	}

	got, err := cat.GetVersion(context.Background(), v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EarliestArchivedAt != nil {
		t.Fatalf("expected earliest_archived_at to stay unset, got %v", got.EarliestArchivedAt)
	}
}

func TestRunOnce_SkipsVersionsCheckedRecently(t *testing.T) {
	c, cat := newTestChecker(t, noSnapshotsCDX)
	v := seedVersion(t, cat, "https://agency.example/doc.pdf", "abc123", 1024, "application/pdf")

	n, err := c.RunOnce(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 version checked, got %d", n)
	}

	n, err = c.RunOnce(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 versions checked (recently checked), got %d", n)
	}
	_ = v
}
