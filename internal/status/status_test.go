package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/foiacquire/foiacquire/internal/catalog"

	_ "modernc.org/sqlite"
)

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Open("sqlite://" + filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPublishOnce_WritesHeartbeatRow(t *testing.T) {
	cat := openTestCatalog(t)
	reg := prometheus.NewRegistry()
	p := New(cat, Config{ServiceType: "discovery", Host: "worker-1", Registry: reg})

	p.AddDocsFetched(3)
	p.AddBytesStored(1024)
	p.SetState(catalog.ServiceStateRunning, "agency-x")

	if err := p.PublishOnce(context.Background()); err != nil {
		t.Fatalf("PublishOnce: %v", err)
	}

	rows, err := cat.ListServiceStatuses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 service_status row, got %d", len(rows))
	}
	row := rows[0]
	if row.ServiceType != "discovery" || row.Host != "worker-1" || row.State != catalog.ServiceStateRunning {
		t.Fatalf("unexpected row: %+v", row)
	}
	var counters struct {
		DocsFetched int64 `json:"docs_fetched"`
		BytesStored int64 `json:"bytes_stored"`
	}
	if err := json.Unmarshal([]byte(row.CountersJSON), &counters); err != nil {
		t.Fatal(err)
	}
	if counters.DocsFetched != 3 || counters.BytesStored != 1024 {
		t.Fatalf("unexpected counters: %+v", counters)
	}
}

func TestPublishOnce_SecondCallUpdatesNotInserts(t *testing.T) {
	cat := openTestCatalog(t)
	p := New(cat, Config{ServiceType: "discovery", Host: "worker-1"})

	for i := 0; i < 3; i++ {
		p.AddDocsFetched(1)
		if err := p.PublishOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := cat.ListServiceStatuses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 row across repeated heartbeats, got %d", len(rows))
	}
}

func TestRecordError_IncrementsErrorCountAndMetric(t *testing.T) {
	cat := openTestCatalog(t)
	reg := prometheus.NewRegistry()
	p := New(cat, Config{ServiceType: "fetchpipeline", Host: "worker-2", Registry: reg})

	p.RecordError(errTest)
	p.RecordError(errTest)
	if err := p.PublishOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	rows, err := cat.ListServiceStatuses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].ErrorCount != 2 || rows[0].LastError != errTest.Error() {
		t.Fatalf("unexpected error tracking: %+v", rows[0])
	}

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range metrics {
		if mf.GetName() == "foiacquire_worker_errors_total" {
			found = true
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 2 {
				t.Errorf("foiacquire_worker_errors_total = %v, want 2", got)
			}
		}
	}
	if !found {
		t.Fatal("expected foiacquire_worker_errors_total to be registered")
	}
}

func TestRun_StopsOnContextCancelAndMarksStopped(t *testing.T) {
	cat := openTestCatalog(t)
	p := New(cat, Config{ServiceType: "analysis", Host: "worker-3", Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	rows, err := cat.ListServiceStatuses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].State != catalog.ServiceStateStopped {
		t.Fatalf("expected final state stopped, got %+v", rows)
	}
}

func TestHandler_StatusAndHealthz(t *testing.T) {
	cat := openTestCatalog(t)
	reg := prometheus.NewRegistry()
	p := New(cat, Config{ServiceType: "discovery", Host: "worker-1", Registry: reg})
	p.SetState(catalog.ServiceStateRunning, "agency-x")
	if err := p.PublishOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	h := NewHandler(cat, reg)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var views []statusView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].ServiceType != "discovery" {
		t.Fatalf("unexpected /status body: %+v", views)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
}

var errTest = testErr("boom")

type testErr string

func (e testErr) Error() string { return string(e) }
