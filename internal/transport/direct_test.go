package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func noopValidator(_ string) error { return nil }

func TestDirect_Fetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer srv.Close()

	d := NewDirect(DirectConfig{URLValidator: noopValidator})
	resp, err := d.Fetch(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "%PDF") {
		t.Errorf("body = %q", body)
	}
}

func TestDirect_Fetch_RejectsBlockedURL(t *testing.T) {
	d := NewDirect(DirectConfig{})
	_, err := d.Fetch(context.Background(), "http://169.254.169.254/latest/", nil)
	if err == nil {
		t.Fatal("expected error for metadata endpoint URL")
	}
}

func TestDirect_Fetch_RedirectToBlockedURLFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://10.255.255.1/admin", http.StatusFound)
	}))
	defer srv.Close()

	first := true
	allowFirst := func(u string) error {
		if first {
			first = false
			return nil
		}
		return fmt.Errorf("blocked: private IP")
	}

	d := NewDirect(DirectConfig{URLValidator: allowFirst})
	_, err := d.Fetch(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected redirect-to-private-IP to be blocked")
	}
}

func TestDirect_Fetch_TooManyRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.String()+"x", http.StatusFound)
	}))
	defer srv.Close()

	d := NewDirect(DirectConfig{URLValidator: noopValidator})
	_, err := d.Fetch(context.Background(), srv.URL+"/start", nil)
	if err == nil {
		t.Fatal("expected too-many-redirects error")
	}
}

func TestDirect_Fetch_RespectsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	d := NewDirect(DirectConfig{Timeout: 20 * time.Millisecond, URLValidator: noopValidator})
	_, err := d.Fetch(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestDirect_Fetch_SendsCustomHeaders(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("If-None-Match")
	}))
	defer srv.Close()

	d := NewDirect(DirectConfig{URLValidator: noopValidator})
	resp, err := d.Fetch(context.Background(), srv.URL, map[string]string{"If-None-Match": `"abc123"`})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if gotHeader != `"abc123"` {
		t.Errorf("If-None-Match = %q, want %q", gotHeader, `"abc123"`)
	}
}
