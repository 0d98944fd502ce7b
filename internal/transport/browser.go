package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// BrowserPolicy selects which pooled endpoint serves a given host.
type BrowserPolicy string

const (
	PolicyRoundRobin      BrowserPolicy = "round_robin"
	PolicyRandom          BrowserPolicy = "random"
	PolicyPerDomainSticky BrowserPolicy = "per_domain_sticky"
)

// BrowserConfig configures the Browser transport.
type BrowserConfig struct {
	// Endpoints are remote debugging WebSocket URLs of already-running
	// Chrome instances (e.g. "ws://localhost:9222/devtools/browser/...").
	// The pool never launches or recycles Chrome itself — that lifecycle is
	// out of scope here and belongs to whatever process supervises the
	// endpoints.
	Endpoints []string
	Policy    BrowserPolicy
	Timeout   time.Duration
	Logger    *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.Policy == "" {
		c.Policy = PolicyRoundRobin
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser fetches pages via a pool of remote Chrome endpoints with stealth
// applied, for sources that declare use_browser or that have previously
// returned a challenge-page signature over direct HTTP.
type Browser struct {
	cfg BrowserConfig

	mu       sync.Mutex
	browsers []*rod.Browser
	rrIndex  int
	sticky   map[string]int // host -> endpoint index, for per_domain_sticky
}

// NewBrowser connects to every configured endpoint. A connection failure on
// one endpoint is logged and that slot is skipped rather than failing the
// whole pool, since remote debugging endpoints can come and go.
func NewBrowser(cfg BrowserConfig) (*Browser, error) {
	cfg.defaults()
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("transport: browser pool requires at least one endpoint")
	}

	p := &Browser{cfg: cfg, sticky: make(map[string]int)}
	for _, ep := range cfg.Endpoints {
		b := rod.New().ControlURL(ep)
		if err := b.Connect(); err != nil {
			cfg.Logger.Warn("transport: browser endpoint unreachable", "endpoint", ep, "error", err)
			continue
		}
		p.browsers = append(p.browsers, b)
	}
	if len(p.browsers) == 0 {
		return nil, fmt.Errorf("transport: no browser endpoint reachable")
	}
	return p, nil
}

func (b *Browser) Name() string { return string(KindBrowser) }

// Close disconnects every pooled browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, br := range b.browsers {
		br.Close()
	}
	return nil
}

func (b *Browser) pick(host string) *rod.Browser {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.cfg.Policy {
	case PolicyRandom:
		return b.browsers[rand.Intn(len(b.browsers))]
	case PolicyPerDomainSticky:
		idx, ok := b.sticky[host]
		if !ok {
			idx = b.rrIndex % len(b.browsers)
			b.rrIndex++
			b.sticky[host] = idx
		}
		return b.browsers[idx]
	default: // round_robin
		br := b.browsers[b.rrIndex%len(b.browsers)]
		b.rrIndex++
		return br
	}
}

// Fetch opens a stealth tab, navigates to url, waits for load, and returns
// the rendered DOM as the response body. The navigation's HTTP status and
// headers are not observed: StatusCode is 200 whenever the page's target
// info can be read after loading (0 otherwise), and Headers always carry a
// text/html Content-Type.
func (b *Browser) Fetch(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	host := hostOf(url)
	br := b.pick(host)

	page, err := stealth.Page(br)
	if err != nil {
		return nil, fmt.Errorf("transport: open stealth tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var status int

	if err := page.Context(navCtx).Navigate(url); err != nil {
		page.Close()
		return nil, fmt.Errorf("transport: browser navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.cfg.Logger.Warn("transport: browser wait load timeout", "url", url, "error", err)
	}

	info, err := page.Info()
	if err == nil && info != nil {
		status = 200
	}

	res, err := page.Context(navCtx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("transport: browser read dom: %w", err)
	}
	body := res.Value.Str()
	page.Close()

	return &Response{
		StatusCode: status,
		Headers:    map[string][]string{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		FinalURL:   url,
	}, nil
}

func hostOf(rawURL string) string {
	const scheme = "://"
	i := strings.Index(rawURL, scheme)
	if i < 0 {
		return rawURL
	}
	rest := rawURL[i+len(scheme):]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
