package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/foiacquire/foiacquire/internal/netsafe"
)

// DirectConfig configures the Direct transport.
type DirectConfig struct {
	Timeout      time.Duration
	UserAgent    string
	URLValidator func(string) error // default netsafe.ValidateURL
}

func (c *DirectConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = "foiacquire/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = netsafe.ValidateURL
	}
}

// Direct fetches over stdlib net/http, validating every request and every
// redirect hop against SSRF rules.
type Direct struct {
	client *http.Client
	cfg    DirectConfig
}

// NewDirect creates a Direct transport.
func NewDirect(cfg DirectConfig) *Direct {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Direct{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("transport: too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("transport: redirect blocked: %w", err)
				}
				return nil
			},
		},
	}
}

func (d *Direct) Name() string { return string(KindDirect) }

// Fetch issues one GET request. The response body is the live HTTP body
// stream; the caller owns closing it.
func (d *Direct) Fetch(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	if err := d.cfg.URLValidator(url); err != nil {
		return nil, fmt.Errorf("transport: url blocked: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: direct fetch: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       resp.Body,
		FinalURL:   resp.Request.URL.String(),
	}, nil
}
