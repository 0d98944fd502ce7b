package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"github.com/foiacquire/foiacquire/internal/netsafe"
)

// SOCKSConfig configures the SOCKS-tunneled transport.
type SOCKSConfig struct {
	ProxyAddr    string // host:port of the SOCKS5 endpoint
	Timeout      time.Duration
	UserAgent    string
	URLValidator func(string) error
}

func (c *SOCKSConfig) defaults() {
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

// SOCKS fetches over net/http with its dialer routed through a SOCKS5
// tunnel, for sources that require requests to egress from a specific
// network path rather than the host's own address.
type SOCKS struct {
	client *http.Client
	cfg    SOCKSConfig
}

// NewSOCKS creates a SOCKS transport dialing proxyAddr for every connection.
func NewSOCKS(cfg SOCKSConfig) (*SOCKS, error) {
	cfg.defaults()
	if cfg.ProxyAddr == "" {
		return nil, fmt.Errorf("transport: socks proxy address required")
	}

	dialer, err := proxy.SOCKS5("tcp", cfg.ProxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("transport: socks dialer: %w", err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("transport: socks dialer does not support context")
	}

	validate := cfg.URLValidator
	return &SOCKS{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return contextDialer.DialContext(ctx, network, addr)
				},
			},
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
	}, nil
}

func (s *SOCKS) Name() string { return string(KindSOCKS) }

func (s *SOCKS) Fetch(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	if err := s.cfg.URLValidator(url); err != nil {
		return nil, fmt.Errorf("transport: url blocked: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: socks fetch: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       resp.Body,
		FinalURL:   resp.Request.URL.String(),
	}, nil
}
