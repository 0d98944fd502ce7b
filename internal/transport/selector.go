package transport

import (
	"fmt"
	"os"
	"sync"
)

// DirectOptOutEnv set to "1" makes the Selector — the one place the
// operator can disable privacy routing (SOCKS/browser) outright — route
// everything direct. cmd/foiacquire also reads it: there the value
// "insecure" turns off URL validation for the direct transport.
const DirectOptOutEnv = "FOIACQUIRE_DIRECT"

// Selector chooses which Transport serves a given fetch, implementing the
// dispatch rules: direct by default, browser when a source declares
// use_browser or a prior fetch from that source hit a challenge page, SOCKS
// when configured and the operator opt-out isn't set.
type Selector struct {
	direct  Transport
	socks   Transport // nil if no tunnel endpoint configured
	browser Transport // nil if no browser pool configured

	directOnly bool

	mu        sync.Mutex
	flagged   map[string]bool // source -> challenge page seen
}

// NewSelector builds a Selector. socks and browser may be nil when not
// configured for this deployment.
func NewSelector(direct, socks, browser Transport) *Selector {
	return &Selector{
		direct:     direct,
		socks:      socks,
		browser:    browser,
		directOnly: os.Getenv(DirectOptOutEnv) == "1",
		flagged:    make(map[string]bool),
	}
}

// FlagChallenge records that source returned a challenge-page signature on
// a prior direct fetch, so subsequent fetches for it route through the
// browser transport.
func (s *Selector) FlagChallenge(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagged[source] = true
}

// Select returns the Transport to use for source, honoring useBrowser (the
// source's declared fetch.use_browser) and any challenge-page flag raised
// by a prior attempt.
func (s *Selector) Select(source string, useBrowser bool) (Transport, error) {
	if s.directOnly {
		return s.direct, nil
	}

	s.mu.Lock()
	flagged := s.flagged[source]
	s.mu.Unlock()

	if useBrowser || flagged {
		if s.browser == nil {
			return nil, fmt.Errorf("transport: browser routing required for %q but no browser pool configured", source)
		}
		return s.browser, nil
	}

	if s.socks != nil {
		return s.socks, nil
	}
	return s.direct, nil
}
