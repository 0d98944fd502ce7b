// Package config parses and validates the JSON configuration document
// that describes which scrapers to run and how to discover documents
// for each. Reading the file off disk, watching it for changes, and
// wiring its values into the rest of the process are left to the
// command-line entry point — this package only turns bytes into a
// validated struct, the way `fetch.Config.defaults()` and
// `scheduler.Config.defaults()` apply defaults in veille without
// touching the filesystem themselves.
package config

import (
	"encoding/json"
	"fmt"
)

// Config is the top-level configuration document.
type Config struct {
	Target   string                  `json:"target"`
	Scrapers map[string]ScraperConfig `json:"scrapers"`
}

// ScraperConfig is one entry of the top-level scrapers map.
type ScraperConfig struct {
	Discovery DiscoveryConfig `json:"discovery"`
	Fetch     FetchConfig     `json:"fetch"`
}

// DiscoveryConfig describes how a scraper finds document URLs.
type DiscoveryConfig struct {
	Type             string     `json:"type"` // html_crawl | sitemap | api | static_list
	BaseURL          string     `json:"base_url"`
	StartPaths       []string   `json:"start_paths"`
	DocumentLinks    []string   `json:"document_links"`
	DocumentPatterns []string   `json:"document_patterns"`
	Pagination       Pagination `json:"pagination"`
}

// Pagination describes how a scraper walks additional result pages.
type Pagination struct {
	NextSelectors []string `json:"next_selectors"`
}

// FetchConfig holds per-scraper fetch behavior.
type FetchConfig struct {
	UseBrowser bool `json:"use_browser"`
}

var validDiscoveryTypes = map[string]bool{
	"html_crawl":  true,
	"sitemap":     true,
	"api":         true,
	"static_list": true,
}

// Parse decodes a configuration document and validates it.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	c.defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) defaults() {
	if c.Target == "" {
		c.Target = "data"
	}
}

// Validate checks the document for internal consistency: known
// discovery types, non-empty scraper names, and a base URL wherever
// discovery needs one to start crawling from.
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("config: target is required")
	}
	if len(c.Scrapers) == 0 {
		return fmt.Errorf("config: at least one scraper is required")
	}
	for name, s := range c.Scrapers {
		if name == "" {
			return fmt.Errorf("config: scraper name must not be empty")
		}
		if err := s.Discovery.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (d DiscoveryConfig) validate(scraperName string) error {
	if !validDiscoveryTypes[d.Type] {
		return fmt.Errorf("config: scraper %q: unknown discovery.type %q", scraperName, d.Type)
	}
	switch d.Type {
	case "html_crawl", "sitemap":
		if d.BaseURL == "" {
			return fmt.Errorf("config: scraper %q: discovery.base_url is required for type %q", scraperName, d.Type)
		}
	case "static_list":
		if len(d.StartPaths) == 0 {
			return fmt.Errorf("config: scraper %q: discovery.start_paths is required for type %q", scraperName, d.Type)
		}
	}
	return nil
}
