package config

import (
	"fmt"
	"net/url"
)

// Validate checks a SourceConfig for invalid values before a source run
// starts.
func Validate(cfg *SourceConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if err := ValidateURL(cfg.BaseURL); err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if cfg.RefreshTTLDays < 0 {
		return fmt.Errorf("refresh_ttl_days must be >= 0, got %d", cfg.RefreshTTLDays)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}
	if cfg.RequestDelayMs < 0 {
		return fmt.Errorf("request_delay_ms must be >= 0")
	}

	switch cfg.Discovery.Type {
	case DiscoveryHTMLCrawl, DiscoveryAPIPaginated, DiscoveryAPICursor, DiscoveryAPINested, DiscoverySitemap:
	default:
		return fmt.Errorf("discovery.type %q is not a recognized variant", cfg.Discovery.Type)
	}
	if cfg.Discovery.MaxDepth < 0 {
		return fmt.Errorf("discovery.max_depth must be >= 0, got %d", cfg.Discovery.MaxDepth)
	}

	if cfg.Browser.Enabled {
		switch cfg.Browser.Engine {
		case EngineStealth, EngineCookies, EngineStandard:
		default:
			return fmt.Errorf("browser.engine %q is not a recognized variant", cfg.Browser.Engine)
		}
		if len(cfg.Browser.EndpointURLs()) == 0 {
			return fmt.Errorf("browser.enabled is true but neither remote_url nor urls is set")
		}
	}

	switch cfg.ViaMode {
	case "", "strict", "fallback", "priority":
	default:
		return fmt.Errorf("via_mode must be strict/fallback/priority, got %q", cfg.ViaMode)
	}
	for prefix, target := range cfg.Via {
		if prefix == "" || target == "" {
			return fmt.Errorf("via entries must have non-empty prefix and target")
		}
	}

	return nil
}

// ValidateURL checks if a URL string is valid for crawling.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
