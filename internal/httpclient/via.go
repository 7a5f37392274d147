package httpclient

import "net/url"

// ViaMode controls how a source's via-rewriting map is applied when
// issuing a request (spec §4.C).
type ViaMode string

const (
	// ViaStrict never rewrites the request URL. The via map is only a
	// normalization hint (e.g. for reconciling alternate hostnames seen
	// during discovery) and has no effect on the network target.
	ViaStrict ViaMode = "strict"

	// ViaFallback issues against the original URL first. On 429/503 the
	// caller retries once against the rewritten URL.
	ViaFallback ViaMode = "fallback"

	// ViaPriority issues against the rewritten URL first. On 429/503 the
	// caller retries once against the original URL.
	ViaPriority ViaMode = "priority"
)

// resolveViaTarget returns the URL to actually request (targetURL) and,
// if one exists, the URL to retry against on a 429/503 response
// (fallback). The original rawURL is always the identity recorded in
// CrawlURL and CrawlRequest; only the network target varies.
//
// via maps a hostname (or exact URL) to its rewritten form. A miss
// leaves the URL untouched regardless of mode.
func resolveViaTarget(rawURL string, via map[string]string, mode ViaMode) (targetURL, fallback string) {
	rewritten, ok := rewriteVia(rawURL, via)
	if !ok {
		return rawURL, ""
	}

	switch mode {
	case ViaPriority:
		return rewritten, rawURL
	case ViaFallback:
		return rawURL, rewritten
	case ViaStrict:
		fallthrough
	default:
		return rawURL, ""
	}
}

// rewriteVia looks up rawURL in via, first by exact match then by host,
// and applies the rewrite to produce a new URL with the same path/query.
func rewriteVia(rawURL string, via map[string]string) (string, bool) {
	if len(via) == 0 {
		return "", false
	}
	if target, ok := via[rawURL]; ok {
		return target, true
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	replacement, ok := via[u.Host]
	if !ok {
		return "", false
	}

	repl, err := url.Parse(replacement)
	if err != nil {
		// Treat a bare host/scheme replacement as a host swap.
		rewritten := *u
		rewritten.Host = replacement
		return rewritten.String(), true
	}

	rewritten := *u
	rewritten.Scheme = repl.Scheme
	rewritten.Host = repl.Host
	return rewritten.String(), true
}
