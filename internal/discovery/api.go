package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/foiacquire/corpus/internal/config"
	"github.com/foiacquire/corpus/internal/httpclient"
	"github.com/foiacquire/corpus/internal/types"
)

// APIDiscoverer implements the paged, cursor, and nested API variants (spec
// §4.G), driven entirely by config.APIDiscoveryConfig and
// config.URLExtractionConfig — no per-source Go code.
type APIDiscoverer struct {
	cfg     *config.SourceConfig
	fetcher Fetcher
	logger  *slog.Logger
}

func (d *APIDiscoverer) Discover(ctx context.Context, sourceID string, emit func(*types.CrawlURL) error) error {
	ac := d.cfg.Discovery.API
	if ac.Endpoint == "" {
		return fmt.Errorf("api discovery: endpoint is required")
	}

	switch d.cfg.Discovery.Type {
	case config.DiscoveryAPIPaginated:
		return d.discoverPaged(ctx, sourceID, ac, ac.Endpoint, emit)
	case config.DiscoveryAPICursor:
		return d.discoverCursor(ctx, sourceID, ac, emit)
	case config.DiscoveryAPINested:
		return d.discoverNested(ctx, sourceID, ac, emit)
	default:
		return fmt.Errorf("api discovery: unsupported type %q", d.cfg.Discovery.Type)
	}
}

// discoverPaged iterates page=1,2,... with page_size, stopping on an empty
// page or a page shorter than page_size (spec §4.G).
func (d *APIDiscoverer) discoverPaged(ctx context.Context, sourceID string, ac config.APIDiscoveryConfig, endpoint string, emit func(*types.CrawlURL) error) error {
	tracker := newAbortTracker()
	pageParam := ac.PageParam
	if pageParam == "" {
		pageParam = "page"
	}
	pageSize := ac.PageSize
	if pageSize == 0 {
		pageSize = 50
	}

	for page := 1; ; page++ {
		params := map[string]string{pageParam: strconv.Itoa(page)}
		if ac.PageSizeParam != "" {
			params[ac.PageSizeParam] = strconv.Itoa(pageSize)
		}
		body, err := d.fetchJSON(ctx, sourceID, buildURL(endpoint, params), tracker)
		if err != nil {
			if aborted, ok := err.(*ErrDiscoveryAborted); ok {
				return aborted
			}
			return err
		}
		results := extractResults(body, ac.ResultsPath)
		if len(results) == 0 {
			return nil
		}
		if err := d.emitResults(sourceID, results, ac.URLExtraction, "api_paginated", emit); err != nil {
			return err
		}
		if len(results) < pageSize {
			return nil
		}
	}
}

// discoverCursor follows cursor_response_path while non-null, optionally
// repeating the walk once per entry in queries (spec §4.G).
func (d *APIDiscoverer) discoverCursor(ctx context.Context, sourceID string, ac config.APIDiscoveryConfig, emit func(*types.CrawlURL) error) error {
	queries := ac.Queries
	if len(queries) == 0 {
		queries = map[string]string{"": ""}
	}
	for qKey, qVal := range queries {
		if err := d.discoverCursorOnce(ctx, sourceID, ac, qKey, qVal, emit); err != nil {
			return err
		}
	}
	return nil
}

func (d *APIDiscoverer) discoverCursorOnce(ctx context.Context, sourceID string, ac config.APIDiscoveryConfig, queryParam, queryVal string, emit func(*types.CrawlURL) error) error {
	tracker := newAbortTracker()
	cursorParam := ac.CursorParam
	if cursorParam == "" {
		cursorParam = "cursor"
	}

	cursor := ""
	for {
		params := map[string]string{}
		if cursor != "" {
			params[cursorParam] = cursor
		}
		if queryParam != "" {
			params[queryParam] = queryVal
		}
		if ac.PageSizeParam != "" && ac.PageSize > 0 {
			params[ac.PageSizeParam] = strconv.Itoa(ac.PageSize)
		}

		body, err := d.fetchJSON(ctx, sourceID, buildURL(ac.Endpoint, params), tracker)
		if err != nil {
			if aborted, ok := err.(*ErrDiscoveryAborted); ok {
				return aborted
			}
			return err
		}
		results := extractResults(body, ac.ResultsPath)
		if len(results) > 0 {
			if err := d.emitResults(sourceID, results, ac.URLExtraction, "api_cursor", emit); err != nil {
				return err
			}
		}

		next := gjson.GetBytes(body, ac.CursorResponsePath)
		if !next.Exists() || next.Type == gjson.Null || next.String() == "" {
			return nil
		}
		cursor = next.String()
	}
}

// discoverNested fetches parent items (paged), then for each parent
// substitutes {id} into child_endpoint and fetches it once (child results
// are not paginated), dereferencing one extra array level via items_path
// if set (spec §4.G).
func (d *APIDiscoverer) discoverNested(ctx context.Context, sourceID string, ac config.APIDiscoveryConfig, emit func(*types.CrawlURL) error) error {
	if ac.ChildEndpoint == "" {
		return fmt.Errorf("api discovery: nested variant requires child_endpoint")
	}

	var parentIDs []string
	parentTracker := newAbortTracker()
	pageParam := ac.PageParam
	if pageParam == "" {
		pageParam = "page"
	}
	pageSize := ac.PageSize
	if pageSize == 0 {
		pageSize = 50
	}

	for page := 1; ; page++ {
		params := map[string]string{pageParam: strconv.Itoa(page)}
		if ac.PageSizeParam != "" {
			params[ac.PageSizeParam] = strconv.Itoa(pageSize)
		}
		body, err := d.fetchJSON(ctx, sourceID, buildURL(ac.Endpoint, params), parentTracker)
		if err != nil {
			if aborted, ok := err.(*ErrDiscoveryAborted); ok {
				return aborted
			}
			return err
		}
		results := extractResults(body, ac.ResultsPath)
		if len(results) == 0 {
			break
		}
		for _, r := range results {
			id := r.Get("id")
			if id.Exists() {
				parentIDs = append(parentIDs, id.String())
			}
		}
		if len(results) < pageSize {
			break
		}
	}

	childTracker := newAbortTracker()
	for _, id := range parentIDs {
		childEndpoint := strings.ReplaceAll(ac.ChildEndpoint, "{id}", id)
		body, err := d.fetchJSON(ctx, sourceID, childEndpoint, childTracker)
		if err != nil {
			if aborted, ok := err.(*ErrDiscoveryAborted); ok {
				return aborted
			}
			d.logger.Warn("nested discovery child fetch failed", "parent_id", id, "error", err)
			continue
		}
		results := extractResults(body, ac.ItemsPath)
		if len(results) == 0 {
			continue
		}
		if err := d.emitResults(sourceID, results, ac.URLExtraction, "api_nested", emit); err != nil {
			return err
		}
	}
	return nil
}

func (d *APIDiscoverer) fetchJSON(ctx context.Context, sourceID, rawURL string, tracker *abortTracker) ([]byte, error) {
	result, err := d.fetcher.Get(ctx, sourceID, rawURL, httpclient.Validators{})
	if err != nil {
		if aborted := tracker.check(sourceID, rawURL, err); aborted != nil {
			return nil, aborted
		}
		return nil, err
	}
	return result.Body, nil
}

// emitResults applies a URLExtractionConfig to every result item, emitting a
// CrawlURL for each resolvable URL.
func (d *APIDiscoverer) emitResults(sourceID string, results []gjson.Result, ex config.URLExtractionConfig, method string, emit func(*types.CrawlURL) error) error {
	if ex.URLField == "" && ex.URLTemplate == "" {
		ex = config.DefaultURLExtractionConfig()
	}
	for _, item := range results {
		leaves := nestedLeaves(item, ex.NestedArrays)
		for _, leaf := range leaves {
			rawURL, ok := extractURL(leaf, ex)
			if !ok {
				continue
			}
			if err := emit(&types.CrawlURL{
				SourceID:        sourceID,
				URL:             rawURL,
				DiscoveryMethod: method,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// nestedLeaves walks ex.NestedArrays in order (e.g. "communications",
// "files"), dereferencing one array level per entry, and returns the final
// set of leaf objects the URL rules apply to. With no nested_arrays it
// returns item itself.
func nestedLeaves(item gjson.Result, nestedArrays []string) []gjson.Result {
	leaves := []gjson.Result{item}
	for _, path := range nestedArrays {
		var next []gjson.Result
		for _, l := range leaves {
			arr := l.Get(path)
			if !arr.IsArray() {
				continue
			}
			next = append(next, arr.Array()...)
		}
		leaves = next
	}
	return leaves
}

// extractURL applies url_field/url_template/fallback_field to one item.
func extractURL(item gjson.Result, ex config.URLExtractionConfig) (string, bool) {
	if ex.URLTemplate != "" {
		return substituteTemplate(ex.URLTemplate, item), true
	}
	field := ex.URLField
	if field == "" {
		field = "url"
	}
	if v := item.Get(field); v.Exists() && v.String() != "" {
		return v.String(), true
	}
	if ex.FallbackField != "" {
		if v := item.Get(ex.FallbackField); v.Exists() && v.String() != "" {
			return v.String(), true
		}
	}
	return "", false
}

// substituteTemplate replaces every {field} placeholder in tmpl with the
// matching field's string value from item.
func substituteTemplate(tmpl string, item gjson.Result) string {
	var out strings.Builder
	for {
		start := strings.IndexByte(tmpl, '{')
		if start < 0 {
			out.WriteString(tmpl)
			break
		}
		end := strings.IndexByte(tmpl[start:], '}')
		if end < 0 {
			out.WriteString(tmpl)
			break
		}
		end += start
		out.WriteString(tmpl[:start])
		field := tmpl[start+1 : end]
		out.WriteString(item.Get(field).String())
		tmpl = tmpl[end+1:]
	}
	return out.String()
}

// extractResults applies results_path (dot-notation + array index) to a raw
// JSON body, returning the matched array's elements. An empty path assumes
// the body itself is the results array.
func extractResults(body []byte, path string) []gjson.Result {
	if path == "" {
		v := gjson.ParseBytes(body)
		if !v.IsArray() {
			return nil
		}
		return v.Array()
	}
	v := gjson.GetBytes(body, path)
	if !v.Exists() || !v.IsArray() {
		return nil
	}
	return v.Array()
}

// buildURL appends query params to endpoint, which may already carry a
// query string. Keys are sorted for deterministic output.
func buildURL(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteString(sep)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
