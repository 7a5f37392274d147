package types

import (
	"io"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// FetchResult is the outcome of one HTTP Client or Browser Pool fetch.
// NotModified is a success variant, not an error — it preserves validators
// without new content.
type FetchResult struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	FinalURL    string

	NotModified bool

	ETag         string
	LastModified string

	// SuggestedFilename is extracted from Content-Disposition, preferring
	// the RFC 5987 extended form. Empty if the header is absent.
	SuggestedFilename string

	// ServerDate is Last-Modified parsed into UTC, nil if absent/unparsable.
	ServerDate *time.Time

	// Cookies captured from a Browser Pool fetch (nil for HTTP Client
	// fetches, which rely on the client's own cookiejar).
	Cookies []*http.Cookie

	FetchDuration time.Duration
	FetchedAt     time.Time

	doc *goquery.Document
}

// Document lazily parses the body as HTML, caching the result.
func (r *FetchResult) Document() (*goquery.Document, error) {
	if r.doc != nil {
		return r.doc, nil
	}
	doc, err := goquery.NewDocumentFromReader(io.NopCloser(&bytesReader{data: r.Body}))
	if err != nil {
		return nil, err
	}
	r.doc = doc
	return doc, nil
}

func (r *FetchResult) IsSuccess() bool      { return r.StatusCode >= 200 && r.StatusCode < 300 }
func (r *FetchResult) IsRedirect() bool     { return r.StatusCode >= 300 && r.StatusCode < 400 }
func (r *FetchResult) IsClientError() bool  { return r.StatusCode >= 400 && r.StatusCode < 500 }
func (r *FetchResult) IsServerError() bool  { return r.StatusCode >= 500 && r.StatusCode < 600 }

// bytesReader implements io.Reader over an in-memory byte slice.
type bytesReader struct {
	data []byte
	pos  int
}

func (r *bytesReader) Read(p []byte) (n int, err error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n = copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
