package httpclient

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FilenameFromContentDisposition extracts a server-suggested filename from
// a Content-Disposition header, preferring the RFC 5987 extended form
// (filename*=UTF-8''...) over the plain filename parameter, per spec
// §4.C header extraction. Returns "" if no filename is present.
func FilenameFromContentDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return filenameStarFallback(header)
	}
	if star, ok := params["filename*"]; ok {
		if decoded := decodeExtValue(star); decoded != "" {
			return decoded
		}
	}
	return params["filename"]
}

// decodeExtValue decodes an RFC 5987 ext-value of the form
// charset'language'value, e.g. UTF-8''%e2%82%ac%20report.pdf.
func decodeExtValue(v string) string {
	parts := strings.SplitN(v, "'", 3)
	if len(parts) != 3 {
		return ""
	}
	decoded, err := url.QueryUnescape(parts[2])
	if err != nil {
		return ""
	}
	return decoded
}

// filenameStarFallback handles headers mime.ParseMediaType rejects (e.g. a
// bare filename*=... with no preceding disposition-type separator quirk)
// by scanning for the parameter directly.
func filenameStarFallback(header string) string {
	for _, field := range strings.Split(header, ";") {
		field = strings.TrimSpace(field)
		if v, ok := strings.CutPrefix(field, "filename*="); ok {
			return decodeExtValue(v)
		}
	}
	for _, field := range strings.Split(header, ";") {
		field = strings.TrimSpace(field)
		if v, ok := strings.CutPrefix(field, "filename="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

// ParseServerDate parses a Last-Modified header (RFC 1123/850/ANSI-C, per
// net/http.ParseTime) into UTC. Returns the zero value and false if the
// header is absent or unparsable.
func ParseServerDate(lastModified string) (time.Time, bool) {
	if lastModified == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(lastModified)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
