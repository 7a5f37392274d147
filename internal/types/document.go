package types

import "time"

// Document is the logical artifact identified by source_url. It owns an
// ordered sequence of DocumentVersions; the previous version is never
// rewritten, only appended to.
type Document struct {
	ID              string
	SourceID        string
	Title           string
	SourceURL       string
	DiscoveryMethod string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DocumentVersion is a single stored revision of a Document's content. A
// new version is appended only if ContentHash differs from the current
// head version's hash.
type DocumentVersion struct {
	ID               int64
	DocumentID       string
	ContentHash      string // 32-byte blake3 digest, hex-encoded
	FilePath         string
	Size             int64
	MimeType         string
	AcquiredAt       time.Time
	ServerDate       *time.Time
	OriginalFilename string
	PageCount        *int
}
