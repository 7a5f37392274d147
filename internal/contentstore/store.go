// Package contentstore implements the hash-sharded, content-addressable
// filesystem layout for acquired documents.
package contentstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/foiacquire/corpus/internal/types"
)

// mimeToExtension is the fixed MIME->extension table (spec §4.F).
// Unrecognized types land as "bin".
var mimeToExtension = map[string]string{
	"application/pdf":     "pdf",
	"text/html":           "html",
	"text/plain":          "txt",
	"application/json":    "json",
	"application/xml":     "xml",
	"text/xml":            "xml",
	"image/jpeg":          "jpg",
	"image/png":           "png",
	"image/gif":           "gif",
	"application/msword":  "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.ms-excel": "xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "xlsx",
	"application/zip":     "zip",
	"application/gzip":    "gz",
}

// MimeToExtension maps a MIME type (ignoring any "; charset=..." suffix) to
// a file extension, defaulting to "bin".
func MimeToExtension(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	mimeType = strings.TrimSpace(strings.ToLower(mimeType))
	if ext, ok := mimeToExtension[mimeType]; ok {
		return ext
	}
	return "bin"
}

var unsafeBasenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeBasename(name string) string {
	name = filepath.Base(name)
	name = unsafeBasenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "doc"
	}
	return name
}

// Store is a content-addressable filesystem store rooted at Root.
// Concurrent writers are serialized per source_url via an in-process
// mutex; cross-process collisions collapse naturally because identical
// bytes hash to the identical path.
type Store struct {
	Root   string
	logger *slog.Logger

	mu        sync.Mutex
	perURLMus map[string]*sync.Mutex
}

// New constructs a Store rooted at root, creating it if absent.
func New(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &types.StorageError{Op: "mkdir root", Err: err}
	}
	return &Store{
		Root:      root,
		logger:    logger.With("component", "content_store"),
		perURLMus: make(map[string]*sync.Mutex),
	}, nil
}

// Hash returns the hex-encoded 32-byte blake3 digest of content.
func Hash(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// PathFor returns the bare {hash[:2]}/{hash[:8]}.{ext} path (relative to
// Root), mirroring the original's content_storage_path.
func PathFor(hash, ext string) string {
	return filepath.Join(hash[:2], fmt.Sprintf("%s.%s", hash[:8], ext))
}

// PathForNamed returns the named {hash[:2]}/{basename}-{hash[:8]}.{ext}
// path (relative to Root), mirroring content_storage_path_with_name. The
// 2-char prefix shards across <=256 subdirectories; the 8-char tag
// disambiguates across basenames sharing a shard.
func PathForNamed(hash, basename, ext string) string {
	return filepath.Join(hash[:2], fmt.Sprintf("%s-%s.%s", sanitizeBasename(basename), hash[:8], ext))
}

// Write computes content's hash, creates the parent directory, and writes
// the file at PathForNamed(hash, basename, ext) if it does not already
// exist (identical bytes -> identical path -> at-most-one write). Returns
// the content hash and the path written, relative to Root.
func (s *Store) Write(content []byte, basename, mimeType string) (hash, relPath string, err error) {
	hash = Hash(content)
	ext := MimeToExtension(mimeType)
	relPath = PathForNamed(hash, basename, ext)
	absPath := filepath.Join(s.Root, relPath)

	if _, statErr := os.Stat(absPath); statErr == nil {
		return hash, relPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", "", &types.StorageError{Op: "mkdir shard", Err: err}
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return "", "", &types.StorageError{Op: "write content", Err: err}
	}
	return hash, relPath, nil
}

// WriteStream writes from r to a temp file while hashing, then renames
// into place once the final hash is known, so a large body is hashed and
// stored without being held in memory. The Fetch Pipeline stores documents
// through SaveDocument, not WriteStream.
func (s *Store) WriteStream(r io.Reader, basename, mimeType string) (hash, relPath string, size int64, err error) {
	tmp, err := os.CreateTemp(s.Root, "incoming-*")
	if err != nil {
		return "", "", 0, &types.StorageError{Op: "create temp", Err: err}
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := blake3.New(32, nil)
	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return "", "", 0, &types.StorageError{Op: "stream content", Err: err}
	}

	hash = hex.EncodeToString(hasher.Sum(nil))
	ext := MimeToExtension(mimeType)
	relPath = PathForNamed(hash, basename, ext)
	absPath := filepath.Join(s.Root, relPath)

	if _, statErr := os.Stat(absPath); statErr == nil {
		return hash, relPath, n, nil
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", "", 0, &types.StorageError{Op: "mkdir shard", Err: err}
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), absPath); err != nil {
		return "", "", 0, &types.StorageError{Op: "rename into place", Err: err}
	}
	return hash, relPath, n, nil
}

// DocumentRegistry is the subset of the Crawl Store's document operations
// that the Content Store needs to decide between creating a new Document
// and appending a DocumentVersion. Kept as a narrow interface so
// contentstore does not import crawlstore.
type DocumentRegistry interface {
	GetDocumentBySourceURL(ctx context.Context, sourceID, sourceURL string) (*types.Document, error)
	LatestVersion(ctx context.Context, documentID string) (*types.DocumentVersion, error)
	CreateDocument(ctx context.Context, doc *types.Document) error
	AppendVersion(ctx context.Context, v *types.DocumentVersion) error
}

// SaveDocument writes content to disk and updates the document registry:
// if a Document already exists at sourceURL, a new DocumentVersion is
// appended iff the hash differs from the most recent version; otherwise a
// new Document is created with a freshly generated id. Returns the
// resulting content hash and whether a new version was actually written.
func (s *Store) SaveDocument(ctx context.Context, reg DocumentRegistry, sourceID, sourceURL, title, basename, mimeType string, content []byte, serverDate *time.Time) (hash string, wroteNewVersion bool, err error) {
	mu := s.lockFor(sourceURL)
	mu.Lock()
	defer mu.Unlock()

	hash, relPath, writeErr := s.Write(content, basename, mimeType)
	if writeErr != nil {
		return "", false, writeErr
	}

	doc, err := reg.GetDocumentBySourceURL(ctx, sourceID, sourceURL)
	if err != nil {
		return "", false, &types.StorageError{Op: "lookup document", Err: err}
	}

	if doc == nil {
		doc = &types.Document{
			SourceID:  sourceID,
			Title:     title,
			SourceURL: sourceURL,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := reg.CreateDocument(ctx, doc); err != nil {
			return "", false, &types.StorageError{Op: "create document", Err: err}
		}
	} else {
		latest, err := reg.LatestVersion(ctx, doc.ID)
		if err != nil {
			return "", false, &types.StorageError{Op: "load latest version", Err: err}
		}
		if latest != nil && latest.ContentHash == hash {
			// Identical content: the losing writer (or a re-run) observes
			// the existing head and no-ops.
			return hash, false, nil
		}
	}

	v := &types.DocumentVersion{
		DocumentID:       doc.ID,
		ContentHash:      hash,
		FilePath:         relPath,
		Size:             int64(len(content)),
		MimeType:         mimeType,
		AcquiredAt:       time.Now(),
		ServerDate:       serverDate,
		OriginalFilename: basename,
	}
	if err := reg.AppendVersion(ctx, v); err != nil {
		return "", false, &types.StorageError{Op: "append version", Err: err}
	}
	return hash, true, nil
}

func (s *Store) lockFor(sourceURL string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.perURLMus[sourceURL]
	if !ok {
		mu = &sync.Mutex{}
		s.perURLMus[sourceURL] = mu
	}
	return mu
}
