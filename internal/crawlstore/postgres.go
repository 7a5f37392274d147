package crawlstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foiacquire/corpus/internal/types"
)

// PostgresStore is the relational Store implementation. Schema (owned by
// an external migration system, per spec.md §1):
//
//	crawl_url(id bigserial pk, source_id text, url text, status text,
//	  discovery_method text, parent_url text, depth int,
//	  etag text, last_modified text, content_hash text,
//	  retry_count int, last_error text, next_retry_at timestamptz,
//	  document_id text, discovered_at timestamptz, fetched_at timestamptz,
//	  unique(source_id, url))
//	crawl_request(id bigserial pk, source_id text, url text, method text,
//	  sent_at timestamptz, received_at timestamptz, status_code int,
//	  byte_count bigint, duration_ms bigint, conditional bool,
//	  not_modified bool, error text)
//	document(id text pk, source_id text, title text, source_url text,
//	  discovery_method text, created_at timestamptz, updated_at timestamptz,
//	  unique(source_id, source_url))
//	document_version(id bigserial pk, document_id text, content_hash text,
//	  file_path text, size bigint, mime_type text, acquired_at timestamptz,
//	  server_date timestamptz, original_filename text, page_count int)
//	crawl_source_state(source_id text pk, config_hash text)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-constructed pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) AddURL(ctx context.Context, u *types.CrawlURL) (bool, error) {
	const q = `
		INSERT INTO crawl_url (source_id, url, status, discovery_method, parent_url, depth, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id, url) DO NOTHING
		RETURNING id`
	discoveredAt := u.DiscoveredAt
	if discoveredAt.IsZero() {
		discoveredAt = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx, q, u.SourceID, u.URL, types.StatusDiscovered, u.DiscoveryMethod, u.ParentURL, u.Depth, discoveredAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &types.StorageError{Op: "add_url", Err: err}
	}
	u.ID = id
	u.Status = types.StatusDiscovered
	u.DiscoveredAt = discoveredAt
	return true, nil
}

func (s *PostgresStore) GetPending(ctx context.Context, sourceID string, limit int) ([]*types.CrawlURL, error) {
	const q = `
		SELECT id, source_id, url, status, discovery_method, parent_url, depth,
		       coalesce(etag,''), coalesce(last_modified,''), coalesce(content_hash,''),
		       retry_count, coalesce(last_error,''), next_retry_at,
		       coalesce(document_id,''), discovered_at, fetched_at
		FROM crawl_url
		WHERE source_id = $1 AND status = $2
		ORDER BY discovered_at ASC
		LIMIT $3`
	rows, err := s.pool.Query(ctx, q, sourceID, types.StatusPending, limit)
	if err != nil {
		return nil, &types.StorageError{Op: "get_pending", Err: err}
	}
	defer rows.Close()
	return scanCrawlURLs(rows)
}

// ClaimPending atomically transitions one Pending URL to Fetching using
// SELECT ... FOR UPDATE SKIP LOCKED, guaranteeing at-most-one concurrent
// caller receives a given row.
func (s *PostgresStore) ClaimPending(ctx context.Context, sourceID string) (*types.CrawlURL, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &types.StorageError{Op: "claim_pending begin", Err: err}
	}
	defer tx.Rollback(ctx)

	const sel = `
		SELECT id, source_id, url, status, discovery_method, parent_url, depth,
		       coalesce(etag,''), coalesce(last_modified,''), coalesce(content_hash,''),
		       retry_count, coalesce(last_error,''), next_retry_at,
		       coalesce(document_id,''), discovered_at, fetched_at
		FROM crawl_url
		WHERE source_id = $1 AND status = $2
		ORDER BY discovered_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`
	row := tx.QueryRow(ctx, sel, sourceID, types.StatusPending)
	u, err := scanOneCrawlURL(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StorageError{Op: "claim_pending select", Err: err}
	}

	const upd = `UPDATE crawl_url SET status = $2 WHERE id = $1`
	if _, err := tx.Exec(ctx, upd, u.ID, types.StatusFetching); err != nil {
		return nil, &types.StorageError{Op: "claim_pending update", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &types.StorageError{Op: "claim_pending commit", Err: err}
	}
	u.Status = types.StatusFetching
	return u, nil
}

func (s *PostgresStore) GetRetryable(ctx context.Context, sourceID string, maxRetries, limit int) ([]*types.CrawlURL, error) {
	const q = `
		SELECT id, source_id, url, status, discovery_method, parent_url, depth,
		       coalesce(etag,''), coalesce(last_modified,''), coalesce(content_hash,''),
		       retry_count, coalesce(last_error,''), next_retry_at,
		       coalesce(document_id,''), discovered_at, fetched_at
		FROM crawl_url
		WHERE source_id = $1 AND status = $2 AND retry_count < $3 AND next_retry_at <= now()
		ORDER BY next_retry_at ASC
		LIMIT $4`
	rows, err := s.pool.Query(ctx, q, sourceID, types.StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, &types.StorageError{Op: "get_retryable", Err: err}
	}
	defer rows.Close()
	return scanCrawlURLs(rows)
}

func (s *PostgresStore) GetNeedingRefresh(ctx context.Context, sourceID string, cutoff time.Time, limit int) ([]*types.CrawlURL, error) {
	const q = `
		SELECT id, source_id, url, status, discovery_method, parent_url, depth,
		       coalesce(etag,''), coalesce(last_modified,''), coalesce(content_hash,''),
		       retry_count, coalesce(last_error,''), next_retry_at,
		       coalesce(document_id,''), discovered_at, fetched_at
		FROM crawl_url
		WHERE source_id = $1 AND status = $2 AND fetched_at < $3
		ORDER BY fetched_at ASC
		LIMIT $4`
	rows, err := s.pool.Query(ctx, q, sourceID, types.StatusFetched, cutoff, limit)
	if err != nil {
		return nil, &types.StorageError{Op: "get_needing_refresh", Err: err}
	}
	defer rows.Close()
	return scanCrawlURLs(rows)
}

func (s *PostgresStore) MarkForRefresh(ctx context.Context, sourceID, url string) error {
	const q = `UPDATE crawl_url SET status = $3 WHERE source_id = $1 AND url = $2 AND status = $4`
	if _, err := s.pool.Exec(ctx, q, sourceID, url, types.StatusPending, types.StatusFetched); err != nil {
		return &types.StorageError{Op: "mark_for_refresh", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpdateURL(ctx context.Context, u *types.CrawlURL) error {
	if err := u.Validate(); err != nil {
		return &types.StorageError{Op: "update_url validate", Err: err}
	}
	const q = `
		UPDATE crawl_url SET
			status = $2, etag = $3, last_modified = $4, content_hash = $5,
			retry_count = $6, last_error = $7, next_retry_at = $8,
			document_id = $9, fetched_at = $10
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, u.ID, u.Status, nullIfEmpty(u.ETag), nullIfEmpty(u.LastModified), nullIfEmpty(u.ContentHash),
		u.RetryCount, nullIfEmpty(u.LastError), u.NextRetryAt, nullIfEmpty(u.DocumentID), u.FetchedAt)
	if err != nil {
		return &types.StorageError{Op: "update_url", Err: err}
	}
	return nil
}

func (s *PostgresStore) LogRequest(ctx context.Context, r *types.CrawlRequest) error {
	const q = `
		INSERT INTO crawl_request (source_id, url, method, sent_at, received_at, status_code, byte_count, duration_ms, conditional, not_modified, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.pool.Exec(ctx, q, r.SourceID, r.URL, r.Method, r.SentAt, r.ReceivedAt, r.StatusCode, r.ByteCount,
		r.Duration.Milliseconds(), r.Conditional, r.NotModified, nullIfEmpty(r.Error))
	if err != nil {
		return &types.StorageError{Op: "log_request", Err: err}
	}
	return nil
}

func (s *PostgresStore) CheckConfigChanged(ctx context.Context, sourceID, hash string) (bool, error) {
	const q = `SELECT config_hash FROM crawl_source_state WHERE source_id = $1`
	var stored string
	err := s.pool.QueryRow(ctx, q, sourceID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, &types.StorageError{Op: "check_config_changed", Err: err}
	}
	return stored != hash, nil
}

func (s *PostgresStore) StoreConfigHash(ctx context.Context, sourceID, hash string) error {
	const q = `
		INSERT INTO crawl_source_state (source_id, config_hash) VALUES ($1, $2)
		ON CONFLICT (source_id) DO UPDATE SET config_hash = excluded.config_hash`
	if _, err := s.pool.Exec(ctx, q, sourceID, hash); err != nil {
		return &types.StorageError{Op: "store_config_hash", Err: err}
	}
	return nil
}

// --- contentstore.DocumentRegistry ---

func (s *PostgresStore) GetDocumentBySourceURL(ctx context.Context, sourceID, sourceURL string) (*types.Document, error) {
	const q = `
		SELECT id, source_id, title, source_url, coalesce(discovery_method,''), created_at, updated_at
		FROM document WHERE source_id = $1 AND source_url = $2`
	var d types.Document
	err := s.pool.QueryRow(ctx, q, sourceID, sourceURL).Scan(&d.ID, &d.SourceID, &d.Title, &d.SourceURL, &d.DiscoveryMethod, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StorageError{Op: "get_document_by_source_url", Err: err}
	}
	return &d, nil
}

func (s *PostgresStore) LatestVersion(ctx context.Context, documentID string) (*types.DocumentVersion, error) {
	const q = `
		SELECT id, document_id, content_hash, file_path, size, mime_type, acquired_at,
		       server_date, coalesce(original_filename,''), page_count
		FROM document_version WHERE document_id = $1 ORDER BY acquired_at DESC LIMIT 1`
	var v types.DocumentVersion
	err := s.pool.QueryRow(ctx, q, documentID).Scan(&v.ID, &v.DocumentID, &v.ContentHash, &v.FilePath, &v.Size, &v.MimeType,
		&v.AcquiredAt, &v.ServerDate, &v.OriginalFilename, &v.PageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StorageError{Op: "latest_version", Err: err}
	}
	return &v, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *types.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO document (id, source_id, title, source_url, discovery_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q, doc.ID, doc.SourceID, doc.Title, doc.SourceURL, nullIfEmpty(doc.DiscoveryMethod), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return &types.StorageError{Op: "create_document", Err: err}
	}
	return nil
}

func (s *PostgresStore) AppendVersion(ctx context.Context, v *types.DocumentVersion) error {
	const q = `
		INSERT INTO document_version (document_id, content_hash, file_path, size, mime_type, acquired_at, server_date, original_filename, page_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	return s.pool.QueryRow(ctx, q, v.DocumentID, v.ContentHash, v.FilePath, v.Size, v.MimeType, v.AcquiredAt,
		v.ServerDate, nullIfEmpty(v.OriginalFilename), v.PageCount).Scan(&v.ID)
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOneCrawlURL(row rowScanner) (*types.CrawlURL, error) {
	var u types.CrawlURL
	err := row.Scan(&u.ID, &u.SourceID, &u.URL, &u.Status, &u.DiscoveryMethod, &u.ParentURL, &u.Depth,
		&u.ETag, &u.LastModified, &u.ContentHash, &u.RetryCount, &u.LastError, &u.NextRetryAt,
		&u.DocumentID, &u.DiscoveredAt, &u.FetchedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanCrawlURLs(rows pgx.Rows) ([]*types.CrawlURL, error) {
	var out []*types.CrawlURL
	for rows.Next() {
		u, err := scanOneCrawlURL(rows)
		if err != nil {
			return nil, &types.StorageError{Op: "scan crawl_url", Err: err}
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
