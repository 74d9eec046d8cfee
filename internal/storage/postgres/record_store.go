// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/store"
)

const defaultTable = "scraped_urls"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for scraped URL records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RecordStore persists scraped URL records in Postgres.
type RecordStore struct {
	pool  pgxPool
	table string
}

var _ store.RecordStore = (*RecordStore)(nil)

// New creates a Postgres-backed RecordStore using the provided config.
func New(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, crawler.Unavailable("connect postgres", err)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return crawler.Unavailable("ping postgres", err)
	}
	return nil
}

// EnsureSchema creates the records table and its claim index.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	seq            BIGSERIAL,
	base_url       TEXT        NOT NULL,
	url            TEXT        NOT NULL,
	source_url     TEXT,
	depth          INTEGER     NOT NULL CHECK (depth >= 0),
	title          TEXT,
	links_to_texts JSONB,
	topic          TEXT        NOT NULL DEFAULT 'other',
	status         TEXT        NOT NULL DEFAULT 'queued'
	               CHECK (status IN ('queued', 'processing', 'completed')),
	attempts       INTEGER     NOT NULL DEFAULT 0,
	last_error     TEXT,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (base_url, url)
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (base_url, status, depth, seq)`, s.table, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return crawler.Unavailable("ensure schema", err)
		}
	}
	return nil
}

// UpsertIfAbsent inserts rec unless (base_url, url) already exists.
func (s *RecordStore) UpsertIfAbsent(ctx context.Context, rec crawler.Record) (bool, error) {
	links, err := encodeLinks(rec.LinksToTexts)
	if err != nil {
		return false, err
	}
	topic := rec.Topic
	if topic == "" {
		topic = crawler.DefaultTopic
	}
	status := rec.Status
	if status == "" {
		status = crawler.StatusQueued
	}
	query := fmt.Sprintf(`
INSERT INTO %s (base_url, url, source_url, depth, title, links_to_texts, topic, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (base_url, url) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		rec.BaseURL,
		rec.URL,
		nullable(rec.SourceURL),
		rec.Depth,
		rec.Title,
		links,
		topic,
		string(status),
	)
	if err != nil {
		return false, crawler.Unavailable("insert record", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the record for key.
func (s *RecordStore) Get(ctx context.Context, key crawler.Key) (crawler.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE base_url = $1 AND url = $2`, columns, s.table)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, key.BaseURL, key.URL))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Record{}, fmt.Errorf("record %s: %w", key.URL, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Record{}, crawler.Unavailable("get record", err)
	}
	return rec, nil
}

// ListByStatus returns every record of baseURL in status.
func (s *RecordStore) ListByStatus(ctx context.Context, baseURL string, status crawler.Status) ([]crawler.Record, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE base_url = $1 AND status = $2
ORDER BY depth, seq`, columns, s.table)
	return s.queryRecords(ctx, "list records", query, baseURL, string(status))
}

// NextQueued returns claimable candidates in claim order.
func (s *RecordStore) NextQueued(
	ctx context.Context,
	baseURL string,
	maxDepth, maxAttempts, limit int,
) ([]crawler.Record, error) {
	if limit <= 0 {
		limit = 1
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE base_url = $1 AND status = 'queued' AND depth <= $2
  AND ($3::int <= 0 OR attempts < $3::int)
ORDER BY depth, seq
LIMIT $4`, columns, s.table)
	return s.queryRecords(ctx, "select queued", query, baseURL, maxDepth, maxAttempts, limit)
}

// CompareAndSetStatus moves key from expected to next in one UPDATE.
func (s *RecordStore) CompareAndSetStatus(
	ctx context.Context,
	key crawler.Key,
	expected, next crawler.Status,
	upd crawler.Update,
) (bool, error) {
	if err := crawler.ValidateTransition(expected, next); err != nil {
		return false, err
	}
	args := []any{key.BaseURL, key.URL, string(expected), string(next)}
	sets := []string{"status = $4", "updated_at = now()"}
	bind := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.ClearResult {
		sets = append(sets, "title = NULL", "links_to_texts = NULL")
		bind("topic", crawler.DefaultTopic)
	}
	if upd.Title != nil {
		bind("title", *upd.Title)
	}
	if upd.LinksToTexts != nil {
		links, err := encodeLinks(upd.LinksToTexts)
		if err != nil {
			return false, err
		}
		bind("links_to_texts", links)
	}
	if upd.Topic != "" {
		bind("topic", upd.Topic)
	}
	if upd.CountAttempt {
		sets = append(sets, "attempts = attempts + 1")
		bind("last_error", upd.LastError)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE base_url = $1 AND url = $2 AND status = $3`,
		s.table, strings.Join(sets, ", "))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, crawler.Unavailable("compare and set", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountByStatus returns per-status counts for baseURL.
func (s *RecordStore) CountByStatus(ctx context.Context, baseURL string) (map[crawler.Status]int, error) {
	query := fmt.Sprintf(`SELECT status, count(*) FROM %s WHERE base_url = $1 GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query, baseURL)
	if err != nil {
		return nil, crawler.Unavailable("count records", err)
	}
	defer rows.Close()

	counts := store.EmptyCounts()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, crawler.Unavailable("scan count", err)
		}
		counts[crawler.Status(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.Unavailable("count records", err)
	}
	return counts, nil
}

// BaseURLsWithStatus lists scopes with at least one record in status.
func (s *RecordStore) BaseURLsWithStatus(ctx context.Context, status crawler.Status) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT base_url FROM %s WHERE status = $1 ORDER BY base_url`, s.table)
	rows, err := s.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, crawler.Unavailable("list base urls", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, crawler.Unavailable("list base urls", err)
	}
	return out, nil
}

const columns = `seq, base_url, url, source_url, depth, title, links_to_texts, topic, status, attempts, last_error, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (crawler.Record, error) {
	var (
		rec       crawler.Record
		source    *string
		links     []byte
		status    string
		lastError *string
	)
	err := row.Scan(
		&rec.Seq,
		&rec.BaseURL,
		&rec.URL,
		&source,
		&rec.Depth,
		&rec.Title,
		&links,
		&rec.Topic,
		&status,
		&rec.Attempts,
		&lastError,
		&rec.UpdatedAt,
	)
	if err != nil {
		return crawler.Record{}, err
	}
	if source != nil {
		rec.SourceURL = *source
	}
	if lastError != nil {
		rec.LastError = *lastError
	}
	rec.Status = crawler.Status(status)
	if links != nil {
		if err := json.Unmarshal(links, &rec.LinksToTexts); err != nil {
			return crawler.Record{}, fmt.Errorf("decode links_to_texts: %w", err)
		}
	}
	return rec, nil
}

func (s *RecordStore) queryRecords(ctx context.Context, op, query string, args ...any) ([]crawler.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, crawler.Unavailable(op, err)
	}
	defer rows.Close()

	out := make([]crawler.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, crawler.Unavailable(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.Unavailable(op, err)
	}
	return out, nil
}

func encodeLinks(links map[string]string) (any, error) {
	if links == nil {
		return nil, nil
	}
	raw, err := json.Marshal(links)
	if err != nil {
		return nil, fmt.Errorf("marshal links_to_texts: %w", err)
	}
	return raw, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
