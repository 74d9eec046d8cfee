// Package sqlite provides a single-file record store backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/store"
)

const defaultTable = "scraped_urls"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config describes where the database file lives.
type Config struct {
	Path  string
	Table string
}

// RecordStore persists scraped URL records in a SQLite file.
type RecordStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

var _ store.RecordStore = (*RecordStore)(nil)

// Open opens (or creates) the database file and applies connection pragmas.
// The pool is limited to one connection so writers never contend for the lock.
func Open(ctx context.Context, cfg Config) (*RecordStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("database.sqlite_path is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, crawler.Unavailable("open sqlite", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, crawler.Unavailable("set pragma", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, crawler.Unavailable("ping sqlite", err)
	}
	return &RecordStore{
		db:    db,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping checks that the database is usable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return crawler.Unavailable("ping sqlite", err)
	}
	return nil
}

// EnsureSchema creates the records table and its claim index.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	base_url       TEXT    NOT NULL,
	url            TEXT    NOT NULL,
	source_url     TEXT,
	depth          INTEGER NOT NULL CHECK (depth >= 0),
	title          TEXT,
	links_to_texts TEXT,
	topic          TEXT    NOT NULL DEFAULT 'other',
	status         TEXT    NOT NULL DEFAULT 'queued'
	               CHECK (status IN ('queued', 'processing', 'completed')),
	attempts       INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT,
	updated_at     INTEGER NOT NULL,
	UNIQUE (base_url, url)
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (base_url, status, depth, seq)`, s.table, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
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
	var title any
	if rec.Title != nil {
		title = *rec.Title
	}
	query := fmt.Sprintf(`
INSERT INTO %s (base_url, url, source_url, depth, title, links_to_texts, topic, status, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (base_url, url) DO NOTHING`, s.table)

	res, err := s.db.ExecContext(ctx, query,
		rec.BaseURL,
		rec.URL,
		nullable(rec.SourceURL),
		rec.Depth,
		title,
		links,
		topic,
		string(status),
		s.now().UnixMilli(),
	)
	if err != nil {
		return false, crawler.Unavailable("insert record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, crawler.Unavailable("insert record", err)
	}
	return n == 1, nil
}

// Get returns the record for key.
func (s *RecordStore) Get(ctx context.Context, key crawler.Key) (crawler.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE base_url = ? AND url = ?`, columns, s.table)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, key.BaseURL, key.URL))
	if errors.Is(err, sql.ErrNoRows) {
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
WHERE base_url = ? AND status = ?
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
WHERE base_url = ? AND status = 'queued' AND depth <= ?
  AND (? <= 0 OR attempts < ?)
ORDER BY depth, seq
LIMIT ?`, columns, s.table)
	return s.queryRecords(ctx, "select queued", query, baseURL, maxDepth, maxAttempts, maxAttempts, limit)
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
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(next), s.now().UnixMilli()}
	bind := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
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
	args = append(args, key.BaseURL, key.URL, string(expected))
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE base_url = ? AND url = ? AND status = ?`,
		s.table, strings.Join(sets, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, crawler.Unavailable("compare and set", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, crawler.Unavailable("compare and set", err)
	}
	return n == 1, nil
}

// CountByStatus returns per-status counts for baseURL.
func (s *RecordStore) CountByStatus(ctx context.Context, baseURL string) (map[crawler.Status]int, error) {
	query := fmt.Sprintf(`SELECT status, count(*) FROM %s WHERE base_url = ? GROUP BY status`, s.table)
	rows, err := s.db.QueryContext(ctx, query, baseURL)
	if err != nil {
		return nil, crawler.Unavailable("count records", err)
	}
	defer rows.Close()

	counts := store.EmptyCounts()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, crawler.Unavailable("scan count", err)
		}
		counts[crawler.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.Unavailable("count records", err)
	}
	return counts, nil
}

// BaseURLsWithStatus lists scopes with at least one record in status.
func (s *RecordStore) BaseURLsWithStatus(ctx context.Context, status crawler.Status) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT base_url FROM %s WHERE status = ? ORDER BY base_url`, s.table)
	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, crawler.Unavailable("list base urls", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var base string
		if err := rows.Scan(&base); err != nil {
			return nil, crawler.Unavailable("scan base url", err)
		}
		out = append(out, base)
	}
	if err := rows.Err(); err != nil {
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
		source    sql.NullString
		title     sql.NullString
		links     sql.NullString
		status    string
		lastError sql.NullString
		updatedMs int64
	)
	err := row.Scan(
		&rec.Seq,
		&rec.BaseURL,
		&rec.URL,
		&source,
		&rec.Depth,
		&title,
		&links,
		&rec.Topic,
		&status,
		&rec.Attempts,
		&lastError,
		&updatedMs,
	)
	if err != nil {
		return crawler.Record{}, err
	}
	rec.SourceURL = source.String
	rec.LastError = lastError.String
	rec.Status = crawler.Status(status)
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if title.Valid {
		t := title.String
		rec.Title = &t
	}
	if links.Valid {
		if err := json.Unmarshal([]byte(links.String), &rec.LinksToTexts); err != nil {
			return crawler.Record{}, fmt.Errorf("decode links_to_texts: %w", err)
		}
	}
	return rec, nil
}

func (s *RecordStore) queryRecords(ctx context.Context, op, query string, args ...any) ([]crawler.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	return string(raw), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
