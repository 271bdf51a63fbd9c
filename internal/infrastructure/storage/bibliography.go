package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
)

const (
	recordsTable = "evidence_records"
	// fixed width so added_at sorts lexically
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

var recordColumns = []string{
	"key", "paper_id", "source", "title", "authors", "year", "abstract",
	"url", "pdf_url", "relevance", "utility", "status", "stale", "added_at",
}

// ErrRecordNotFound is returned by Update for unknown keys.
var ErrRecordNotFound = errors.New("bibliography record not found")

// Bibliography persists evidence records in SQL. Reads run concurrently;
// writes are serialized so key minting cannot race.
type Bibliography struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	mu      sync.Mutex
	now     func() time.Time
}

var _ ports.Bibliography = (*Bibliography)(nil)

// Open connects to driver ("sqlite" or "postgres") and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*Bibliography, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s bibliography: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	b, err := NewBibliography(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewBibliography wires an open sql.DB and ensures the schema exists.
func NewBibliography(ctx context.Context, db *sql.DB, driver string) (*Bibliography, error) {
	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}
	b := &Bibliography{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
		now:     time.Now,
	}
	if err := b.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize bibliography schema: %w", err)
	}
	return b, nil
}

// Close closes the database connection.
func (b *Bibliography) Close() error {
	return b.db.Close()
}

func (b *Bibliography) initSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS evidence_records (
		key TEXT PRIMARY KEY,
		paper_id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		authors TEXT NOT NULL DEFAULT '[]',
		year INTEGER NOT NULL DEFAULT 0,
		abstract TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		pdf_url TEXT NOT NULL DEFAULT '',
		relevance DOUBLE PRECISION NOT NULL DEFAULT 0,
		utility DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		stale BOOLEAN NOT NULL DEFAULT FALSE,
		added_at TEXT NOT NULL
	)`)
	return err
}

// Lookup returns the record for key.
func (b *Bibliography) Lookup(ctx context.Context, key string) (domain.EvidenceRecord, bool, error) {
	return b.selectOne(ctx, sq.Eq{"key": key})
}

// Add stores record unless its paper is already present, in which case the
// existing record is returned. Colliding keys get a numeric suffix.
func (b *Bibliography) Add(ctx context.Context, record domain.EvidenceRecord) (domain.EvidenceRecord, error) {
	if record.PaperID == "" {
		return domain.EvidenceRecord{}, errors.New("evidence record needs a paper id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok, err := b.selectOne(ctx, sq.Eq{"paper_id": record.PaperID})
	if err != nil {
		return domain.EvidenceRecord{}, err
	}
	if ok {
		return existing, nil
	}

	base := record.Key
	if base == "" {
		base = citation.MintKey(record.Title, record.Authors, record.Year)
	}
	key := base
	for n := 2; ; n++ {
		_, taken, err := b.Lookup(ctx, key)
		if err != nil {
			return domain.EvidenceRecord{}, err
		}
		if !taken {
			break
		}
		key = fmt.Sprintf("%s_%d", base, n)
	}
	record.Key = key
	if record.Status == "" {
		record.Status = domain.StatusMetadataOnly
	}
	if record.AddedAt.IsZero() {
		record.AddedAt = b.now().UTC()
	}

	values, err := recordValues(record)
	if err != nil {
		return domain.EvidenceRecord{}, err
	}
	query, args, err := b.builder.Insert(recordsTable).Columns(recordColumns...).Values(values...).ToSql()
	if err != nil {
		return domain.EvidenceRecord{}, fmt.Errorf("build insert: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return domain.EvidenceRecord{}, fmt.Errorf("insert %s: %w", record.Key, err)
	}
	return record, nil
}

// AllKeys lists every key, stale ones included.
func (b *Bibliography) AllKeys(ctx context.Context) ([]string, error) {
	query, args, err := b.builder.Select("key").From(recordsTable).OrderBy("added_at", "key").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Snapshot returns every record in insertion order.
func (b *Bibliography) Snapshot(ctx context.Context) ([]domain.EvidenceRecord, error) {
	return b.selectMany(ctx, nil)
}

// Update rewrites the mutable fields of an existing record.
func (b *Bibliography) Update(ctx context.Context, record domain.EvidenceRecord) error {
	authors, err := json.Marshal(record.Authors)
	if err != nil {
		return fmt.Errorf("encode authors: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exec(ctx, b.builder.Update(recordsTable).SetMap(map[string]any{
		"title":     record.Title,
		"authors":   string(authors),
		"year":      record.Year,
		"abstract":  record.Abstract,
		"url":       record.URL,
		"pdf_url":   record.PDFURL,
		"relevance": record.Relevance,
		"utility":   record.Utility,
		"status":    string(record.Status),
		"stale":     record.Stale,
	}).Where(sq.Eq{"key": record.Key}), record.Key)
}

// MarkStale flags a record whose source disappeared. Records are never deleted.
func (b *Bibliography) MarkStale(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exec(ctx, b.builder.Update(recordsTable).Set("stale", true).Where(sq.Eq{"key": key}), key)
}

func (b *Bibliography) exec(ctx context.Context, stmt sq.UpdateBuilder, key string) error {
	query, args, err := stmt.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}
	return nil
}

func (b *Bibliography) selectOne(ctx context.Context, where sq.Eq) (domain.EvidenceRecord, bool, error) {
	records, err := b.selectMany(ctx, where)
	if err != nil || len(records) == 0 {
		return domain.EvidenceRecord{}, false, err
	}
	return records[0], true, nil
}

func (b *Bibliography) selectMany(ctx context.Context, where sq.Sqlizer) ([]domain.EvidenceRecord, error) {
	stmt := b.builder.Select(recordColumns...).From(recordsTable).OrderBy("added_at", "key")
	if where != nil {
		stmt = stmt.Where(where)
	}
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []domain.EvidenceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func recordValues(r domain.EvidenceRecord) ([]any, error) {
	authors, err := json.Marshal(r.Authors)
	if err != nil {
		return nil, fmt.Errorf("encode authors: %w", err)
	}
	if r.Authors == nil {
		authors = []byte("[]")
	}
	return []any{
		r.Key, r.PaperID, r.Source, r.Title, string(authors), r.Year, r.Abstract,
		r.URL, r.PDFURL, r.Relevance, r.Utility, string(r.Status), r.Stale,
		r.AddedAt.UTC().Format(timeLayout),
	}, nil
}

func scanRecord(rows *sql.Rows) (domain.EvidenceRecord, error) {
	var (
		r       domain.EvidenceRecord
		authors string
		status  string
		addedAt string
	)
	if err := rows.Scan(&r.Key, &r.PaperID, &r.Source, &r.Title, &authors, &r.Year, &r.Abstract,
		&r.URL, &r.PDFURL, &r.Relevance, &r.Utility, &status, &r.Stale, &addedAt); err != nil {
		return domain.EvidenceRecord{}, fmt.Errorf("scan record: %w", err)
	}
	if err := json.Unmarshal([]byte(authors), &r.Authors); err != nil {
		return domain.EvidenceRecord{}, fmt.Errorf("decode authors of %s: %w", r.Key, err)
	}
	r.Status = domain.AcquisitionStatus(status)
	if t, err := time.Parse(timeLayout, addedAt); err == nil {
		r.AddedAt = t
	}
	return r, nil
}
