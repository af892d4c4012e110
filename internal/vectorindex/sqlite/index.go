// Package sqlite stores vector collections in a single SQLite file using the
// pure-Go modernc driver. Queries scan the collection and rank in memory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/toolgate/internal/vectorindex"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Config contains configuration for the sqlite index.
type Config struct {
	// Path is the database file. Empty means an in-memory database.
	Path string
	// Metric is the distance metric used by Query.
	Metric vectorindex.Metric
	// BatchSize bounds the number of IDs bound into one statement.
	BatchSize int
}

// Index implements vectorindex.Index on SQLite.
type Index struct {
	db        *sql.DB
	metric    vectorindex.Metric
	batchSize int
}

var (
	_ vectorindex.Index    = (*Index)(nil)
	_ vectorindex.Replacer = (*Index)(nil)
)

// New opens (creating if needed) the database at cfg.Path.
func New(cfg Config) (*Index, error) {
	metric, err := vectorindex.ParseMetric(string(cfg.Metric))
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	dsn := ":memory:"
	if cfg.Path != "" && cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create index directory: %w", err)
			}
		}
		dsn = "file:" + cfg.Path
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers from every session and keeps
	// in-memory databases alive across calls.
	db.SetMaxOpenConns(1)

	idx := &Index{db: db, metric: metric, batchSize: cfg.BatchSize}
	if err := idx.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) init(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
			id TEXT NOT NULL,
			document TEXT NOT NULL,
			metadata TEXT,
			embedding BLOB NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := x.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Collection returns the named collection, creating it when missing.
func (x *Index) Collection(ctx context.Context, name string) (vectorindex.Collection, error) {
	if err := vectorindex.ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := x.db.ExecContext(ctx, `INSERT OR IGNORE INTO collections (name) VALUES (?)`, name); err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return &collection{index: x, name: name}, nil
}

// DeleteCollection removes the collection and its records.
func (x *Index) DeleteCollection(ctx context.Context, name string) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, name); err != nil {
		return fmt.Errorf("delete records of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	return tx.Commit()
}

// Collections lists the collection names.
func (x *Index) Collections(ctx context.Context) ([]string, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ReplaceCollection swaps the collection contents for records in one transaction.
func (x *Index) ReplaceCollection(ctx context.Context, name string, records []vectorindex.Record) error {
	if err := vectorindex.ValidateName(name); err != nil {
		return err
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO collections (name) VALUES (?)`, name); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, name); err != nil {
		return fmt.Errorf("clear collection %s: %w", name, err)
	}
	if err := upsertTx(ctx, tx, name, records); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases resources.
func (x *Index) Close() error {
	return x.db.Close()
}

type collection struct {
	index *Index
	name  string
}

func (c *collection) Name() string { return c.name }

func (c *collection) Upsert(ctx context.Context, records []vectorindex.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := c.index.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if err := upsertTx(ctx, tx, c.name, records); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *collection) Get(ctx context.Context, ids []string) ([]vectorindex.Record, error) {
	found := make(map[string]vectorindex.Record, len(ids))
	for _, batch := range vectorindex.Batches(ids, c.index.batchSize) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, 0, len(batch)+1)
		args = append(args, c.name)
		for _, id := range batch {
			args = append(args, id)
		}

		rows, err := c.index.db.QueryContext(ctx,
			`SELECT id, document, metadata, embedding FROM records WHERE collection = ? AND id IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("get from %s: %w", c.name, err)
		}
		records, err := scanRecords(rows)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			found[rec.ID] = rec
		}
	}

	out := make([]vectorindex.Record, 0, len(found))
	for _, id := range ids {
		if rec, ok := found[id]; ok {
			out = append(out, rec)
			delete(found, id)
		}
	}
	return out, nil
}

func (c *collection) Query(ctx context.Context, vec []float32, k int) ([]vectorindex.Match, error) {
	rows, err := c.index.db.QueryContext(ctx,
		`SELECT id, document, metadata, embedding FROM records WHERE collection = ? ORDER BY id`, c.name)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.name, err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return vectorindex.Nearest(c.index.metric, vec, records, k)
}

func (c *collection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.index.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, c.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}

func upsertTx(ctx context.Context, tx *sql.Tx, name string, records []vectorindex.Record) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO collections (name) VALUES (?)`, name); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO records (collection, id, document, metadata, embedding)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("record in %s has no id", name)
		}
		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, name, rec.ID, rec.Document, string(metadata), encodeEmbedding(rec.Embedding)); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", rec.ID, err)
		}
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]vectorindex.Record, error) {
	defer rows.Close()

	var out []vectorindex.Record
	for rows.Next() {
		var (
			rec      vectorindex.Record
			metadata sql.NullString
			blob     []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Document, &metadata, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if metadata.Valid && metadata.String != "" && metadata.String != "null" {
			if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		rec.Embedding = decodeEmbedding(blob)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// rollback is deferred after BeginTx; after Commit it is a no-op.
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

// encodeEmbedding packs float32s little-endian, 4 bytes each.
func encodeEmbedding(embedding []float32) []byte {
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}
