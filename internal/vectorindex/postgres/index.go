// Package postgres stores vector collections in PostgreSQL with the pgvector
// extension. Distances are computed by the database.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/vectorindex"
	pq "github.com/lib/pq" // PostgreSQL driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config contains configuration for the postgres index.
type Config struct {
	// DSN is the PostgreSQL connection string. If empty, DB must be provided.
	DSN string

	// DB is an existing connection to reuse. The index will not close it.
	DB *sql.DB

	Metric    vectorindex.Metric
	BatchSize int

	// RunMigrations applies the embedded schema migrations on startup.
	RunMigrations bool
}

// Index implements vectorindex.Index on pgvector.
type Index struct {
	db        *sql.DB
	ownsDB    bool
	metric    vectorindex.Metric
	batchSize int
}

var (
	_ vectorindex.Index    = (*Index)(nil)
	_ vectorindex.Replacer = (*Index)(nil)
)

// New connects to PostgreSQL and optionally migrates the schema.
func New(cfg Config) (*Index, error) {
	metric, err := vectorindex.ParseMetric(string(cfg.Metric))
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	var (
		db     *sql.DB
		ownsDB bool
	)
	switch {
	case cfg.DB != nil:
		db = cfg.DB
	case cfg.DSN != "":
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		ownsDB = true

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	default:
		return nil, fmt.Errorf("either DSN or DB must be provided")
	}

	idx := &Index{db: db, ownsDB: ownsDB, metric: metric, batchSize: cfg.BatchSize}
	if cfg.RunMigrations {
		if err := idx.runMigrations(context.Background()); err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return idx, nil
}

// Collection returns the named collection, creating it when missing.
func (x *Index) Collection(ctx context.Context, name string) (vectorindex.Collection, error) {
	if err := vectorindex.ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := x.db.ExecContext(ctx, `INSERT INTO toolgate_collections (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return &collection{index: x, name: name}, nil
}

// DeleteCollection removes the collection; records cascade.
func (x *Index) DeleteCollection(ctx context.Context, name string) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM toolgate_collections WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	return nil
}

// Collections lists the collection names.
func (x *Index) Collections(ctx context.Context) ([]string, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT name FROM toolgate_collections ORDER BY name`)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return names, nil
}

// ReplaceCollection swaps the collection contents in one transaction.
func (x *Index) ReplaceCollection(ctx context.Context, name string, records []vectorindex.Record) error {
	if err := vectorindex.ValidateName(name); err != nil {
		return err
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM toolgate_records WHERE collection = $1`, name); err != nil {
		return fmt.Errorf("clear collection %s: %w", name, err)
	}
	if err := upsertTx(ctx, tx, name, records); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases the connection when the index opened it.
func (x *Index) Close() error {
	if x.ownsDB && x.db != nil {
		return x.db.Close()
	}
	return nil
}

func (x *Index) distanceExpr() string {
	if x.metric == vectorindex.MetricCosine {
		return "embedding <=> $2::vector"
	}
	// pgvector's <-> is plain euclidean; square it to match the in-process metric.
	return "(embedding <-> $2::vector) ^ 2"
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
	defer func() { _ = tx.Rollback() }()

	if err := upsertTx(ctx, tx, c.name, records); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *collection) Get(ctx context.Context, ids []string) ([]vectorindex.Record, error) {
	found := make(map[string]vectorindex.Record, len(ids))
	for _, batch := range vectorindex.Batches(ids, c.index.batchSize) {
		rows, err := c.index.db.QueryContext(ctx, `
			SELECT id, document, metadata, embedding::text
			FROM toolgate_records
			WHERE collection = $1 AND id = ANY($2)
		`, c.name, pq.Array(batch))
		if err != nil {
			return nil, fmt.Errorf("get from %s: %w", c.name, err)
		}
		err = scanRows(rows, func(rec vectorindex.Record, _ float64) {
			found[rec.ID] = rec
		}, false)
		if err != nil {
			return nil, err
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
	if k <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, document, metadata, embedding::text, %s AS distance
		FROM toolgate_records
		WHERE collection = $1
		ORDER BY distance ASC, id ASC
		LIMIT $3
	`, c.index.distanceExpr())

	rows, err := c.index.db.QueryContext(ctx, query, c.name, encodeEmbedding(vec), k)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.name, err)
	}
	var matches []vectorindex.Match
	err = scanRows(rows, func(rec vectorindex.Record, distance float64) {
		matches = append(matches, vectorindex.Match{Record: rec, Distance: distance})
	}, true)
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (c *collection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.index.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM toolgate_records WHERE collection = $1`, c.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}

func upsertTx(ctx context.Context, tx *sql.Tx, name string, records []vectorindex.Record) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO toolgate_collections (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	if len(records) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO toolgate_records (collection, id, document, metadata, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5::vector, now())
		ON CONFLICT (collection, id) DO UPDATE SET
			document = EXCLUDED.document,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at
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
		if rec.Metadata == nil {
			metadata = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx, name, rec.ID, rec.Document, string(metadata), encodeEmbedding(rec.Embedding)); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", rec.ID, err)
		}
	}
	return nil
}

func scanRows(rows *sql.Rows, fn func(vectorindex.Record, float64), withDistance bool) error {
	defer rows.Close()

	for rows.Next() {
		var (
			rec       vectorindex.Record
			metadata  []byte
			embedding sql.NullString
			distance  float64
		)
		dest := []any{&rec.ID, &rec.Document, &metadata, &embedding}
		if withDistance {
			dest = append(dest, &distance)
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		if embedding.Valid {
			rec.Embedding = decodeEmbedding(embedding.String)
		}
		fn(rec, distance)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}

// encodeEmbedding renders pgvector's text format: [0.1,0.2,...]
func encodeEmbedding(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func decodeEmbedding(s string) []float32 {
	s = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "["), "]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	embedding := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		embedding[i] = float32(f)
	}
	return embedding
}

// Migration is one embedded schema migration.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

func (x *Index) runMigrations(ctx context.Context) error {
	_, err := x.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS toolgate_schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	applied, err := x.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.ID] {
			continue
		}
		if strings.TrimSpace(m.UpSQL) == "" {
			return fmt.Errorf("missing up migration for %s", m.ID)
		}
		if err := x.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) applyMigration(ctx context.Context, m Migration) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return fmt.Errorf("apply migration %s: %w", m.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO toolgate_schema_migrations (id) VALUES ($1)`, m.ID); err != nil {
		return fmt.Errorf("record migration %s: %w", m.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.ID, err)
	}
	return nil
}

func (x *Index) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT id FROM toolgate_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query toolgate_schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan toolgate_schema_migrations: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("toolgate_schema_migrations: %w", err)
	}
	return applied, nil
}

func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	entries := map[string]*Migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, "migrations/")
		var up bool
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			up = true
			base = strings.TrimSuffix(base, ".up.sql")
		case strings.HasSuffix(base, ".down.sql"):
			base = strings.TrimSuffix(base, ".down.sql")
		default:
			continue
		}
		entry := entries[base]
		if entry == nil {
			entry = &Migration{ID: base}
			entries[base] = entry
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		if up {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := make([]Migration, 0, len(ids))
	for _, id := range ids {
		migrations = append(migrations, *entries[id])
	}
	return migrations, nil
}
