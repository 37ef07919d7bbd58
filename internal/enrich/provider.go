package enrich

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/entity"
)

// Provider looks up auxiliary metadata for a normalized item key. A provider
// returns common.ErrNotFound for unknown keys; the stage then falls back to
// the default enrichment.
type Provider interface {
	Lookup(ctx context.Context, key string) (entity.Enrichment, error)
}

// defaultMatchScore is a placeholder until a real matching provider computes
// an actual score.
const defaultMatchScore = 0.9

// DefaultEnrichment is what a cache miss produces when no provider knows the
// key.
func DefaultEnrichment() entity.Enrichment {
	return entity.Enrichment{MatchScore: defaultMatchScore}
}

// NopProvider knows nothing; every lookup falls through to the default.
type NopProvider struct{}

func (NopProvider) Lookup(context.Context, string) (entity.Enrichment, error) {
	return entity.Enrichment{}, common.ErrNotFound
}

// SQLiteCatalog resolves item keys against a local product catalog database.
type SQLiteCatalog struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteCatalog(path string, logger *slog.Logger) (*SQLiteCatalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	return &SQLiteCatalog{db: db, logger: logger}, nil
}

// EnsureSchema creates the catalog table when missing, so an empty database
// file is a valid (if unhelpful) catalog.
func (c *SQLiteCatalog) EnsureSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS catalog_items (
			lookup_key    TEXT PRIMARY KEY,
			external_id   TEXT NOT NULL,
			thumbnail_url TEXT NOT NULL DEFAULT '',
			match_score   REAL NOT NULL DEFAULT 0
		)`)
	return err
}

// Insert adds or replaces one catalog entry. Seeding and admin tooling use
// this; the pipeline itself only reads.
func (c *SQLiteCatalog) Insert(ctx context.Context, key, externalID, thumbnailURL string, matchScore float64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO catalog_items (lookup_key, external_id, thumbnail_url, match_score)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(lookup_key) DO UPDATE SET
			external_id = excluded.external_id,
			thumbnail_url = excluded.thumbnail_url,
			match_score = excluded.match_score`,
		key, externalID, thumbnailURL, matchScore)
	return err
}

func (c *SQLiteCatalog) Lookup(ctx context.Context, key string) (entity.Enrichment, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT external_id, thumbnail_url, match_score
		FROM catalog_items WHERE lookup_key = ?`, key)

	var e entity.Enrichment
	if err := row.Scan(&e.ExternalID, &e.ThumbnailURL, &e.MatchScore); err != nil {
		if err == sql.ErrNoRows {
			return entity.Enrichment{}, common.ErrNotFound
		}
		c.logger.Error("catalog lookup failed", "key", key, "error", err)
		return entity.Enrichment{}, common.WrapError(err, "catalog lookup")
	}
	return e, nil
}

func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}
