package repository

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/entity"
)

type ReceiptItemRepository interface {
	// ReplaceItems deletes every stored item for the artifact and inserts the
	// given set in one transaction, so the persisted rows always match the
	// latest recognition pass exactly.
	ReplaceItems(ctx context.Context, artifactKey string, items []entity.EnrichedItem) error
	ListByArtifact(ctx context.Context, artifactKey string) ([]entity.EnrichedItem, error)
}

type receiptItemRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewReceiptItemRepository(pool *pgxpool.Pool, logger *slog.Logger) ReceiptItemRepository {
	return &receiptItemRepo{pool: pool, logger: logger}
}

func (r *receiptItemRepo) ReplaceItems(ctx context.Context, artifactKey string, items []entity.EnrichedItem) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return common.WrapError(err, "begin replace items")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM receipt_items WHERE artifact_key = $1`, artifactKey); err != nil {
		r.logger.Error("failed to delete prior items", "artifact_key", artifactKey, "error", err)
		return common.WrapError(err, "delete items")
	}

	batch := &pgx.Batch{}
	for i, it := range items {
		batch.Queue(`
			INSERT INTO receipt_items
				(artifact_key, position, name, quantity, price, external_id, thumbnail_url, match_score)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			artifactKey, i, it.Name, it.Quantity, it.Price, it.ExternalID, it.ThumbnailURL, it.MatchScore)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			r.logger.Error("failed to insert items", "artifact_key", artifactKey, "error", err)
			return common.WrapError(err, "insert items")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return common.WrapError(err, "commit replace items")
	}
	return nil
}

func (r *receiptItemRepo) ListByArtifact(ctx context.Context, artifactKey string) ([]entity.EnrichedItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, quantity, price, external_id, thumbnail_url, match_score
		FROM receipt_items WHERE artifact_key = $1 ORDER BY position`, artifactKey)
	if err != nil {
		r.logger.Error("failed to list items", "artifact_key", artifactKey, "error", err)
		return nil, common.WrapError(err, "list items")
	}
	defer rows.Close()

	var out []entity.EnrichedItem
	for rows.Next() {
		var it entity.EnrichedItem
		if err := rows.Scan(&it.Name, &it.Quantity, &it.Price, &it.ExternalID, &it.ThumbnailURL, &it.MatchScore); err != nil {
			return nil, common.WrapError(err, "scan item")
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
