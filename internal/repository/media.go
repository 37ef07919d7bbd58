package repository

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/receiptwise/pipeline/constants"
	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/entity"
)

type MediaObjectRepository interface {
	// Upsert registers a freshly preprocessed artifact. Conflicts on the
	// artifact key are resolved by overwrite: same content, same hash, same row.
	Upsert(ctx context.Context, m entity.MediaObject) error
	GetByKey(ctx context.Context, artifactKey string) (*entity.MediaObject, error)
	// FinishOCR persists the recognition outcome and advances the status to
	// ocr_done. The status never regresses from a later stage.
	FinishOCR(ctx context.Context, artifactKey string, out entity.OCROutcome) error
	// MarkMatched advances the status to its terminal value.
	MarkMatched(ctx context.Context, artifactKey string) error
}

type mediaObjectRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewMediaObjectRepository(pool *pgxpool.Pool, logger *slog.Logger) MediaObjectRepository {
	return &mediaObjectRepo{pool: pool, logger: logger}
}

func (r *mediaObjectRepo) Upsert(ctx context.Context, m entity.MediaObject) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO media_objects
			(artifact_key, owner_id, perceptual_hash, width, height, byte_size, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (artifact_key) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			perceptual_hash = EXCLUDED.perceptual_hash,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			byte_size = EXCLUDED.byte_size,
			updated_at = now()`,
		m.ArtifactKey, m.OwnerID, m.PerceptualHash, m.Width, m.Height, m.ByteSize, string(constants.StatusPreprocessed),
	)
	if err != nil {
		r.logger.Error("failed to upsert media object", "artifact_key", m.ArtifactKey, "error", err)
		return common.WrapError(err, "upsert media object")
	}
	return nil
}

func (r *mediaObjectRepo) GetByKey(ctx context.Context, artifactKey string) (*entity.MediaObject, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT artifact_key, owner_id, perceptual_hash, width, height, byte_size,
		       status, avg_confidence, store_name, purchased_at, raw_text, created_at, updated_at
		FROM media_objects WHERE artifact_key = $1`, artifactKey)

	var m entity.MediaObject
	var status string
	err := row.Scan(&m.ArtifactKey, &m.OwnerID, &m.PerceptualHash, &m.Width, &m.Height, &m.ByteSize,
		&status, &m.AvgConfidence, &m.StoreName, &m.PurchasedAt, &m.RawText, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, common.ErrNotFound
		}
		r.logger.Error("failed to get media object", "artifact_key", artifactKey, "error", err)
		return nil, common.WrapError(err, "get media object")
	}
	m.Status = constants.MediaStatus(status)
	return &m, nil
}

func (r *mediaObjectRepo) FinishOCR(ctx context.Context, artifactKey string, out entity.OCROutcome) error {
	// The status guard keeps the state machine forward-only: a duplicate OCR
	// job on an already matched artifact updates the outcome columns but
	// cannot pull the row back to ocr_done.
	tag, err := r.pool.Exec(ctx, `
		UPDATE media_objects SET
			avg_confidence = $2,
			store_name = $3,
			purchased_at = $4,
			raw_text = $5,
			status = CASE WHEN status = $6 THEN status ELSE $7 END,
			updated_at = now()
		WHERE artifact_key = $1`,
		artifactKey, out.AvgConfidence, out.StoreName, out.PurchasedAt, out.RawText,
		string(constants.StatusMatched), string(constants.StatusOCRDone),
	)
	if err != nil {
		r.logger.Error("failed to persist ocr outcome", "artifact_key", artifactKey, "error", err)
		return common.WrapError(err, "finish ocr")
	}
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *mediaObjectRepo) MarkMatched(ctx context.Context, artifactKey string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE media_objects SET status = $2, updated_at = now()
		WHERE artifact_key = $1`,
		artifactKey, string(constants.StatusMatched),
	)
	if err != nil {
		r.logger.Error("failed to mark media object matched", "artifact_key", artifactKey, "error", err)
		return common.WrapError(err, "mark matched")
	}
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}
