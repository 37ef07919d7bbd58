package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/receiptwise/pipeline/internal/repository"
)

// Service produces XLSX bytes for an artifact's enriched item set.
type Service struct {
	items  repository.ReceiptItemRepository
	media  repository.MediaObjectRepository
	logger *slog.Logger
}

func NewService(items repository.ReceiptItemRepository, media repository.MediaObjectRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{items: items, media: media, logger: logger}
}

// ItemsXLSX returns a workbook with one row per enriched item.
func (s *Service) ItemsXLSX(ctx context.Context, artifactKey string) ([]byte, error) {
	start := time.Now()

	media, err := s.media.GetByKey(ctx, artifactKey)
	if err != nil {
		return nil, fmt.Errorf("load media object: %w", err)
	}
	items, err := s.items.ListByArtifact(ctx, artifactKey)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Items"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Name", "Quantity", "Price", "External ID", "Thumbnail", "Match Score"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	for r, it := range items {
		values := []any{it.Name, it.Quantity, it.Price, it.ExternalID, it.ThumbnailURL, it.MatchScore}
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, fmt.Errorf("write row %d: %w", r, err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}

	s.logger.Info("exported items",
		"artifact_key", artifactKey,
		"store", media.StoreName,
		"rows", len(items),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}
