package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/receiptwise/pipeline/internal/blob"
	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/entity"
	"github.com/receiptwise/pipeline/internal/repository"
)

// ProgressFunc reports a coarse named checkpoint to whoever runs the stage.
type ProgressFunc func(step string)

// Config bounds the enrichment cache.
type Config struct {
	CacheSize int
	CacheTTL  time.Duration
	SignedTTL time.Duration
}

// Stage attaches auxiliary metadata to recognized items and finalizes the
// media record.
type Stage struct {
	store    blob.Store
	media    repository.MediaObjectRepository
	items    repository.ReceiptItemRepository
	provider Provider
	cache    *expirable.LRU[string, entity.Enrichment]
	cfg      Config
	logger   *slog.Logger
}

func NewStage(
	store blob.Store,
	media repository.MediaObjectRepository,
	items repository.ReceiptItemRepository,
	provider Provider,
	cfg Config,
	logger *slog.Logger,
) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = NopProvider{}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.SignedTTL <= 0 {
		cfg.SignedTTL = 15 * time.Minute
	}
	return &Stage{
		store:    store,
		media:    media,
		items:    items,
		provider: provider,
		cache:    expirable.NewLRU[string, entity.Enrichment](cfg.CacheSize, nil, cfg.CacheTTL),
		cfg:      cfg,
		logger:   logger,
	}
}

// Process enriches the item set for one artifact, replaces the persisted
// rows, marks the record matched, and returns the final payload with a fresh
// signed URL.
func (s *Stage) Process(ctx context.Context, artifactKey string, items []entity.ReceiptItem, progress ProgressFunc) (*entity.EnrichResult, error) {
	if progress == nil {
		progress = func(string) {}
	}

	progress("lookup")
	enriched := make([]entity.EnrichedItem, 0, len(items))
	for _, it := range items {
		enriched = append(enriched, entity.EnrichedItem{
			ReceiptItem: it,
			Enrichment:  s.enrichOne(ctx, it.Name),
		})
	}

	// Delete-then-insert runs inside one transaction, so reprocessing can
	// never leave stale rows from a prior pass behind.
	progress("persist")
	if err := s.items.ReplaceItems(ctx, artifactKey, enriched); err != nil {
		return nil, err
	}
	if err := s.media.MarkMatched(ctx, artifactKey); err != nil {
		return nil, err
	}

	progress("sign")
	url, err := s.store.SignedURL(ctx, artifactKey, s.cfg.SignedTTL)
	if err != nil {
		return nil, fmt.Errorf("sign artifact url: %w", err)
	}

	s.logger.Info("enriched artifact", "artifact_key", artifactKey, "items", len(enriched))
	return &entity.EnrichResult{
		ArtifactKey: artifactKey,
		Items:       enriched,
		SignedURL:   url,
	}, nil
}

// enrichOne resolves one item name through the cache, then the provider,
// then the default enrichment. Provider errors other than not-found degrade
// to the default rather than failing the job.
func (s *Stage) enrichOne(ctx context.Context, name string) entity.Enrichment {
	key := NormalizeKey(name)
	if key == "" {
		return DefaultEnrichment()
	}

	if e, ok := s.cache.Get(key); ok {
		return e
	}

	e, err := s.provider.Lookup(ctx, key)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			// Transient failure: degrade for this item but leave the cache
			// alone so the real entry is found once the provider recovers.
			s.logger.Warn("lookup provider failed, using default enrichment", "key", key, "error", err)
			return DefaultEnrichment()
		}
		e = DefaultEnrichment()
	}
	s.cache.Add(key, e)
	return e
}
