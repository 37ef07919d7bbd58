package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/receiptwise/pipeline/constants"
	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/entity"
	"github.com/receiptwise/pipeline/internal/repository"
)

// MemoryMediaRepo implements repository.MediaObjectRepository for testing.
type MemoryMediaRepo struct {
	mu   sync.RWMutex
	rows map[string]entity.MediaObject
}

func NewMemoryMediaRepo() *MemoryMediaRepo {
	return &MemoryMediaRepo{rows: make(map[string]entity.MediaObject)}
}

func (r *MemoryMediaRepo) Upsert(_ context.Context, m entity.MediaObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rows[m.ArtifactKey]; ok {
		// Same content implies same hash implies same row: overwrite fields
		// but never regress the status.
		m.Status = existing.Status
		m.CreatedAt = existing.CreatedAt
	} else {
		m.Status = constants.StatusPreprocessed
		m.CreatedAt = time.Now()
	}
	m.UpdatedAt = time.Now()
	r.rows[m.ArtifactKey] = m
	return nil
}

func (r *MemoryMediaRepo) GetByKey(_ context.Context, key string) (*entity.MediaObject, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rows[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &m, nil
}

func (r *MemoryMediaRepo) FinishOCR(_ context.Context, key string, out entity.OCROutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[key]
	if !ok {
		return common.ErrNotFound
	}
	m.AvgConfidence = out.AvgConfidence
	m.StoreName = out.StoreName
	m.PurchasedAt = out.PurchasedAt
	m.RawText = out.RawText
	if constants.CanAdvance(m.Status, constants.StatusOCRDone) {
		m.Status = constants.StatusOCRDone
	}
	m.UpdatedAt = time.Now()
	r.rows[key] = m
	return nil
}

func (r *MemoryMediaRepo) MarkMatched(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[key]
	if !ok {
		return common.ErrNotFound
	}
	m.Status = constants.StatusMatched
	m.UpdatedAt = time.Now()
	r.rows[key] = m
	return nil
}

// Keys returns the registered artifact keys.
func (r *MemoryMediaRepo) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.rows))
	for k := range r.rows {
		keys = append(keys, k)
	}
	return keys
}

// Count returns the number of media rows.
func (r *MemoryMediaRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

var _ repository.MediaObjectRepository = (*MemoryMediaRepo)(nil)

// MemoryItemRepo implements repository.ReceiptItemRepository for testing.
type MemoryItemRepo struct {
	mu    sync.RWMutex
	items map[string][]entity.EnrichedItem

	ReplaceErr error
}

func NewMemoryItemRepo() *MemoryItemRepo {
	return &MemoryItemRepo{items: make(map[string][]entity.EnrichedItem)}
}

func (r *MemoryItemRepo) ReplaceItems(_ context.Context, key string, items []entity.EnrichedItem) error {
	if r.ReplaceErr != nil {
		return r.ReplaceErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]entity.EnrichedItem, len(items))
	copy(cp, items)
	r.items[key] = cp
	return nil
}

func (r *MemoryItemRepo) ListByArtifact(_ context.Context, key string) ([]entity.EnrichedItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entity.EnrichedItem(nil), r.items[key]...), nil
}

var _ repository.ReceiptItemRepository = (*MemoryItemRepo)(nil)
