package recognize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/receiptwise/pipeline/internal/entity"
)

// Cache memoizes OCR results keyed by a fast hash of the image bytes. It
// defends against duplicate jobs caused by upstream retries: a hit skips
// recognition entirely. Entries are independently settable; a racing write
// of the same key stores the same content.
type Cache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewCache(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(img []byte) string {
	return fmt.Sprintf("ocr:cache:%016x", xxhash.Sum64(img))
}

func (c *Cache) Get(ctx context.Context, img []byte) (*entity.OCRResult, bool) {
	raw, err := c.rdb.Get(ctx, cacheKey(img)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("ocr cache read failed", "error", err)
		}
		return nil, false
	}
	var res entity.OCRResult
	if err := msgpack.Unmarshal(raw, &res); err != nil {
		c.logger.Warn("ocr cache entry corrupt, ignoring", "error", err)
		return nil, false
	}
	return &res, true
}

func (c *Cache) Set(ctx context.Context, img []byte, res *entity.OCRResult) {
	raw, err := msgpack.Marshal(res)
	if err != nil {
		c.logger.Warn("ocr cache marshal failed", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(img), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("ocr cache write failed", "error", err)
	}
}
