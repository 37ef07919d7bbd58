package blob

import (
	"context"
	"time"
)

// Store is the contract the pipeline expects from object storage.
// PutIfAbsent must return common.ErrAlreadyExists (wrapped) when the key is
// already present; callers treat that as success.
type Store interface {
	PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
