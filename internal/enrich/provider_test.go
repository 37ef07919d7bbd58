package enrich_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/enrich"
)

func TestSQLiteCatalogLookup(t *testing.T) {
	ctx := context.Background()
	catalog, err := enrich.NewSQLiteCatalog(filepath.Join(t.TempDir(), "catalog.db"), nil)
	require.NoError(t, err)
	defer catalog.Close()

	require.NoError(t, catalog.EnsureSchema(ctx))
	require.NoError(t, catalog.Insert(ctx, "milk 1l", "sku-42", "https://cdn.test/sku-42.jpg", 0.97))

	e, err := catalog.Lookup(ctx, "milk 1l")
	require.NoError(t, err)
	assert.Equal(t, "sku-42", e.ExternalID)
	assert.Equal(t, "https://cdn.test/sku-42.jpg", e.ThumbnailURL)
	assert.Equal(t, 0.97, e.MatchScore)

	_, err = catalog.Lookup(ctx, "unknown key")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSQLiteCatalogEnsureSchemaIdempotent(t *testing.T) {
	ctx := context.Background()
	catalog, err := enrich.NewSQLiteCatalog(filepath.Join(t.TempDir(), "catalog.db"), nil)
	require.NoError(t, err)
	defer catalog.Close()

	require.NoError(t, catalog.EnsureSchema(ctx))
	require.NoError(t, catalog.EnsureSchema(ctx))
}
