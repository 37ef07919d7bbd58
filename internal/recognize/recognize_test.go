package recognize_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/receiptwise/pipeline/constants"
	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/entity"
	"github.com/receiptwise/pipeline/internal/metrics"
	"github.com/receiptwise/pipeline/internal/recognize"
	"github.com/receiptwise/pipeline/internal/testutil"
)

const artifactKey = "user-1/deadbeef_1600.webp"

type stageFixture struct {
	stage *recognize.Stage
	blob  *testutil.MemoryBlobStore
	media *testutil.MemoryMediaRepo
}

func newStageFixture(t *testing.T, local, external recognize.Engine, cfg recognize.Config) *stageFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := testutil.NewMemoryBlobStore()
	require.NoError(t, store.PutIfAbsent(context.Background(), artifactKey, []byte("fake webp bytes"), "image/webp"))

	media := testutil.NewMemoryMediaRepo()
	require.NoError(t, media.Upsert(context.Background(), entity.MediaObject{
		ArtifactKey: artifactKey,
		OwnerID:     "user-1",
	}))

	pool, err := recognize.NewPool(1, func() (recognize.Engine, error) { return local, nil })
	require.NoError(t, err)

	stage := recognize.NewStage(
		store, media, pool, external,
		recognize.NewCache(rdb, time.Minute, nil),
		metrics.New(), cfg, nil,
	)
	return &stageFixture{stage: stage, blob: store, media: media}
}

func TestProcessPersistsOutcome(t *testing.T) {
	local := &testutil.FakeEngine{
		Text:       "マルエツ\n2025/03/14\nMilk x2 360円",
		Confidence: 0.92,
	}
	f := newStageFixture(t, local, nil, recognize.Config{ConfThreshold: 0.6})

	res, err := f.stage.Process(context.Background(), artifactKey, nil)
	require.NoError(t, err)
	assert.Equal(t, "マルエツ", res.Store)
	assert.Equal(t, "2025-03-14", res.Date)
	require.Len(t, res.Items, 1)
	assert.Equal(t, entity.ReceiptItem{Name: "Milk", Quantity: 2, Price: 360}, res.Items[0])

	row, err := f.media.GetByKey(context.Background(), artifactKey)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusOCRDone, row.Status)
	assert.Equal(t, "マルエツ", row.StoreName)
	assert.Equal(t, 0.92, row.AvgConfidence)
}

func TestProcessCacheHitSkipsEngines(t *testing.T) {
	local := &testutil.FakeEngine{Text: "Store\nMilk 360", Confidence: 0.9}
	f := newStageFixture(t, local, nil, recognize.Config{ConfThreshold: 0.6})

	_, err := f.stage.Process(context.Background(), artifactKey, nil)
	require.NoError(t, err)
	require.Equal(t, 1, local.Calls())

	_, err = f.stage.Process(context.Background(), artifactKey, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, local.Calls(), "second pass must be served from cache")
}

func TestFallbackReplacesOnlyHigherConfidence(t *testing.T) {
	tests := []struct {
		name         string
		fallbackConf float64
		wantText     string
	}{
		{"higher confidence wins", 0.85, "fallback text 900"},
		{"equal confidence keeps primary", 0.30, "primary text 100"},
		{"lower confidence keeps primary", 0.10, "primary text 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := &testutil.FakeEngine{Text: "primary text 100", Confidence: 0.30}
			external := &testutil.FakeEngine{Text: "fallback text 900", Confidence: tt.fallbackConf}
			f := newStageFixture(t, local, external, recognize.Config{
				ConfThreshold:    0.6,
				ExternalFallback: true,
			})

			res, err := f.stage.Process(context.Background(), artifactKey, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, res.RawText)
			assert.Equal(t, 1, local.Calls())
			assert.Equal(t, 1, external.Calls())
		})
	}
}

func TestFallbackErrorKeepsPrimaryResult(t *testing.T) {
	local := &testutil.FakeEngine{Text: "primary text 100", Confidence: 0.30}
	external := &testutil.FakeEngine{Err: errors.New("provider quota exceeded")}
	f := newStageFixture(t, local, external, recognize.Config{
		ConfThreshold:    0.6,
		ExternalFallback: true,
	})

	res, err := f.stage.Process(context.Background(), artifactKey, nil)
	require.NoError(t, err)
	assert.Equal(t, "primary text 100", res.RawText)
	assert.Equal(t, 0.30, res.AvgConfidence)
}

func TestNoFallbackWhenDisabled(t *testing.T) {
	local := &testutil.FakeEngine{Text: "primary text 100", Confidence: 0.30}
	external := &testutil.FakeEngine{Text: "fallback text 900", Confidence: 0.95}
	f := newStageFixture(t, local, external, recognize.Config{ConfThreshold: 0.6})

	res, err := f.stage.Process(context.Background(), artifactKey, nil)
	require.NoError(t, err)
	assert.Equal(t, "primary text 100", res.RawText)
	assert.Zero(t, external.Calls())
}

func TestExternalAsPrimaryFallsBackToLocalOnError(t *testing.T) {
	local := &testutil.FakeEngine{Text: "local text 100", Confidence: 0.88}
	external := &testutil.FakeEngine{Err: errors.New("provider unreachable")}
	f := newStageFixture(t, local, external, recognize.Config{
		ConfThreshold:     0.6,
		ExternalAsPrimary: true,
	})

	res, err := f.stage.Process(context.Background(), artifactKey, nil)
	require.NoError(t, err)
	assert.Equal(t, "local text 100", res.RawText)
	assert.Equal(t, 1, local.Calls())
	assert.Equal(t, 1, external.Calls())
}

func TestProcessMissingArtifact(t *testing.T) {
	local := &testutil.FakeEngine{Text: "irrelevant 1", Confidence: 1}
	f := newStageFixture(t, local, nil, recognize.Config{ConfThreshold: 0.6})

	_, err := f.stage.Process(context.Background(), "user-1/nope_1600.webp", nil)
	assert.Error(t, err)
	assert.Zero(t, local.Calls())
}

func TestProcessUnregisteredArtifact(t *testing.T) {
	local := &testutil.FakeEngine{Text: "Store\nMilk 360", Confidence: 0.9}
	f := newStageFixture(t, local, nil, recognize.Config{ConfThreshold: 0.6})

	// A stored object with no media row: persisting the outcome has nothing
	// to update and must say so instead of succeeding silently.
	orphanKey := "user-1/cafef00d_1600.webp"
	require.NoError(t, f.blob.PutIfAbsent(context.Background(), orphanKey, []byte("orphan bytes"), "image/webp"))

	_, err := f.stage.Process(context.Background(), orphanKey, nil)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
