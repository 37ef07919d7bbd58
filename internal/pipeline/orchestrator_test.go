package pipeline_test

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/receiptwise/pipeline/constants"
	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/enrich"
	"github.com/receiptwise/pipeline/internal/metrics"
	"github.com/receiptwise/pipeline/internal/pipeline"
	"github.com/receiptwise/pipeline/internal/preprocess"
	"github.com/receiptwise/pipeline/internal/queue"
	"github.com/receiptwise/pipeline/internal/recognize"
	"github.com/receiptwise/pipeline/internal/testutil"
)

type pipelineFixture struct {
	orch  *pipeline.Orchestrator
	media *testutil.MemoryMediaRepo
	items *testutil.MemoryItemRepo
	store *testutil.MemoryBlobStore
}

// newPipelineFixture wires all three real stages over in-memory dependencies
// and starts their workers.
func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := testutil.NewMemoryBlobStore()
	media := testutil.NewMemoryMediaRepo()
	items := testutil.NewMemoryItemRepo()
	m := metrics.New()

	engine := &testutil.FakeEngine{
		Text:       "マルエツ\n2025/03/14\nMilk x2 360円\nBread 158円\n",
		Confidence: 0.9,
	}
	pool, err := recognize.NewPool(1, func() (recognize.Engine, error) { return engine, nil })
	require.NoError(t, err)
	cache := recognize.NewCache(rdb, time.Minute, nil)

	pre := preprocess.NewStage(store, media, nil)
	rec := recognize.NewStage(store, media, pool, nil, cache, m, recognize.Config{}, nil)
	enr := enrich.NewStage(store, media, items, nil, enrich.Config{}, nil)

	cfg := common.QueueConfig{
		IngestTimeout: 5 * time.Second,
		OCRTimeout:    5 * time.Second,
		EnrichTimeout: 5 * time.Second,
		MaxAttempts:   1,
		BackoffBase:   time.Millisecond,
		RecordTTL:     time.Minute,
		IngestWorkers: 1,
		OCRWorkers:    1,
		EnrichWorkers: 1,
	}
	orch := pipeline.NewOrchestrator(rdb, nil, m, cfg, pre, rec, enr)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, orch.Start(ctx))
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		orch.Shutdown(sctx)
	})

	return &pipelineFixture{orch: orch, media: media, items: items, store: store}
}

// spoolTestPNG renders a small deterministic image into a temp file, standing
// in for an accepted upload.
func spoolTestPNG(t *testing.T, seed uint8) string {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x*3) + seed, G: uint8(y * 4), B: seed, A: 255})
		}
	}

	path := filepath.Join(t.TempDir(), fmt.Sprintf("upload-%d.png", seed))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestPipelineProcessesUploadEndToEnd(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()

	path := spoolTestPNG(t, 7)
	id, err := fx.orch.SubmitUpload(ctx, "user-1", path)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var artifactKey string
	require.Eventually(t, func() bool {
		for _, key := range fx.media.Keys() {
			row, err := fx.media.GetByKey(ctx, key)
			if err == nil && row.Status == constants.StatusMatched {
				artifactKey = key
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond, "the upload must reach the matched status")

	row, err := fx.media.GetByKey(ctx, artifactKey)
	require.NoError(t, err)
	assert.Equal(t, "マルエツ", row.StoreName)
	assert.InDelta(t, 0.9, row.AvgConfidence, 0.001)

	persisted, err := fx.items.ListByArtifact(ctx, artifactKey)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "Milk", persisted[0].Name)
	assert.Equal(t, 2, persisted[0].Quantity)

	// The spooled upload is deleted once the ingest stage is done with it.
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond, "the spooled upload must be removed after ingest")

	st, err := fx.orch.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(queue.StateCompleted), st.State)
	assert.Equal(t, constants.StageIngest, st.Stage)
}

func TestIngestTerminalFailureRemovesSpool(t *testing.T) {
	fx := newPipelineFixture(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "garbage.png")
	require.NoError(t, os.WriteFile(path, []byte("not an image at all"), 0o600))

	id, err := fx.orch.SubmitUpload(ctx, "user-1", path)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := fx.orch.JobStatus(ctx, id)
		return err == nil && st.State == string(queue.StateFailed)
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond, "a terminally failed upload must not leak its spool file")

	assert.Equal(t, 0, fx.media.Count())
}
