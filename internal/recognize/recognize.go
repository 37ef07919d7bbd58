package recognize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/receiptwise/pipeline/internal/blob"
	"github.com/receiptwise/pipeline/internal/entity"
	"github.com/receiptwise/pipeline/internal/metrics"
	"github.com/receiptwise/pipeline/internal/repository"
)

// ProgressFunc reports a coarse named checkpoint to whoever runs the stage.
type ProgressFunc func(step string)

// Config is the operator-facing recognition policy.
type Config struct {
	ConfThreshold float64
	// ExternalAsPrimary runs the external provider before the local pool.
	ExternalAsPrimary bool
	// ExternalFallback retries a low-confidence pass on the engine that has
	// not run yet.
	ExternalFallback bool
}

// Stage extracts text and a structured item list from a stored image.
type Stage struct {
	store    blob.Store
	media    repository.MediaObjectRepository
	pool     *Pool
	external Engine // nil when the alternate provider is unconfigured
	cache    *Cache
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger
}

func NewStage(
	store blob.Store,
	media repository.MediaObjectRepository,
	pool *Pool,
	external Engine,
	cache *Cache,
	m *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfThreshold <= 0 {
		cfg.ConfThreshold = 0.6
	}
	return &Stage{
		store:    store,
		media:    media,
		pool:     pool,
		external: external,
		cache:    cache,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
	}
}

// Process recognizes one stored artifact and persists the outcome.
func (s *Stage) Process(ctx context.Context, artifactKey string, progress ProgressFunc) (*entity.OCRResult, error) {
	if progress == nil {
		progress = func(string) {}
	}

	progress("fetch")
	img, err := s.store.Get(ctx, artifactKey)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}

	var result *entity.OCRResult
	if cached, ok := s.cache.Get(ctx, img); ok {
		s.logger.Info("ocr cache hit", "artifact_key", artifactKey)
		result = cached
	} else {
		progress("recognize")
		eng, err := s.runEngines(ctx, img)
		if err != nil {
			return nil, err
		}
		parsed := ParseReceipt(eng.Text, eng.Confidence)
		result = &parsed
		s.cache.Set(ctx, img, result)
	}

	progress("persist")
	out := entity.OCROutcome{
		AvgConfidence: result.AvgConfidence,
		StoreName:     result.Store,
		PurchasedAt:   result.Date,
		RawText:       result.RawText,
	}
	if err := s.media.FinishOCR(ctx, artifactKey, out); err != nil {
		return nil, err
	}

	s.logger.Info("recognized artifact",
		"artifact_key", artifactKey,
		"confidence", result.AvgConfidence,
		"items", len(result.Items),
	)
	return result, nil
}

// runEngines applies the engine selection policy: primary first, then — on a
// low-confidence result with fallback enabled — the engine that has not run
// yet. The fallback result only replaces the primary's when its confidence is
// strictly higher, and a fallback error never fails the job.
func (s *Stage) runEngines(ctx context.Context, img []byte) (EngineResult, error) {
	var res EngineResult
	var ranLocal, ranExternal bool

	if s.cfg.ExternalAsPrimary && s.external != nil {
		ranExternal = true
		r, err := s.external.Recognize(ctx, img)
		if err != nil {
			s.logger.Warn("external provider failed, falling back to local engine", "error", err)
			ranLocal = true
			r, err = s.localRecognize(ctx, img)
			if err != nil {
				return EngineResult{}, err
			}
		}
		res = r
	} else {
		ranLocal = true
		r, err := s.localRecognize(ctx, img)
		if err != nil {
			return EngineResult{}, err
		}
		res = r
	}

	if res.Confidence >= s.cfg.ConfThreshold {
		return res, nil
	}
	s.metrics.LowConfidence()
	s.logger.Warn("low recognition confidence",
		"confidence", res.Confidence, "threshold", s.cfg.ConfThreshold)

	if !s.cfg.ExternalFallback {
		return res, nil
	}

	var alt EngineResult
	var altErr error
	switch {
	case !ranExternal && s.external != nil:
		alt, altErr = s.external.Recognize(ctx, img)
	case !ranLocal:
		alt, altErr = s.localRecognize(ctx, img)
	default:
		return res, nil
	}
	if altErr != nil {
		// Degraded but continuing: the first result stands.
		s.logger.Warn("fallback engine failed, keeping primary result", "error", altErr)
		return res, nil
	}
	if alt.Confidence > res.Confidence {
		s.logger.Info("fallback result replaced primary",
			"primary_confidence", res.Confidence, "fallback_confidence", alt.Confidence)
		return alt, nil
	}
	return res, nil
}

// localRecognize runs the bounded-pool engine, holding exactly one slot for
// the duration of the call.
func (s *Stage) localRecognize(ctx context.Context, img []byte) (EngineResult, error) {
	var res EngineResult
	err := s.pool.Do(ctx, func(eng Engine) error {
		r, err := eng.Recognize(ctx, img)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}
