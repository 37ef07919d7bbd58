package recognize

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractEngine is the local recognition engine, one gosseract client per
// pool slot. The client is reused across jobs; the pool guarantees a single
// holder at a time, so no locking is needed here.
type TesseractEngine struct {
	client *gosseract.Client
}

func NewTesseractEngine(languages []string) (*TesseractEngine, error) {
	c := gosseract.NewClient()
	if len(languages) > 0 {
		if err := c.SetLanguage(languages...); err != nil {
			c.Close()
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	return &TesseractEngine{client: c}, nil
}

func (e *TesseractEngine) Name() string { return "tesseract" }

func (e *TesseractEngine) Recognize(ctx context.Context, img []byte) (EngineResult, error) {
	select {
	case <-ctx.Done():
		return EngineResult{}, ctx.Err()
	default:
	}

	if err := e.client.SetImageFromBytes(img); err != nil {
		return EngineResult{}, fmt.Errorf("set image: %w", err)
	}
	text, err := e.client.Text()
	if err != nil {
		return EngineResult{}, fmt.Errorf("recognize text: %w", err)
	}

	return EngineResult{
		Text:       strings.TrimSpace(text),
		Confidence: e.meanWordConfidence(),
	}, nil
}

// meanWordConfidence averages the per-word confidences reported by
// tesseract, scaled to 0..1. Zero when no word boxes are available.
func (e *TesseractEngine) meanWordConfidence() float64 {
	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}

func (e *TesseractEngine) Close() error {
	return e.client.Close()
}
