package recognize

import "context"

// EngineResult is a recognition engine's raw outcome: the transcribed text
// and the engine's self-reported 0..1 confidence.
type EngineResult struct {
	Text       string
	Confidence float64
}

// Engine is one interchangeable text-recognition provider.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img []byte) (EngineResult, error)
}
