package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/receiptwise/pipeline/internal/recognize"
)

// FakeEngine implements recognize.Engine with a scripted outcome.
type FakeEngine struct {
	EngineName string
	Text       string
	Confidence float64
	Err        error

	// Block, when non-nil, is closed by the test to let Recognize return;
	// used to hold pool slots open.
	Block chan struct{}

	calls int32
	mu    sync.Mutex
	seen  [][]byte
}

func (f *FakeEngine) Name() string {
	if f.EngineName == "" {
		return "fake"
	}
	return f.EngineName
}

func (f *FakeEngine) Recognize(ctx context.Context, img []byte) (recognize.EngineResult, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.seen = append(f.seen, img)
	f.mu.Unlock()

	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return recognize.EngineResult{}, ctx.Err()
		}
	}
	if f.Err != nil {
		return recognize.EngineResult{}, f.Err
	}
	return recognize.EngineResult{Text: f.Text, Confidence: f.Confidence}, nil
}

// Calls returns how many times Recognize ran.
func (f *FakeEngine) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}
