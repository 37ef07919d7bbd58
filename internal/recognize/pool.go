package recognize

import (
	"context"
	"fmt"
)

// Slot is one reusable unit of recognition capacity. Exactly one job holds a
// slot at a time; the engine instance inside is reused across jobs because it
// is expensive to construct.
type Slot struct {
	engine Engine
}

func (s *Slot) Engine() Engine { return s.engine }

// Pool is a bounded set of reusable engine slots. Acquire blocks
// cooperatively until a slot frees; blocked acquirers are served in FIFO
// order of arrival.
type Pool struct {
	slots chan *Slot
	size  int
}

// NewPool builds size engine instances up front via the factory.
func NewPool(size int, factory func() (Engine, error)) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	p := &Pool{slots: make(chan *Slot, size), size: size}
	for i := 0; i < size; i++ {
		eng, err := factory()
		if err != nil {
			return nil, fmt.Errorf("build engine %d: %w", i, err)
		}
		p.slots <- &Slot{engine: eng}
	}
	return p, nil
}

func (p *Pool) Size() int { return p.size }

// Acquire blocks until a slot is free or the context expires.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	select {
	case s := <-p.slots:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a slot to the pool, waking the next waiter.
func (p *Pool) Release(s *Slot) {
	p.slots <- s
}

// Do acquires a slot, runs fn with its engine, and releases the slot.
func (p *Pool) Do(ctx context.Context, fn func(Engine) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return fn(s.engine)
}
