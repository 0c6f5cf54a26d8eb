package ledger

import "context"

// guardKey marks a context as belonging to a mutating call already running
// on this engine.
type guardKey struct{ e *Engine }

// enter serializes mutating calls. A call is rejected instead of waiting
// when its context already carries this engine's marker, or when a
// settlement is in the middle of its external interaction: in both cases
// the caller is re-entering and waiting would deadlock. The returned context
// carries the marker and must be handed to anything the call invokes
// outside the engine.
func (e *Engine) enter(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(guardKey{e}) != nil || e.interacting.Load() {
		return nil, nil, ErrReentrancy
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	return context.WithValue(ctx, guardKey{e}, struct{}{}), func() { e.sem.Release(1) }, nil
}

// interact runs fn, an external interaction, with the in-flight flag held.
// Any mutating call arriving meanwhile fails with ErrReentrancy.
func (e *Engine) interact(fn func() error) error {
	e.interacting.Store(true)
	defer e.interacting.Store(false)
	return fn()
}
