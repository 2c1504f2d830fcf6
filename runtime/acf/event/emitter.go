package event

import "context"

// Emitter routes events into the fabric's fan-out. The router implements
// it; components that emit (scheduler, toolbox, webhook dispatcher) depend
// on this interface only.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, evt Event) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, evt Event) error { return f(ctx, evt) }
