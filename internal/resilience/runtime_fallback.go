package resilience

import (
	"context"

	"github.com/MrWong99/clementine/pkg/provider/runtime"
)

// RuntimeFallback implements [runtime.Runtime] with failover across several
// conversational runtimes, each behind its own circuit breaker.
//
// Dialog state is not shared between runtimes. A conversation that fails over
// continues on the fallback from the history carried on each request.
type RuntimeFallback struct {
	group *FallbackGroup[runtime.Runtime]
}

var _ runtime.Runtime = (*RuntimeFallback)(nil)

// NewRuntimeFallback creates a [RuntimeFallback] with primary as the preferred
// runtime.
func NewRuntimeFallback(primary runtime.Runtime, primaryName string, cfg FallbackConfig) *RuntimeFallback {
	return &RuntimeFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional runtime.
func (f *RuntimeFallback) AddFallback(name string, rt runtime.Runtime) {
	f.group.AddFallback(name, rt)
}

// Launch implements runtime.Runtime.
func (f *RuntimeFallback) Launch(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	return ExecuteWithResult(f.group, func(_ string, rt runtime.Runtime) (runtime.Response, error) {
		return rt.Launch(ctx, req)
	})
}

// Interact implements runtime.Runtime.
func (f *RuntimeFallback) Interact(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	return ExecuteWithResult(f.group, func(_ string, rt runtime.Runtime) (runtime.Response, error) {
		return rt.Interact(ctx, req)
	})
}
