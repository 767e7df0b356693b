// Package mock provides a test double for the runtime.Runtime interface.
//
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	rt := &mock.Runtime{
//	    InteractResponse: runtime.Response{Messages: []runtime.Message{{Text: "Tell me more."}}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/clementine/pkg/provider/runtime"
)

// Call records a single invocation of Launch or Interact.
type Call struct {
	// Ctx is the context passed to the method.
	Ctx context.Context
	// Req is the request passed to the method.
	Req runtime.Request
}

// Runtime is a mock implementation of runtime.Runtime.
type Runtime struct {
	mu sync.Mutex

	// LaunchResponse is returned by Launch.
	LaunchResponse runtime.Response

	// LaunchErr, if non-nil, is returned as the error from Launch.
	LaunchErr error

	// InteractResponse is returned by Interact when InteractFunc is nil.
	InteractResponse runtime.Response

	// InteractErr, if non-nil, is returned as the error from Interact.
	InteractErr error

	// InteractFunc, if set, computes the Interact response.
	InteractFunc func(runtime.Request) (runtime.Response, error)

	// LaunchCalls records every invocation of Launch in order.
	LaunchCalls []Call

	// InteractCalls records every invocation of Interact in order.
	InteractCalls []Call
}

var _ runtime.Runtime = (*Runtime)(nil)

// Launch implements runtime.Runtime.
func (r *Runtime) Launch(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LaunchCalls = append(r.LaunchCalls, Call{Ctx: ctx, Req: req})
	if r.LaunchErr != nil {
		return runtime.Response{}, r.LaunchErr
	}
	return r.LaunchResponse, nil
}

// Interact implements runtime.Runtime.
func (r *Runtime) Interact(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	r.mu.Lock()
	r.InteractCalls = append(r.InteractCalls, Call{Ctx: ctx, Req: req})
	fn, resp, err := r.InteractFunc, r.InteractResponse, r.InteractErr
	r.mu.Unlock()

	if err != nil {
		return runtime.Response{}, err
	}
	if fn != nil {
		return fn(req)
	}
	return resp, nil
}

// Interactions returns a copy of the recorded Interact calls.
func (r *Runtime) Interactions() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.InteractCalls))
	copy(out, r.InteractCalls)
	return out
}

// Launches returns a copy of the recorded Launch calls.
func (r *Runtime) Launches() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.LaunchCalls))
	copy(out, r.LaunchCalls)
	return out
}
