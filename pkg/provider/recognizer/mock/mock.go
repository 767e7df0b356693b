// Package mock provides test doubles for the recognizer package interfaces.
//
// Recognizer records every Start, Stop, and Abort call and keeps the sink of
// each pass so tests can deliver platform events to it, including late events
// to a sink that has already been superseded:
//
//	rec := &mock.Recognizer{}
//	_ = mgr.Start(ctx)
//	rec.LastSink().OnResult(ev)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/clementine/pkg/provider/recognizer"
)

// Recognizer is a mock implementation of recognizer.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by every Start call.
	StartErr error

	// StartErrs, if non-empty, is consumed one entry per Start call before
	// StartErr applies. A nil entry means success.
	StartErrs []error

	// StopErr and AbortErr are returned by Stop and Abort.
	StopErr  error
	AbortErr error

	// Sinks records the sink of every Start call, including failed ones.
	Sinks []recognizer.Sink

	StartCalls int
	StopCalls  int
	AbortCalls int
}

// Start records the call and returns the configured error.
func (r *Recognizer) Start(_ context.Context, sink recognizer.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls++
	r.Sinks = append(r.Sinks, sink)
	if len(r.StartErrs) > 0 {
		err := r.StartErrs[0]
		r.StartErrs = r.StartErrs[1:]
		return err
	}
	return r.StartErr
}

// Stop records the call and returns StopErr.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StopCalls++
	return r.StopErr
}

// Abort records the call and returns AbortErr.
func (r *Recognizer) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.AbortCalls++
	return r.AbortErr
}

// LastSink returns the sink passed to the most recent Start call, or nil.
func (r *Recognizer) LastSink() recognizer.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Sinks) == 0 {
		return nil
	}
	return r.Sinks[len(r.Sinks)-1]
}

// Counts returns the Start, Stop, and Abort call counts. Thread-safe.
func (r *Recognizer) Counts() (start, stop, abort int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.StartCalls, r.StopCalls, r.AbortCalls
}

var _ recognizer.Recognizer = (*Recognizer)(nil)

// Permissions is a mock implementation of recognizer.Permissions.
type Permissions struct {
	mu sync.Mutex

	// Mic and Recog are the states returned by Microphone and Recognition.
	// Zero values read as PermissionUnknown and PermissionGranted.
	Mic   recognizer.PermissionState
	Recog recognizer.PermissionState

	// RequestResult is the outcome of RequestMicrophone. It also becomes the
	// new Mic state.
	RequestResult recognizer.PermissionState

	// RequestErr, if non-nil, is returned by RequestMicrophone.
	RequestErr error

	// Block makes RequestMicrophone wait for ctx to be done.
	Block bool

	RequestCalls int
}

// Microphone returns Mic.
func (p *Permissions) Microphone() recognizer.PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Mic == "" {
		return recognizer.PermissionUnknown
	}
	return p.Mic
}

// Recognition returns Recog.
func (p *Permissions) Recognition() recognizer.PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Recog == "" {
		return recognizer.PermissionGranted
	}
	return p.Recog
}

// RequestMicrophone records the call and returns RequestResult.
func (p *Permissions) RequestMicrophone(ctx context.Context) (recognizer.PermissionState, error) {
	p.mu.Lock()
	p.RequestCalls++
	block, res, err := p.Block, p.RequestResult, p.RequestErr
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return recognizer.PermissionUnknown, ctx.Err()
	}
	if err != nil {
		return recognizer.PermissionUnknown, err
	}
	p.mu.Lock()
	p.Mic = res
	p.mu.Unlock()
	return res, nil
}

var _ recognizer.Permissions = (*Permissions)(nil)
