// Bounded worker offload for CPU-heavy transform work.
//
// Compression, encryption and structural conversion over large payloads run
// through here so that the number of concurrent transform goroutines stays
// bounded. A task waits for a slot (cancellable via context) and, once
// dispatched, runs to completion; there is no mid-flight preemption. A
// caller that abandons the wait after dispatch still pays for the transform,
// the result is simply discarded.
package vellum

import (
	"context"
	"runtime"
)

type pool struct {
	slots chan struct{}
}

func newPool(workers int) *pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &pool{slots: make(chan struct{}, workers)}
}

// offload runs fn on a pool slot and waits for the result. Slot acquisition
// honours ctx; execution does not.
func offload[T any](ctx context.Context, p *pool, fn func() (T, error)) (T, error) {
	var zero T
	if p == nil {
		return fn()
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-p.slots }()
		v, err := fn()
		done <- result{v, err}
	}()

	r := <-done
	return r.v, r.err
}
