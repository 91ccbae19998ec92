// Package farm provides the bounded worker pool handed to request
// bodies for CPU-heavy work.
package farm

import (
	"context"
	"runtime"
)

// Farm limits how many submitted functions run at once. The zero value
// is not usable; construct with New.
type Farm struct {
	slots chan struct{}
}

// New creates a farm with the given number of workers. Non-positive
// counts default to the number of CPUs.
func New(workers int) *Farm {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Farm{slots: make(chan struct{}, workers)}
}

// Workers returns the concurrency limit.
func (f *Farm) Workers() int {
	return cap(f.slots)
}

// Do runs fn once a worker slot is free, blocking until then or until
// ctx is done.
func (f *Farm) Do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	select {
	case f.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-f.slots }()

	return fn()
}
