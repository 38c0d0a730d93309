// Package bulkhead provides a fixed-capacity semaphore used to bound
// concurrent in-flight calls to a single downstream dependency, so that one
// slow or overloaded upstream cannot exhaust the gateway's own goroutine or
// connection budget. The teacher's own internal/executor/warmpool.go and
// internal/reaper use a channel-of-fixed-size as their concurrency bound;
// this package generalizes that idiom rather than pulling in
// golang.org/x/sync/semaphore, which appears in no example repo's go.mod.
package bulkhead

import (
	"context"
	"errors"
)

// ErrFull is returned by TryAcquire when the bulkhead is at capacity.
var ErrFull = errors.New("bulkhead: at capacity")

// Bulkhead bounds the number of concurrent callers holding a permit.
type Bulkhead struct {
	sem chan struct{}
}

// New creates a Bulkhead with room for capacity concurrent permits.
// capacity <= 0 is treated as 1.
func New(capacity int) *Bulkhead {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bulkhead{sem: make(chan struct{}, capacity)}
}

// Acquire blocks until a permit is available or ctx is done.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a permit without blocking, returning ErrFull if none
// are immediately available.
func (b *Bulkhead) TryAcquire() error {
	select {
	case b.sem <- struct{}{}:
		return nil
	default:
		return ErrFull
	}
}

// Release returns a permit to the bulkhead. Must be called exactly once
// per successful Acquire/TryAcquire.
func (b *Bulkhead) Release() {
	<-b.sem
}

// InUse returns the number of permits currently held.
func (b *Bulkhead) InUse() int {
	return len(b.sem)
}

// Capacity returns the bulkhead's total permit capacity.
func (b *Bulkhead) Capacity() int {
	return cap(b.sem)
}

// Do acquires a permit, runs fn, and releases the permit, propagating fn's
// error. If ctx is cancelled before a permit is available, Do returns the
// context error without calling fn.
func (b *Bulkhead) Do(ctx context.Context, fn func() error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()
	return fn()
}
