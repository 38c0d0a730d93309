// Package deadline provides small generic combinators over context.Context
// timeouts, used wherever the gateway needs a typed result with a bounded
// wait time (readiness checks, upstream dial/response phases). Named
// directly after spec.md's concurrency & resource model, which calls for
// distinct per-phase timeout behavior rather than a bare context.WithTimeout
// sprinkled ad hoc through call sites.
package deadline

import (
	"context"
	"time"
)

// WithTimeout runs fn in its own goroutine bounded by timeout and returns
// fn's result. If fn does not return before the timeout or ctx is canceled,
// the zero value of T and the context's error are returned. fn's context
// is itself canceled on timeout so fn can stop promptly, but WithTimeout
// does not wait for that — callers that need fn's side effects to have
// stopped before returning should use a synchronization primitive inside fn.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-cctx.Done():
		var zero T
		return zero, cctx.Err()
	}
}

// WithTimeoutFallback is like WithTimeout but returns fallback instead of an
// error when the deadline elapses, for call sites that would rather degrade
// than fail (e.g. falling back to a stale cached route on a registry lookup
// timeout).
func WithTimeoutFallback[T any](ctx context.Context, timeout time.Duration, fallback T, fn func(context.Context) (T, error)) T {
	v, err := WithTimeout(ctx, timeout, fn)
	if err != nil {
		return fallback
	}
	return v
}

// WithTimeoutGraceful runs fn and, on timeout or error, returns whatever
// degraded value partial() produces instead — used by readiness aggregation
// where a slow dependency should count as degraded, not erase the rest of
// the response.
func WithTimeoutGraceful[T any](ctx context.Context, timeout time.Duration, partial func() T, fn func(context.Context) (T, error)) T {
	v, err := WithTimeout(ctx, timeout, fn)
	if err != nil {
		return partial()
	}
	return v
}

// WithTimeoutSilent runs fn for its side effects only, discarding any
// result, and returns fn's error, or the context's error if fn did not
// complete within the deadline.
func WithTimeoutSilent(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := WithTimeout(ctx, timeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	return err
}
