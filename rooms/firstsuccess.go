package rooms

import (
	"context"
	"errors"
)

// FirstSuccess runs every lookup concurrently and returns the first value
// produced without error. The context passed to the lookups is cancelled as
// soon as one succeeds. When all of them fail the errors are joined in
// argument order.
func FirstSuccess[T any](ctx context.Context, lookups ...func(context.Context) (T, error)) (T, error) {
	var zero T
	if len(lookups) == 0 {
		return zero, errors.New("rooms: no lookups")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		i   int
		v   T
		err error
	}
	// Buffered so that losing lookups never block after we return.
	results := make(chan result, len(lookups))
	for i, lookup := range lookups {
		i, lookup := i, lookup // per-iteration copies (pre-Go 1.22 loop semantics)
		go func() {
			v, err := lookup(ctx)
			results <- result{i: i, v: v, err: err}
		}()
	}

	errs := make([]error, len(lookups))
	for range lookups {
		r := <-results
		if r.err == nil {
			return r.v, nil
		}
		errs[r.i] = r.err
	}
	return zero, errors.Join(errs...)
}
