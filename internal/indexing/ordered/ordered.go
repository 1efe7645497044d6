// Package ordered runs work concurrently but delivers results in input order.
package ordered

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map calls fn for every input with at most limit calls in flight and passes
// the results to emit in input order, as soon as each prefix is complete.
// At most 2*limit results are computed ahead of emission. The first error
// from fn or emit cancels the remaining work and is returned.
func Map[In, Out any](
	ctx context.Context,
	limit int,
	inputs []In,
	fn func(ctx context.Context, in In) (Out, error),
	emit func(ctx context.Context, out Out) error,
) error {
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	slots := make([]chan Out, len(inputs))
	for i := range slots {
		slots[i] = make(chan Out, 1)
	}
	ahead := make(chan struct{}, 2*limit)

	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for i, in := range inputs {
			select {
			case ahead <- struct{}{}:
			case <-gctx.Done():
				return
			}
			g.Go(func() error {
				out, err := fn(gctx, in)
				if err != nil {
					return err
				}
				slots[i] <- out
				return nil
			})
		}
	}()

	var emitErr error
loop:
	for i := range slots {
		select {
		case out := <-slots[i]:
			if err := emit(ctx, out); err != nil {
				emitErr = err
				cancel()
				break loop
			}
			<-ahead
		case <-gctx.Done():
			break loop
		}
	}

	<-fed
	werr := g.Wait()
	switch {
	case emitErr != nil:
		return emitErr
	case werr != nil:
		return werr
	}
	return ctx.Err()
}
