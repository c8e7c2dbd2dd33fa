package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// forEach calls fn(i) for i in [0, n) on up to workers goroutines. Once ctx
// is done or fn returns an error, the remaining indices are skipped. It
// returns the first error seen.
func forEach(ctx context.Context, workers, n int, fn func(i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
