package merge

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// workerCount resolves the effective worker count for n tasks. Zero or
// negative means one worker per CPU.
func workerCount(n, workers int) int {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// fanOut runs fn for every index in [0, n) on exactly workers goroutines.
// Worker w handles the indices congruent to w, so each worker can own a
// private accumulator indexed by w. Results must go to per-index slots.
func fanOut(ctx context.Context, n, workers int, fn func(worker, i int)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < n; i += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				fn(w, i)
			}
			return nil
		})
	}
	return g.Wait()
}
