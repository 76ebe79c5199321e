package fetch

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"github.com/quantpulse/streamcore/internal/observability"
)

// FetchBatch fetches all targets with bounded parallelism. Failures are
// partial: every input produces exactly one result at its own index, and one
// target failing never aborts the rest.
func (e *Executor) FetchBatch(ctx context.Context, targets []Target) []Result {
	results := make([]Result, len(targets))
	if len(targets) == 0 {
		return results
	}

	workers := e.cfg.MaxConcurrent
	if workers > len(targets) {
		workers = len(targets)
	}
	p := pool.New().WithMaxGoroutines(workers)
	for i, target := range targets {
		p.Go(func() {
			resp, err := e.FetchOne(ctx, target)
			results[i] = Result{Target: target, Response: resp, Err: err}
		})
	}
	p.Wait()
	return results
}

// BatchError folds a batch's failures into a single logged error for callers
// that treat the batch as all-or-nothing. Nil when every slot succeeded.
func BatchError(results []Result) error {
	failures := make([]error, 0, len(results))
	for _, result := range results {
		if result.Err != nil {
			failures = append(failures, result.Err)
		}
	}
	return observability.AggregateErrors("fetch.batch", failures)
}
