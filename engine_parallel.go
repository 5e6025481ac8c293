package assetize

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/jward/assetize/internal/rewrite"
	"github.com/jward/assetize/internal/store"
)

// workItem holds everything a parallel rewrite worker needs.
type workItem struct {
	pkg   string
	path  string
	batch *store.BatchedStore
	res   *rewrite.Result
}

// rewriteFilesParallel rewrites files using a three-phase parallel pipeline:
//
//	Phase A (serial):   Attach a BatchedStore to every item.
//	Phase B (parallel): Scan, resolve and rewrite via worker pool.
//	Phase C (serial):   Commit batches to SQLite in one goroutine.
//
// The rename pass and file listing happen before Phase A, in Rewrite.
func (e *Engine) rewriteFilesParallel(ctx context.Context, items []workItem) ([]*rewrite.Result, error) {
	if len(items) == 0 {
		return nil, nil
	}

	// ---- Phase A: Serial preparation ----
	for i := range items {
		items[i].batch = store.NewBatchedStore()
	}

	// ---- Phase B: Parallel rewriting ----
	numWorkers := min(runtime.NumCPU(), len(items))
	if numWorkers < 1 {
		numWorkers = 1
	}

	workCh := make(chan workItem, len(items))
	for _, item := range items {
		workCh <- item
	}
	close(workCh)

	type result struct {
		item workItem
		err  error
	}
	resultCh := make(chan result, len(items))

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// The BatchedStore per item handles write isolation.
			for item := range workCh {
				err := e.rewriteItem(ctx, &item)
				resultCh <- result{item: item, err: err}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	// ---- Phase C: Serial commit ----
	var errs []error
	var results []*rewrite.Result
	for res := range resultCh {
		if res.err != nil {
			errs = append(errs, fmt.Errorf("rewrite %s: %w", res.item.path, res.err))
			continue
		}
		if err := e.store.CommitBatch(res.item.batch); err != nil {
			errs = append(errs, fmt.Errorf("commit %s: %w", res.item.path, err))
			continue
		}
		results = append(results, res.item.res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })

	if len(errs) > 0 {
		return results, fmt.Errorf("parallel rewriting had %d error(s): %w", len(errs), errs[0])
	}
	return results, nil
}

// rewriteItem rewrites a single file and records it in the item's
// BatchedStore.
func (e *Engine) rewriteItem(ctx context.Context, item *workItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := e.rewriteInto(ctx, item.batch, item.pkg, item.path)
	if err != nil {
		return err
	}
	item.res = res
	return nil
}
