package coverage

import (
	"context"
	"maps"
	"runtime"
	"slices"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
)

type loadedStore struct {
	path string
	runs map[string]*RunCoverage
}

// MergeStores records every run of the srcs backing files into dst in a
// single transaction. Sources are read concurrently. An id present in more
// than one source, or already in dst, fails with *DuplicateRunError and dst
// is left untouched.
func MergeStores(ctx context.Context, dst string, srcs []string, locker Locker) error {
	p := pool.NewWithResults[loadedStore]().
		WithErrors().
		WithFirstError().
		WithMaxGoroutines(runtime.GOMAXPROCS(0)).
		WithContext(ctx).
		WithCancelOnError()
	for _, src := range srcs {
		p.Go(func(ctx context.Context) (loadedStore, error) {
			if err := ctx.Err(); err != nil {
				return loadedStore{}, err
			}
			runs, err := readRuns(src, false)
			if err != nil {
				return loadedStore{}, err
			}
			return loadedStore{path: src, runs: runs}, nil
		})
	}
	loaded, err := p.Wait()
	if err != nil {
		return errors.Wrap(err, "failed to read source stores")
	}

	// Results arrive in completion order.
	slices.SortFunc(loaded, func(a, b loadedStore) int {
		switch {
		case a.path < b.path:
			return -1
		case a.path > b.path:
			return 1
		}
		return 0
	})
	_, err = Update(ctx, dst, locker, func(runs map[string]*RunCoverage) error {
		origin := make(map[string]string, len(runs))
		for id := range runs {
			origin[id] = dst
		}
		for _, l := range loaded {
			for _, id := range slices.Sorted(maps.Keys(l.runs)) {
				if prev, dup := origin[id]; dup {
					return &DuplicateRunError{ID: id, Path: prev + " and " + l.path}
				}
				origin[id] = l.path
				runs[id] = l.runs[id]
			}
		}
		return nil
	})
	return err
}
