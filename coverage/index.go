package coverage

import (
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultIndexSize is the number of (file, line) answers kept by an Index.
const DefaultIndexSize = 4096

type lineKey struct {
	file string
	line int
}

// Index answers which runs executed a given line. Answers are computed by a
// full scan over the runs and cached until the runs change.
type Index struct {
	runs  map[string]*RunCoverage
	ids   []string
	cache *lru.Cache[lineKey, []string]
}

// NewIndex indexes runs, which must not be modified afterwards.
func NewIndex(runs map[string]*RunCoverage, size int) (*Index, error) {
	if size <= 0 {
		size = DefaultIndexSize
	}
	cache, err := lru.New[lineKey, []string](size)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(runs))
	for id := range runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return &Index{runs: runs, ids: ids, cache: cache}, nil
}

// CoveredBy returns the sorted ids of runs whose effective status at
// (file, line) is Tested.
func (ix *Index) CoveredBy(file string, line int) []string {
	key := lineKey{file: file, line: line}
	if ids, ok := ix.cache.Get(key); ok {
		return slices.Clone(ids)
	}
	var ids []string
	for _, id := range ix.ids {
		if ix.runs[id].IsCovered(file, line) {
			ids = append(ids, id)
		}
	}
	ix.cache.Add(key, ids)
	return slices.Clone(ids)
}

// Purge drops every cached answer.
func (ix *Index) Purge() {
	ix.cache.Purge()
}
