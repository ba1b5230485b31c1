// Package coverage aggregates per-line coverage facts from many test runs
// into one durable file that concurrent writers update through a locked
// read-modify-write transaction.
package coverage

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
)

// Run describes a test run expected to contribute coverage.
type Run struct {
	ID   string
	File string
	Args []string
}

// Option customizes a Store.
type Option func(*Store)

// WithLocker replaces the default FileLocker.
func WithLocker(l Locker) Option {
	return func(s *Store) {
		s.locker = l
	}
}

func WithLogger(l log.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithSourceRoot fixes the source root instead of deriving it from the
// executed files.
func WithSourceRoot(root string) Option {
	return func(s *Store) {
		s.sourceRoot = root
	}
}

// WithIndexSize sets the reverse index cache size.
func WithIndexSize(n int) Option {
	return func(s *Store) {
		s.indexSize = n
	}
}

// Store is an in-memory view of a backing file plus the operations that
// update it.
type Store struct {
	path       string
	locker     Locker
	log        log.Logger
	sourceRoot string
	indexSize  int
	expected   map[string]Run
	hasExpect  bool

	mu      sync.RWMutex
	runs    map[string]*RunCoverage
	summary *RunCoverage
	index   *Index
}

// Open loads the backing file at path. expected lists the runs the suite is
// going to execute; their ids must be unique.
func Open(ctx context.Context, path string, expected []Run, opts ...Option) (*Store, error) {
	s := &Store{
		path:      path,
		log:       log.New(),
		expected:  make(map[string]Run, len(expected)),
		hasExpect: len(expected) > 0,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = NewFileLocker(path)
	}
	s.log = s.log.New("store", path)

	for _, r := range expected {
		if r.ID == "" {
			return nil, errors.New("expected run with empty identifier")
		}
		if _, dup := s.expected[r.ID]; dup {
			return nil, &DuplicateRunError{ID: r.ID, Path: "expected runs"}
		}
		s.expected[r.ID] = r
	}

	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// Reload replaces the in-memory view with the current backing file.
func (s *Store) Reload(ctx context.Context) (err error) {
	lease, err := s.locker.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil && err == nil {
			err = errors.Wrapf(rerr, "failed to release lock for %s", s.path)
		}
	}()

	runs, err := readRuns(s.path, false)
	if err != nil {
		return err
	}
	return s.setRuns(runs)
}

// RecordRun persists rc under id and refreshes the view from what was
// written. A duplicate id fails with *DuplicateRunError and the backing file
// is left as it was.
func (s *Store) RecordRun(ctx context.Context, id string, rc *RunCoverage) error {
	if err := checkRun(id, rc); err != nil {
		return err
	}
	if s.hasExpect {
		if _, ok := s.expected[id]; !ok {
			s.log.Warn("Recording unexpected run", "id", id)
		}
	}

	runs, err := Update(ctx, s.path, s.locker, insertRun(s.path, id, rc))
	if err != nil {
		return err
	}
	s.log.Debug("Recorded run", "id", id, "runs", len(runs))
	return s.setRuns(runs)
}

func (s *Store) setRuns(runs map[string]*RunCoverage) error {
	index, err := NewIndex(runs, s.indexSize)
	if err != nil {
		return errors.Wrap(err, "failed to build coverage index")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		s.index.Purge()
	}
	s.runs = runs
	s.summary = nil
	s.index = index
	return nil
}

// Summary is the merge of every recorded run. It is cached until the next
// RecordRun or Reload.
func (s *Store) Summary() *RunCoverage {
	s.mu.RLock()
	summary := s.summary
	s.mu.RUnlock()
	if summary != nil {
		return summary
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary == nil {
		all := make([]*RunCoverage, 0, len(s.runs))
		for _, id := range slices.Sorted(maps.Keys(s.runs)) {
			all = append(all, s.runs[id])
		}
		s.summary = MergeAll(all...)
	}
	return s.summary
}

// Runs returns the recorded ids, sorted.
func (s *Store) Runs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.runs))
}

func (s *Store) Get(id string) (*RunCoverage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.runs[id]
	return rc, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// Expected returns the metadata of an expected run.
func (s *Store) Expected(id string) (Run, bool) {
	r, ok := s.expected[id]
	return r, ok
}

// Unexpected lists recorded ids missing from the expectation set. It is
// empty when Open was given no expectations.
func (s *Store) Unexpected() []string {
	if !s.hasExpect {
		return nil
	}
	var out []string
	for _, id := range s.Runs() {
		if _, ok := s.expected[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// CoveredBy returns the sorted ids of runs that executed line of file.
func (s *Store) CoveredBy(file string, line int) []string {
	s.mu.RLock()
	index := s.index
	s.mu.RUnlock()
	return index.CoveredBy(file, line)
}

// CoveredRuns is CoveredBy resolved to expected run metadata. Ids that were
// not expected are skipped. Without expectations every id is returned with
// only its ID set.
func (s *Store) CoveredRuns(file string, line int) []Run {
	var out []Run
	for _, id := range s.CoveredBy(file, line) {
		if !s.hasExpect {
			out = append(out, Run{ID: id})
			continue
		}
		r, ok := s.expected[id]
		if !ok {
			s.log.Warn("Skipping coverage of unknown run", "id", id, "file", file, "line", line)
			continue
		}
		out = append(out, r)
	}
	return out
}
