package coverage

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FormatVersion is the version written to and required in backing files.
const FormatVersion = 1

type storeFile struct {
	Version int                     `json:"version"`
	Runs    map[string]*RunCoverage `json:"runs"`
}

func encodeRuns(runs map[string]*RunCoverage) ([]byte, error) {
	if runs == nil {
		runs = map[string]*RunCoverage{}
	}
	return json.Marshal(storeFile{Version: FormatVersion, Runs: runs})
}

// decodeRuns validates the full container. allowEmpty makes a zero-length
// file decode as an empty map.
func decodeRuns(path string, data []byte, allowEmpty bool) (map[string]*RunCoverage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		if allowEmpty {
			return map[string]*RunCoverage{}, nil
		}
		return nil, errors.Wrapf(ErrNotInitialized, "%s is empty", path)
	}

	var shape map[string]json.RawMessage
	if err := json.Unmarshal(data, &shape); err != nil || shape == nil {
		return nil, errors.Wrapf(ErrNotInitialized, "%s does not hold a coverage container", path)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f storeFile
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}
	if f.Version != FormatVersion {
		return nil, errors.Wrapf(ErrCorrupt, "%s: unsupported version %d", path, f.Version)
	}
	if f.Runs == nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: missing runs", path)
	}
	for id, rc := range f.Runs {
		if id == "" {
			return nil, errors.Wrapf(ErrCorrupt, "%s: empty run identifier", path)
		}
		if rc == nil {
			return nil, errors.Wrapf(ErrCorrupt, "%s: run %q is null", path, id)
		}
	}
	return f.Runs, nil
}

func readRuns(path string, allowEmpty bool) (map[string]*RunCoverage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(ErrMissingFile, "%s", path)
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return decodeRuns(path, data, allowEmpty)
}

// writeFileAtomic replaces path so readers see either the old or the new
// contents, never a partial write.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "failed to write %s", tmp.Name())
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "failed to sync %s", tmp.Name())
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", tmp.Name())
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.Wrapf(err, "failed to chmod %s", tmp.Name())
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", path)
	}
	return nil
}

// Init creates or truncates the backing file with an empty container.
func Init(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	data, err := encodeRuns(nil)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// Update is the store transaction: it takes the lock, reads and validates the
// current runs, hands them to fn, renews the lease, writes the result back and
// releases the lock. Nothing is written when fn or the renewal fails. The
// returned map is what was written.
func Update(ctx context.Context, path string, locker Locker, fn func(runs map[string]*RunCoverage) error) (runs map[string]*RunCoverage, err error) {
	if locker == nil {
		locker = NewFileLocker(path)
	}
	lease, err := locker.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil && err == nil {
			err = errors.Wrapf(rerr, "failed to release lock for %s", path)
		}
	}()

	runs, err = readRuns(path, true)
	if err != nil {
		return nil, err
	}
	if err := fn(runs); err != nil {
		return nil, err
	}

	data, err := encodeRuns(runs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s", path)
	}
	if err := lease.Renew(ctx); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return nil, err
	}
	return runs, nil
}

func insertRun(path, id string, rc *RunCoverage) func(map[string]*RunCoverage) error {
	return func(runs map[string]*RunCoverage) error {
		if _, exists := runs[id]; exists {
			return &DuplicateRunError{ID: id, Path: path}
		}
		runs[id] = rc
		return nil
	}
}

func checkRun(id string, rc *RunCoverage) error {
	if id == "" {
		return errors.New("run identifier cannot be empty")
	}
	if rc == nil {
		return errors.Errorf("run %q has no coverage", id)
	}
	if err := rc.validate(); err != nil {
		return errors.Wrapf(ErrCorrupt, "run %q: %v", id, err)
	}
	return nil
}

// Record inserts one run into the backing file at path without loading a
// Store. A duplicate id fails with *DuplicateRunError and leaves the file
// untouched.
func Record(ctx context.Context, path, id string, rc *RunCoverage, locker Locker) error {
	if err := checkRun(id, rc); err != nil {
		return err
	}
	_, err := Update(ctx, path, locker, insertRun(path, id, rc))
	return err
}
