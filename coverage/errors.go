package coverage

import (
	"fmt"

	"github.com/pkg/errors"
)

// Integrity and configuration failures. They are fatal and never retried;
// callers match them with errors.Is.
var (
	ErrMissingFile     = errors.New("coverage store file does not exist")
	ErrNotInitialized  = errors.New("coverage store is not initialized")
	ErrCorrupt         = errors.New("coverage store is corrupt")
	ErrDuplicateRun    = errors.New("duplicate run identifier")
	ErrMissingSource   = errors.New("source path does not exist")
	ErrLockUnavailable = errors.New("coverage store lock unavailable")
)

// DuplicateRunError names the identifier that was recorded twice and where.
type DuplicateRunError struct {
	ID   string
	Path string
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf("%s: run %q already recorded in %s", ErrDuplicateRun, e.ID, e.Path)
}

func (e *DuplicateRunError) Is(target error) bool {
	return target == ErrDuplicateRun
}
