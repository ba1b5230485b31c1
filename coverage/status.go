package coverage

import (
	"fmt"
	"maps"
)

// LineStatus classifies one instrumented line.
type LineStatus int

const (
	Dead     LineStatus = -2
	Untested LineStatus = -1
	Tested   LineStatus = 1
)

// Valid reports whether s is one of Dead, Untested or Tested.
func (s LineStatus) Valid() bool {
	return s == Dead || s == Untested || s == Tested
}

func (s LineStatus) String() string {
	switch s {
	case Dead:
		return "dead"
	case Untested:
		return "untested"
	case Tested:
		return "tested"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// LineMap maps line numbers (1-based) to their status.
type LineMap map[int]LineStatus

// FileMap maps file paths to their line statuses.
type FileMap map[string]LineMap

func (m FileMap) clone() FileMap {
	out := make(FileMap, len(m))
	for file, lines := range m {
		out[file] = maps.Clone(lines)
	}
	return out
}

func (m FileMap) set(file string, line int, status LineStatus) {
	lines, ok := m[file]
	if !ok {
		lines = make(LineMap)
		m[file] = lines
	}
	lines[line] = status
}

// mergeInto folds src into dst keeping the greater status per line, so the
// result does not depend on the order layers are combined in.
func mergeInto(dst, src FileMap) {
	for file, lines := range src {
		for line, status := range lines {
			if cur, ok := dst[file][line]; ok && cur >= status {
				continue
			}
			dst.set(file, line, status)
		}
	}
}

func (m FileMap) validate() error {
	for file, lines := range m {
		if file == "" {
			return fmt.Errorf("empty file path")
		}
		if lines == nil {
			return fmt.Errorf("file %s has null line map", file)
		}
		for line, status := range lines {
			if line <= 0 {
				return fmt.Errorf("file %s has invalid line %d", file, line)
			}
			if !status.Valid() {
				return fmt.Errorf("file %s line %d has invalid status %d", file, line, int(status))
			}
		}
	}
	return nil
}
