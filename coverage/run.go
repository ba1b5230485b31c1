package coverage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// RunCoverage is the coverage contributed by one test process. The weak layer
// holds lines the instrumentation observed without confirming execution; the
// strong layer holds lines confirmed executed. A RunCoverage is never
// modified after construction.
type RunCoverage struct {
	weak   FileMap
	strong FileMap
}

// NewRunCoverage copies both layers. Nil layers are treated as empty.
func NewRunCoverage(weak, strong FileMap) *RunCoverage {
	if weak == nil {
		weak = FileMap{}
	}
	if strong == nil {
		strong = FileMap{}
	}
	return &RunCoverage{weak: weak.clone(), strong: strong.clone()}
}

// EmptyRunCoverage is the identity of Merge.
func EmptyRunCoverage() *RunCoverage {
	return NewRunCoverage(nil, nil)
}

// FromLineReport builds a RunCoverage from per-line signed counters: positive
// values are confirmed executions, 0 and -1 are executable but not executed
// lines, -2 are dead lines.
func FromLineReport(report map[string]map[int]int) (*RunCoverage, error) {
	rc := EmptyRunCoverage()
	for file, lines := range report {
		if file == "" {
			return nil, fmt.Errorf("empty file path")
		}
		for line, v := range lines {
			if line <= 0 {
				return nil, fmt.Errorf("file %s: invalid line %d", file, line)
			}
			switch {
			case v > 0:
				rc.strong.set(file, line, Tested)
			case v == 0 || v == int(Untested):
				rc.weak.set(file, line, Untested)
			case v == int(Dead):
				rc.weak.set(file, line, Dead)
			default:
				return nil, fmt.Errorf("file %s line %d: invalid counter %d", file, line, v)
			}
		}
	}
	return rc, nil
}

// FromExecutable builds a RunCoverage from the set of executed lines and the
// set of executable lines per file.
func FromExecutable(executed, executable map[string][]int) (*RunCoverage, error) {
	rc := EmptyRunCoverage()
	for file, lines := range executable {
		if err := checkLines(file, lines); err != nil {
			return nil, err
		}
		for _, line := range lines {
			rc.weak.set(file, line, Untested)
		}
	}
	for file, lines := range executed {
		if err := checkLines(file, lines); err != nil {
			return nil, err
		}
		for _, line := range lines {
			rc.strong.set(file, line, Tested)
		}
	}
	return rc, nil
}

func checkLines(file string, lines []int) error {
	if file == "" {
		return fmt.Errorf("empty file path")
	}
	for _, line := range lines {
		if line <= 0 {
			return fmt.Errorf("file %s: invalid line %d", file, line)
		}
	}
	return nil
}

func (rc *RunCoverage) validate() error {
	if err := rc.weak.validate(); err != nil {
		return fmt.Errorf("weak layer: %w", err)
	}
	if err := rc.strong.validate(); err != nil {
		return fmt.Errorf("strong layer: %w", err)
	}
	return nil
}

// Weak returns a copy of the weak layer.
func (rc *RunCoverage) Weak() FileMap {
	return rc.weak.clone()
}

// Strong returns a copy of the strong layer.
func (rc *RunCoverage) Strong() FileMap {
	return rc.strong.clone()
}

// Merge returns a new RunCoverage combining both operands layer by layer.
// Where both define a line the greater status wins (Tested > Untested > Dead),
// which makes Merge commutative and associative with EmptyRunCoverage as
// identity.
func (rc *RunCoverage) Merge(other *RunCoverage) *RunCoverage {
	out := NewRunCoverage(rc.weak, rc.strong)
	if other == nil {
		return out
	}
	mergeInto(out.weak, other.weak)
	mergeInto(out.strong, other.strong)
	return out
}

// MergeAll folds runs into a single RunCoverage.
func MergeAll(runs ...*RunCoverage) *RunCoverage {
	out := EmptyRunCoverage()
	for _, rc := range runs {
		if rc == nil {
			continue
		}
		mergeInto(out.weak, rc.weak)
		mergeInto(out.strong, rc.strong)
	}
	return out
}

// EffectiveStatus is the strong status if present, else the weak one. ok is
// false when the line was never instrumented.
func (rc *RunCoverage) EffectiveStatus(file string, line int) (LineStatus, bool) {
	if s, ok := rc.strong[file][line]; ok {
		return s, true
	}
	s, ok := rc.weak[file][line]
	return s, ok
}

func (rc *RunCoverage) IsCovered(file string, line int) bool {
	s, ok := rc.EffectiveStatus(file, line)
	return ok && s == Tested
}

// ExecutedFiles lists every file present in either layer, sorted.
func (rc *RunCoverage) ExecutedFiles() []string {
	files := make(map[string]struct{}, len(rc.weak)+len(rc.strong))
	for file := range rc.weak {
		files[file] = struct{}{}
	}
	for file := range rc.strong {
		files[file] = struct{}{}
	}
	return slices.Sorted(maps.Keys(files))
}

func (rc *RunCoverage) HasBeenExecuted(file string) bool {
	_, weak := rc.weak[file]
	_, strong := rc.strong[file]
	return weak || strong
}

// ForFile returns the effective status of every known line of file.
func (rc *RunCoverage) ForFile(file string) LineMap {
	out := make(LineMap, len(rc.weak[file])+len(rc.strong[file]))
	maps.Copy(out, rc.weak[file])
	maps.Copy(out, rc.strong[file])
	return out
}

// CountTestedLines counts (file, line) pairs whose effective status is Tested.
func (rc *RunCoverage) CountTestedLines() int {
	n := 0
	for _, file := range rc.ExecutedFiles() {
		for _, s := range rc.ForFile(file) {
			if s == Tested {
				n++
			}
		}
	}
	return n
}

// Stats summarizes effective statuses. Dead lines are not counted in Total.
type Stats struct {
	Tested int
	Total  int
}

// Percent is Tested/Total in percent, 0 for an empty Total.
func (s Stats) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Tested) * 100 / float64(s.Total)
}

func (s Stats) add(o Stats) Stats {
	return Stats{Tested: s.Tested + o.Tested, Total: s.Total + o.Total}
}

func (rc *RunCoverage) FileStats(file string) Stats {
	var st Stats
	for _, s := range rc.ForFile(file) {
		switch s {
		case Tested:
			st.Tested++
			st.Total++
		case Untested:
			st.Total++
		}
	}
	return st
}

func (rc *RunCoverage) Stats() Stats {
	var st Stats
	for _, file := range rc.ExecutedFiles() {
		st = st.add(rc.FileStats(file))
	}
	return st
}

// Equal reports whether both layers hold exactly the same facts.
func (rc *RunCoverage) Equal(other *RunCoverage) bool {
	return fileMapsEqual(rc.weak, other.weak) && fileMapsEqual(rc.strong, other.strong)
}

func fileMapsEqual(a, b FileMap) bool {
	return maps.EqualFunc(a, b, func(x, y LineMap) bool {
		return maps.Equal(x, y)
	})
}

type runCoverageJSON struct {
	Weak   *FileMap `json:"weak"`
	Strong *FileMap `json:"strong"`
}

func (rc *RunCoverage) MarshalJSON() ([]byte, error) {
	return json.Marshal(runCoverageJSON{Weak: &rc.weak, Strong: &rc.strong})
}

// UnmarshalJSON rejects unknown fields, missing or null layers, non-positive
// lines and statuses outside the known set.
func (rc *RunCoverage) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw runCoverageJSON
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw.Weak == nil || raw.Strong == nil {
		return fmt.Errorf("run coverage must have weak and strong layers")
	}
	if err := raw.Weak.validate(); err != nil {
		return fmt.Errorf("weak layer: %w", err)
	}
	if err := raw.Strong.validate(); err != nil {
		return fmt.Errorf("strong layer: %w", err)
	}
	rc.weak, rc.strong = *raw.Weak, *raw.Strong
	return nil
}
