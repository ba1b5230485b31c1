package coverage

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []LineStatus{Dead, Untested, Tested}

func randomRun(r *rand.Rand) *RunCoverage {
	files := []string{"/src/a.go", "/src/b.go", "/src/pkg/c.go"}
	weak, strong := FileMap{}, FileMap{}
	for _, f := range files {
		for line := 1; line <= 6; line++ {
			if r.Intn(2) == 0 {
				weak.set(f, line, allStatuses[r.Intn(len(allStatuses))])
			}
			if r.Intn(3) == 0 {
				strong.set(f, line, allStatuses[r.Intn(len(allStatuses))])
			}
		}
	}
	return NewRunCoverage(weak, strong)
}

func effective(rc *RunCoverage) map[string]LineMap {
	out := make(map[string]LineMap)
	for _, f := range rc.ExecutedFiles() {
		out[f] = rc.ForFile(f)
	}
	return out
}

func TestMergeLaws(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		a, b, c := randomRun(r), randomRun(r), randomRun(r)

		left := a.Merge(b).Merge(c)
		right := a.Merge(b.Merge(c))
		reordered := b.Merge(a.Merge(c))

		require.Equal(t, effective(left), effective(right), "associativity")
		require.Equal(t, effective(left), effective(reordered), "commutativity")
		require.True(t, left.Equal(right))
		require.True(t, a.Merge(b).Equal(b.Merge(a)))

		require.True(t, a.Merge(EmptyRunCoverage()).Equal(a), "right identity")
		require.True(t, EmptyRunCoverage().Merge(a).Equal(a), "left identity")
		require.True(t, MergeAll(c, a, b).Equal(left))
	}
}

func TestMergeDoesNotMutateOperands(t *testing.T) {
	a := NewRunCoverage(FileMap{"f": {1: Untested}}, nil)
	b := NewRunCoverage(nil, FileMap{"f": {1: Tested, 2: Tested}})

	merged := a.Merge(b)
	assert.True(t, merged.IsCovered("f", 1))
	assert.False(t, a.IsCovered("f", 1))
	assert.Len(t, b.ForFile("f"), 2)
	assert.Nil(t, a.Strong()["f"])
}

func TestMergeGreaterStatusWins(t *testing.T) {
	a := NewRunCoverage(FileMap{"f": {1: Dead, 2: Tested}}, nil)
	b := NewRunCoverage(FileMap{"f": {1: Untested, 2: Dead}}, nil)

	for _, m := range []*RunCoverage{a.Merge(b), b.Merge(a)} {
		assert.Equal(t, LineMap{1: Untested, 2: Tested}, m.Weak()["f"])
	}
}

func TestOverlayStrongWins(t *testing.T) {
	rc := NewRunCoverage(
		FileMap{"f": {1: Untested, 2: Dead, 3: Untested}},
		FileMap{"f": {1: Tested}},
	)

	s, ok := rc.EffectiveStatus("f", 1)
	require.True(t, ok)
	assert.Equal(t, Tested, s)
	assert.True(t, rc.IsCovered("f", 1))

	s, ok = rc.EffectiveStatus("f", 2)
	require.True(t, ok)
	assert.Equal(t, Dead, s)
	assert.False(t, rc.IsCovered("f", 2))

	_, ok = rc.EffectiveStatus("f", 99)
	assert.False(t, ok)
	_, ok = rc.EffectiveStatus("other", 1)
	assert.False(t, ok)

	// A later weak report never erases an earlier strong one.
	later := NewRunCoverage(FileMap{"f": {1: Untested}}, nil)
	assert.True(t, rc.Merge(later).IsCovered("f", 1))
}

func TestRunCoverageQueries(t *testing.T) {
	rc := NewRunCoverage(
		FileMap{"b.go": {1: Untested, 2: Dead}, "a.go": {1: Untested}},
		FileMap{"b.go": {1: Tested, 3: Tested}, "c.go": {7: Tested}},
	)

	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, rc.ExecutedFiles())
	assert.True(t, rc.HasBeenExecuted("a.go"))
	assert.True(t, rc.HasBeenExecuted("c.go"))
	assert.False(t, rc.HasBeenExecuted("d.go"))
	assert.Equal(t, LineMap{1: Tested, 2: Dead, 3: Tested}, rc.ForFile("b.go"))
	assert.Empty(t, rc.ForFile("d.go"))
	assert.Equal(t, 3, rc.CountTestedLines())

	assert.Equal(t, Stats{Tested: 2, Total: 2}, rc.FileStats("b.go"))
	assert.Equal(t, Stats{Tested: 0, Total: 1}, rc.FileStats("a.go"))
	total := rc.Stats()
	assert.Equal(t, Stats{Tested: 3, Total: 4}, total)
	assert.InDelta(t, 75.0, total.Percent(), 1e-9)
	assert.Zero(t, Stats{}.Percent())
}

func TestForFileReturnsCopy(t *testing.T) {
	rc := NewRunCoverage(nil, FileMap{"f": {1: Tested}})
	lines := rc.ForFile("f")
	lines[1] = Dead
	assert.True(t, rc.IsCovered("f", 1))
}

func TestFromLineReport(t *testing.T) {
	rc, err := FromLineReport(map[string]map[int]int{
		"f": {1: 3, 2: 0, 3: -1, 4: -2},
	})
	require.NoError(t, err)
	assert.Equal(t, FileMap{"f": {1: Tested}}, rc.Strong())
	assert.Equal(t, FileMap{"f": {2: Untested, 3: Untested, 4: Dead}}, rc.Weak())

	_, err = FromLineReport(map[string]map[int]int{"f": {1: -7}})
	require.Error(t, err)
	_, err = FromLineReport(map[string]map[int]int{"f": {0: 1}})
	require.Error(t, err)
	_, err = FromLineReport(map[string]map[int]int{"": {1: 1}})
	require.Error(t, err)
}

func TestFromExecutable(t *testing.T) {
	rc, err := FromExecutable(
		map[string][]int{"f": {1, 3}},
		map[string][]int{"f": {1, 2, 3}, "g": {5}},
	)
	require.NoError(t, err)
	assert.Equal(t, LineMap{1: Tested, 2: Untested, 3: Tested}, rc.ForFile("f"))
	assert.Equal(t, LineMap{5: Untested}, rc.ForFile("g"))
	assert.Equal(t, 2, rc.CountTestedLines())
}

func TestFromExecutableRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name       string
		executed   map[string][]int
		executable map[string][]int
	}{
		{name: "zero executed line", executed: map[string][]int{"a.go": {0}}},
		{name: "negative executable line", executable: map[string][]int{"a.go": {1, -3}}},
		{name: "empty executed path", executed: map[string][]int{"": {1}}},
		{name: "empty executable path", executable: map[string][]int{"": {1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := FromExecutable(tt.executed, tt.executable)
			require.Error(t, err)
			require.Nil(t, rc)
		})
	}
}
