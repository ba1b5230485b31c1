package coverage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfile = `mode: set
example.com/demo/calc.go:3.20,5.2 1 1
example.com/demo/calc.go:7.20,9.16 2 0
example.com/demo/calc.go:9.16,11.3 1 1
example.com/other/x.go:1.1,1.10 1 0
`

func TestFromProfile(t *testing.T) {
	rc, err := FromProfile(strings.NewReader(sampleProfile))
	require.NoError(t, err)

	assert.Equal(t, LineMap{3: Tested, 4: Tested, 5: Tested, 9: Tested, 10: Tested, 11: Tested},
		rc.Strong()["example.com/demo/calc.go"])
	assert.Equal(t, LineMap{7: Untested, 8: Untested, 9: Untested},
		rc.Weak()["example.com/demo/calc.go"])

	// Line 9 is shared by an executed and an unexecuted block.
	assert.True(t, rc.IsCovered("example.com/demo/calc.go", 9))
	assert.False(t, rc.IsCovered("example.com/demo/calc.go", 8))
	assert.Equal(t, []string{"example.com/demo/calc.go", "example.com/other/x.go"}, rc.ExecutedFiles())
}

func TestFromProfileInvalid(t *testing.T) {
	_, err := FromProfile(strings.NewReader("mode: set\nnot a block line\n"))
	require.Error(t, err)
}

func TestFromProfileFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cover.out")
	require.NoError(t, os.WriteFile(path, []byte(sampleProfile), 0o644))

	rc, err := FromProfileFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6, rc.CountTestedLines())

	_, err = FromProfileFile(filepath.Join(t.TempDir(), "missing.out"))
	require.Error(t, err)
}

func TestResolveProfilePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/demo\n\ngo 1.22\n"), 0o644))

	rc, err := FromProfile(strings.NewReader(sampleProfile))
	require.NoError(t, err)
	resolved, err := ResolveProfilePaths(rc, dir)
	require.NoError(t, err)

	local := filepath.Join(dir, "calc.go")
	assert.Equal(t, []string{local, "example.com/other/x.go"}, resolved.ExecutedFiles())
	assert.True(t, resolved.IsCovered(local, 3))
	assert.Equal(t, rc.CountTestedLines(), resolved.CountTestedLines())
}

func TestResolveProfilePathsWithoutModule(t *testing.T) {
	_, err := ResolveProfilePaths(EmptyRunCoverage(), t.TempDir())
	require.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("go 1.22\n"), 0o644))
	_, err = ResolveProfilePaths(EmptyRunCoverage(), dir)
	require.Error(t, err)
}
