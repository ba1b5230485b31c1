package coverage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/tools/cover"
)

// FromProfile imports a Go cover profile. Lines of blocks executed at least
// once become Tested in the strong layer; lines of blocks never executed
// become Untested in the weak layer.
func FromProfile(r io.Reader) (*RunCoverage, error) {
	profiles, err := cover.ParseProfilesFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cover profile: %w", err)
	}

	rc := EmptyRunCoverage()
	for _, p := range profiles {
		for _, b := range p.Blocks {
			for line := b.StartLine; line <= b.EndLine; line++ {
				if line <= 0 {
					continue
				}
				if b.Count > 0 {
					rc.strong.set(p.FileName, line, Tested)
				} else {
					rc.weak.set(p.FileName, line, Untested)
				}
			}
		}
	}
	return rc, nil
}

// FromProfileFile is FromProfile reading from path.
func FromProfileFile(path string) (*RunCoverage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cover profile: %w", err)
	}
	defer f.Close()
	return FromProfile(f)
}

// ResolveProfilePaths rewrites import-path style file names (as written in
// cover profiles) into filesystem paths below moduleDir, using the module
// path declared in moduleDir/go.mod. Files outside the module are kept as is.
func ResolveProfilePaths(rc *RunCoverage, moduleDir string) (*RunCoverage, error) {
	data, err := os.ReadFile(filepath.Join(moduleDir, "go.mod"))
	if err != nil {
		return nil, fmt.Errorf("failed to read go.mod: %w", err)
	}
	modPath := modfile.ModulePath(data)
	if modPath == "" {
		return nil, fmt.Errorf("no module directive in %s", filepath.Join(moduleDir, "go.mod"))
	}

	resolve := func(in FileMap) FileMap {
		out := make(FileMap, len(in))
		for file, lines := range in {
			if rel, ok := strings.CutPrefix(file, modPath+"/"); ok {
				file = filepath.Join(moduleDir, filepath.FromSlash(rel))
			}
			for line, s := range lines {
				if cur, ok := out[file][line]; ok && cur >= s {
					continue
				}
				out.set(file, line, s)
			}
		}
		return out
	}
	return &RunCoverage{weak: resolve(rc.weak), strong: resolve(rc.strong)}, nil
}
