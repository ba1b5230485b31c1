package coverage

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DefaultSourceExtensions is the accept-list used when none is given.
var DefaultSourceExtensions = []string{"go"}

// SourceRoot returns the configured source root, which may be a single file
// or a directory, or the deepest directory containing every executed file of
// the summary.
func (s *Store) SourceRoot() (string, error) {
	if s.sourceRoot != "" {
		info, err := os.Stat(s.sourceRoot)
		if err != nil || !(info.IsDir() || info.Mode().IsRegular()) {
			return "", errors.Wrapf(ErrMissingSource, "%s", s.sourceRoot)
		}
		return s.sourceRoot, nil
	}

	files := s.Summary().ExecutedFiles()
	if len(files) == 0 {
		return "", errors.Wrap(ErrMissingSource, "no executed files to derive a source root from")
	}
	root := commonDir(files)
	if _, err := os.Stat(root); err != nil {
		return "", errors.Wrapf(ErrMissingSource, "%s", root)
	}
	return root, nil
}

// SourceFiles lists files under SourceRoot whose extension is in accept,
// skipping anything whose name starts with a dot.
func (s *Store) SourceFiles(accept []string) ([]string, error) {
	root, err := s.SourceRoot()
	if err != nil {
		return nil, err
	}
	return ListSources(root, accept)
}

// ListSources walks root recursively and returns matching files in lexical
// order. A root naming a regular file yields that file alone when its
// extension is accepted.
func ListSources(root string, accept []string) ([]string, error) {
	if len(accept) == 0 {
		accept = DefaultSourceExtensions
	}
	exts := make(map[string]struct{}, len(accept))
	for _, ext := range accept {
		exts[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}

	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
		if _, ok := exts[ext]; ok {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrMissingSource, "%s", root)
		}
		return nil, errors.Wrapf(err, "failed to walk %s", root)
	}
	return out, nil
}

// commonDir is the longest directory prefix shared by every file.
func commonDir(files []string) string {
	split := func(p string) []string {
		return strings.Split(filepath.ToSlash(filepath.Dir(filepath.Clean(p))), "/")
	}
	prefix := split(files[0])
	for _, f := range files[1:] {
		parts := split(f)
		n := 0
		for n < len(prefix) && n < len(parts) && prefix[n] == parts[n] {
			n++
		}
		prefix = prefix[:n]
	}
	if len(prefix) == 1 && prefix[0] == "" {
		return string(filepath.Separator)
	}
	if len(prefix) == 0 {
		return "."
	}
	return filepath.FromSlash(strings.Join(prefix, "/"))
}
