package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-tester/job"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tests/foo/main.go", "package main\n")
	writeFile(t, dir, "tests/bar/main.go", "package main\n")
	path := writeFile(t, dir, "suite.yaml", `
interpreter:
  path: go
  args: ["run"]
timeout: 2m
env:
  SHARED: "1"
  FOO: "suite"
jobs:
  - file: ./tests/foo/main.go
    args: ["-v"]
    named: {cover: "${OP_TESTER_COVERPROFILE}", run: "TestX"}
    env: {FOO: "1"}
    timeout: 30s
  - id: bar
    file: tests/bar/main.go
`)

	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, job.Interpreter{Path: "go", Args: []string{"run"}}, m.Interpreter)
	assert.Equal(t, 2*time.Minute, m.Timeout)
	require.Len(t, m.Jobs, 2)

	foo := m.Jobs[0]
	assert.Equal(t, filepath.Join(dir, "tests", "foo", "main.go"), foo.File)
	assert.Equal(t, 30*time.Second, foo.Timeout)
	assert.Equal(t, []string{"-v", "--cover=${OP_TESTER_COVERPROFILE}", "--run=TestX"}, foo.Arguments().Render())
	assert.Equal(t, map[string]string{"SHARED": "1", "FOO": "1"}, m.Environment(foo))

	bar := m.Jobs[1]
	assert.Equal(t, "bar", bar.ID)
	assert.Zero(t, bar.Timeout)
	assert.Empty(t, bar.Arguments())
	assert.Equal(t, map[string]string{"SHARED": "1", "FOO": "suite"}, m.Environment(bar))
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.phpt", "<?php\n")
	path := writeFile(t, dir, "suite.toml", `
timeout = "10s"

[interpreter]
path = "/usr/bin/php-cgi"
headers = true

[[jobs]]
file = "a.phpt"
args = ["x"]

[jobs.named]
mode = "fast"
`)

	m, err := Load(path)
	require.NoError(t, err)
	assert.True(t, m.Interpreter.HeaderAware)
	assert.Equal(t, 10*time.Second, m.Timeout)
	require.Len(t, m.Jobs, 1)
	assert.Equal(t, filepath.Join(dir, "a.phpt"), m.Jobs[0].File)
	assert.Equal(t, []string{"x", "--mode=fast"}, m.Jobs[0].Arguments().Render())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.go", "package main\n")

	tests := []struct {
		name    string
		file    string
		content string
		errMsg  string
	}{
		{
			name:    "unsupported extension",
			file:    "suite.json",
			content: "{}",
			errMsg:  "unsupported manifest format",
		},
		{
			name:    "missing interpreter",
			file:    "a.yaml",
			content: "jobs:\n  - file: ok.go\n",
			errMsg:  "interpreter.path is required",
		},
		{
			name:    "no jobs",
			file:    "b.yaml",
			content: "interpreter: {path: go}\n",
			errMsg:  "no jobs defined",
		},
		{
			name:    "missing file",
			file:    "c.yaml",
			content: "interpreter: {path: go}\njobs:\n  - file: nope.go\n",
			errMsg:  "nope.go",
		},
		{
			name:    "duplicate id",
			file:    "d.yaml",
			content: "interpreter: {path: go}\njobs:\n  - {id: x, file: ok.go}\n  - {id: x, file: ok.go}\n",
			errMsg:  `share id "x"`,
		},
		{
			name:    "unknown yaml field",
			file:    "e.yaml",
			content: "interpreter: {path: go}\nworkers: 3\njobs:\n  - file: ok.go\n",
			errMsg:  "workers",
		},
		{
			name:    "unknown toml key",
			file:    "f.toml",
			content: "workers = 3\n[interpreter]\npath = \"go\"\n[[jobs]]\nfile = \"ok.go\"\n",
			errMsg:  "workers",
		},
		{
			name:    "negative timeout",
			file:    "g.yaml",
			content: "interpreter: {path: go}\ntimeout: -1s\njobs:\n  - file: ok.go\n",
			errMsg:  "timeout cannot be negative",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
