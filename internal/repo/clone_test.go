package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountFilesSkipsGitDir(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{
		"main.go",
		"pkg/util.go",
		".git/HEAD",
		".git/objects/ab/cdef",
	} {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	count, err := countFiles(root)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCountFilesEmptyTree(t *testing.T) {
	count, err := countFiles(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, count)
}
