// Package repo implements the clone provider over go-git.
package repo

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/dusk-indust/testsmith/internal/orchestrator"
)

// Compile-time interface check.
var _ orchestrator.CloneProvider = (*GitCloner)(nil)

// GitCloner fetches repositories with a shallow single-branch clone.
type GitCloner struct{}

// NewGitCloner returns a GitCloner.
func NewGitCloner() *GitCloner { return &GitCloner{} }

// Clone fetches url into dir. token, when non-empty, is sent as HTTP basic
// auth the way forge tokens expect. The clone is depth-1: the analysis only
// ever reads the working tree.
func (c *GitCloner) Clone(ctx context.Context, url, token, dir string, report func(float64)) (*orchestrator.CloneResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare clone dir %s: %w", dir, err)
	}
	report(0.1)

	var auth transport.AuthMethod
	if token != "" {
		auth = &githttp.BasicAuth{Username: "token", Password: token}
	}

	r, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:          url,
		Auth:         auth,
		Depth:        1,
		SingleBranch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch repository: %w", err)
	}
	report(0.8)

	hash := ""
	if head, err := r.Head(); err == nil {
		hash = head.Hash().String()
	}

	count, err := countFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scan working copy: %w", err)
	}
	report(1)

	return &orchestrator.CloneResult{
		Dir:        dir,
		CommitHash: hash,
		FileCount:  count,
	}, nil
}

// countFiles counts regular files in the working tree, skipping .git.
func countFiles(root string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip entries we cannot read
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		count++
		return nil
	})
	return count, err
}
