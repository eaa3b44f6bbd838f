// Package gitinfo collects repository history for archive receipts. Every
// lookup is best-effort: a missing git binary, a non-repo root, or a failing
// subcommand yields empty results rather than an error, since receipts must
// be writable from unversioned repositories too.
package gitinfo

import (
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Collector runs git against a fixed repository root.
type Collector struct {
	repoPath string
}

// NewCollector creates a collector for the given repository root.
func NewCollector(repoPath string) *Collector {
	return &Collector{repoPath: repoPath}
}

// Available reports whether a git binary is on PATH and repoPath is inside
// a work tree.
func (c *Collector) Available() bool {
	if _, err := exec.LookPath("git"); err != nil {
		return false
	}
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = c.repoPath
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// Branch returns the current branch name, or "" outside a repository.
func (c *Collector) Branch() string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = c.repoPath
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// CommitsTouching returns abbreviated hashes of commits whose diffs touch
// dir, newest first.
func (c *Collector) CommitsTouching(dir string) []string {
	rel := c.relPath(dir)
	cmd := exec.Command("git", "log", "--format=%h", "--", rel)
	cmd.Dir = c.repoPath
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	var commits []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			commits = append(commits, line)
		}
	}
	return commits
}

// FilesTouched returns the repo-relative paths changed by commits touching
// dir, deduplicated and sorted.
func (c *Collector) FilesTouched(dir string) []string {
	rel := c.relPath(dir)
	cmd := exec.Command("git", "log", "--name-only", "--format=", "--", rel)
	cmd.Dir = c.repoPath
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		files = append(files, line)
	}
	sort.Strings(files)
	return files
}

// relPath converts dir to a pathspec relative to the repository root so git
// log restricts itself to the change directory.
func (c *Collector) relPath(dir string) string {
	rel, err := filepath.Rel(c.repoPath, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return dir
	}
	return rel
}
