package change

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/untoldecay/ChangeFlow/internal/lockfile"
	"github.com/untoldecay/ChangeFlow/internal/types"
	"github.com/untoldecay/ChangeFlow/internal/utils"
	"github.com/untoldecay/ChangeFlow/internal/validation"
)

// ArchiveResult is the change.archive response payload.
type ArchiveResult struct {
	APIVersion  string         `json:"apiVersion"`
	Slug        string         `json:"slug"`
	Archived    bool           `json:"archived"`
	ReceiptPath string         `json:"receiptPath"`
	Receipt     *types.Receipt `json:"receipt"`
}

// Archive retires the draft named by slug: it validates the required
// shape, gathers git history and the test summary, writes the canonical
// receipt, and moves the directory under changes/archive/. The move is a
// single rename, so a change is either fully active or fully archived.
// Whatever lock exists is destroyed with the draft state.
func (r *Repository) Archive(slug string) (*ArchiveResult, error) {
	res, err := r.archive(slug)
	r.record("archive", slug, r.actor.Name, err)
	return res, err
}

func (r *Repository) archive(slug string) (*ArchiveResult, error) {
	if err := validation.ValidateSlug(slug); err != nil {
		return nil, err
	}
	if r.isArchived(slug) {
		return nil, archivedErr(slug)
	}
	if !r.exists(slug) {
		return nil, r.noChange(slug)
	}

	dir := r.dir(slug)
	if err := requireNonEmpty(filepath.Join(dir, ProposalFile), types.CodeMissingProposal, ProposalFile); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(filepath.Join(dir, TasksFile), types.CodeMissingTasks, TasksFile); err != nil {
		return nil, err
	}

	title := slug
	if fm, ok := parseFrontMatterFile(filepath.Join(dir, ProposalFile)); ok && fm.Title != "" {
		title = fm.Title
	}

	// Both collaborators are optional: no git, no repo, or no summarizer
	// all record empty structures rather than failing the archive.
	commits := r.git.CommitsTouching(dir)
	files := r.git.FilesTouched(dir)
	var tests types.TestSummary
	if r.tests != nil {
		if summary, ok := r.tests(dir); ok {
			tests = summary
		}
	}

	receipt := types.NewReceipt(slug, title, r.apiVersion, commits, files, tests, r.actor, r.now())
	payload, err := receipt.CanonicalJSON()
	if err != nil {
		return nil, types.NewError(types.CodeIO, "encoding receipt for %q: %v", slug, err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(dir, ReceiptFile), payload, 0o644); err != nil {
		return nil, types.NewError(types.CodeIO, "writing receipt for %q: %v", slug, err)
	}

	if err := utils.EnsureDir(r.archiveDir, 0o755); err != nil {
		return nil, types.NewError(types.CodeIO, "creating %s: %v", r.archiveDir, err)
	}
	target := r.archivedDir(slug)
	if err := os.Rename(dir, target); err != nil {
		return nil, types.NewError(types.CodeIO, "archiving %q: %v", slug, err)
	}
	r.pager.Invalidate()

	// The lock traveled with the directory; archival terminates it for
	// any owner.
	_ = os.Remove(filepath.Join(target, lockfile.FileName))

	return &ArchiveResult{
		APIVersion:  r.apiVersion,
		Slug:        slug,
		Archived:    true,
		ReceiptPath: filepath.Join(target, ReceiptFile),
		Receipt:     receipt,
	}, nil
}

// requireNonEmpty enforces the archive shape requirement: the file must
// exist and contain something other than whitespace.
func requireNonEmpty(path string, code types.Code, name string) error {
	data, err := os.ReadFile(path) // nolint:gosec // path is derived from a validated slug
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return types.NewError(code, "%s is missing or empty", name).
			WithHint("write the %s before archiving", name).
			WithDetail("file", path)
	}
	return nil
}
