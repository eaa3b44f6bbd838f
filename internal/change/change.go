// Package change implements the transactional lifecycle of a change
// repository: opening draft directories under an exclusive lock, archiving
// them with an immutable receipt, and listing the active set.
//
// A change lives at <root>/changes/<slug> and holds proposal.md, tasks.md,
// and an optional delta/ subtree. Archiving moves the directory to
// <root>/changes/archive/<slug>, so the active listing is simply the set
// of non-archive directories under changes/. All mutating operations are
// serialized per slug by the lock manager; artifact reads are lock-free.
package change

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/untoldecay/ChangeFlow/internal/audit"
	"github.com/untoldecay/ChangeFlow/internal/gitinfo"
	"github.com/untoldecay/ChangeFlow/internal/lockfile"
	"github.com/untoldecay/ChangeFlow/internal/pagination"
	"github.com/untoldecay/ChangeFlow/internal/template"
	"github.com/untoldecay/ChangeFlow/internal/types"
	"github.com/untoldecay/ChangeFlow/internal/utils"
	"github.com/untoldecay/ChangeFlow/internal/validation"
)

// Well-known names inside the repository and inside a change directory.
const (
	ChangesDirName = "changes"
	ArchiveDirName = "archive"
	ProposalFile   = "proposal.md"
	TasksFile      = "tasks.md"
	DeltaDir       = "delta"
	ReceiptFile    = "receipt.json"
)

// DefaultTTL is the lock lifetime applied when open omits one.
const DefaultTTL int64 = 3600

// suggestionDistance caps how far a did-you-mean candidate may be from
// the requested slug.
const suggestionDistance = 3

// TestSummarizer is the optional collaborator consulted at archive time
// for the receipt's tests block. The second return is false when no
// summary could be produced, in which case the zero summary is recorded.
type TestSummarizer func(changeDir string) (types.TestSummary, bool)

// Options configures a Repository beyond its root path.
type Options struct {
	// APIVersion is stamped into tool results and receipts.
	APIVersion string
	// Actor identifies who performs archive operations and is the default
	// lock owner when open omits one.
	Actor types.Actor
	// SigningKey enables HMAC signing of pagination tokens when non-empty.
	SigningKey string
	// Audit receives one entry per lifecycle operation; nil disables.
	Audit *audit.Log
	// Tests supplies the receipt test summary; nil records zero counts.
	Tests TestSummarizer
}

// Repository mediates all lifecycle access to one change repository root.
// It is stateless apart from the pagination snapshot cache and safe for
// concurrent use.
type Repository struct {
	root       string
	changesDir string
	archiveDir string

	locks     *lockfile.Manager
	templates *template.Renderer
	git       *gitinfo.Collector
	pager     *pagination.Engine
	audit     *audit.Log
	tests     TestSummarizer

	apiVersion string
	actor      types.Actor
	now        func() time.Time
}

// NewRepository opens the repository rooted at root. The root is not
// created or validated for layout here; Open creates what it needs and
// listings treat a missing changes/ directory as empty.
func NewRepository(root string, opts Options) (*Repository, error) {
	if root == "" {
		return nil, types.NewError(types.CodeInvalidInput, "repository root is required")
	}
	root = validation.Canonicalize(root)

	actor := opts.Actor
	if actor.Name == "" {
		actor.Name = "unknown"
	}
	if actor.Type == "" {
		actor.Type = "user"
	}
	apiVersion := opts.APIVersion
	if apiVersion == "" {
		apiVersion = "v1"
	}
	log := opts.Audit
	if log == nil {
		log = audit.Disabled()
	}

	r := &Repository{
		root:       root,
		changesDir: filepath.Join(root, ChangesDirName),
		archiveDir: filepath.Join(root, ChangesDirName, ArchiveDirName),
		locks:      lockfile.NewManager(root),
		templates:  template.NewRenderer(root),
		git:        gitinfo.NewCollector(root),
		audit:      log,
		tests:      opts.Tests,
		apiVersion: apiVersion,
		actor:      actor,
		now:        time.Now,
	}
	r.pager = pagination.NewEngine(r.scanActive, opts.SigningKey)
	// Watching is best effort: when the directory does not exist yet or
	// inotify is unavailable, the snapshot cache TTL serves as the
	// polling fallback.
	_ = r.pager.Watch(r.changesDir)
	return r, nil
}

// Root returns the canonicalized repository root.
func (r *Repository) Root() string { return r.root }

// APIVersion returns the version string stamped into results and receipts.
func (r *Repository) APIVersion() string { return r.apiVersion }

// Close releases the pagination watcher.
func (r *Repository) Close() error { return r.pager.Close() }

// EnsureLayout creates changes/, changes/archive/, and .changeflow/,
// used by repository initialization.
func (r *Repository) EnsureLayout() error {
	for _, dir := range []string{r.changesDir, r.archiveDir, filepath.Join(r.root, ".changeflow")} {
		if err := utils.EnsureDir(dir, 0o755); err != nil {
			return types.NewError(types.CodeIO, "creating %s: %v", dir, err)
		}
	}
	return nil
}

// dir returns the active directory for slug.
func (r *Repository) dir(slug string) string {
	return filepath.Join(r.changesDir, slug)
}

// archivedDir returns the terminal directory for slug.
func (r *Repository) archivedDir(slug string) string {
	return filepath.Join(r.archiveDir, slug)
}

func (r *Repository) lockPath(slug string) string {
	return filepath.Join(r.dir(slug), lockfile.FileName)
}

// paths assembles the artifact paths advertised for a change directory.
// withDelta controls whether the delta path is included; listings omit it.
func paths(dir string, withDelta bool) types.ChangePaths {
	p := types.ChangePaths{
		Root:     dir,
		Proposal: filepath.Join(dir, ProposalFile),
		Tasks:    filepath.Join(dir, TasksFile),
	}
	if withDelta {
		p.Delta = filepath.Join(dir, DeltaDir)
	}
	return p
}

// resourceURIs assembles the change:// identifiers for slug.
func resourceURIs(slug string) types.ResourceURIs {
	return types.ResourceURIs{
		Proposal: "change://" + slug + "/proposal",
		Tasks:    "change://" + slug + "/tasks",
		Delta:    "change://" + slug + "/" + DeltaDir,
	}
}

// isArchived reports whether slug has reached its terminal state.
func (r *Repository) isArchived(slug string) bool {
	info, err := os.Stat(r.archivedDir(slug))
	return err == nil && info.IsDir()
}

// exists reports whether slug names an active change directory.
func (r *Repository) exists(slug string) bool {
	info, err := os.Stat(r.dir(slug))
	return err == nil && info.IsDir()
}

// scanActive materializes the pagination base set: every direct child of
// changes/ that is a directory with a valid slug name, excluding the
// archive subtree. A missing changes/ directory lists as empty.
func (r *Repository) scanActive() ([]pagination.Item, error) {
	entries, err := os.ReadDir(r.changesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, types.NewError(types.CodeIO, "reading %s: %v", r.changesDir, err)
	}

	items := make([]pagination.Item, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == ArchiveDirName {
			continue
		}
		if validation.ValidateSlug(name) != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		items = append(items, pagination.Item{
			Slug:  name,
			MTime: info.ModTime(),
			Path:  filepath.Join(r.changesDir, name),
		})
	}
	return items, nil
}

// activeSlugs returns the current active slug set, unsorted.
func (r *Repository) activeSlugs() []string {
	items, err := r.scanActive()
	if err != nil {
		return nil
	}
	slugs := make([]string, 0, len(items))
	for _, it := range items {
		slugs = append(slugs, it.Slug)
	}
	return slugs
}

// noChange builds the ENOCHANGE error for slug, attaching a did-you-mean
// suggestion when a close active slug exists.
func (r *Repository) noChange(slug string) *types.WorkflowError {
	werr := types.NewError(types.CodeNoChange, "no change named %q", slug)
	if s := utils.SuggestClosest(slug, r.activeSlugs(), suggestionDistance); s != "" {
		werr = werr.WithHint("did you mean %q?", s).WithDetail("suggestion", s)
	}
	return werr
}

// archivedErr builds the EARCHIVED error for slug.
func archivedErr(slug string) *types.WorkflowError {
	return types.NewError(types.CodeArchived, "change %q is archived and immutable", slug).
		WithHint("archived changes cannot be reopened; open a new slug instead")
}

// record appends one audit entry, best effort.
func (r *Repository) record(kind, slug, owner string, opErr error) {
	if r.audit == nil || !r.audit.Enabled() {
		return
	}
	e := &audit.Entry{Kind: kind, Slug: slug, Actor: owner}
	if opErr != nil {
		e.Code = string(types.ErrCode(opErr))
		e.Error = opErr.Error()
	}
	_, _ = r.audit.Append(e)
}

// Describe loads the metadata of one active change, front matter included.
func (r *Repository) Describe(slug string) (*types.Change, error) {
	if err := validation.ValidateSlug(slug); err != nil {
		return nil, err
	}
	if r.isArchived(slug) {
		return nil, archivedErr(slug)
	}
	dir := r.dir(slug)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, r.noChange(slug)
	}

	c := r.describe(pagination.Item{Slug: slug, MTime: info.ModTime(), Path: dir}, true)
	return &c, nil
}

// ReplaceProposalBody rewrites the proposal body of an active change,
// preserving its front matter block. Used by AI drafting, which generates
// the body but must not disturb the recorded metadata.
func (r *Repository) ReplaceProposalBody(slug, body string) error {
	if err := validation.ValidateSlug(slug); err != nil {
		return err
	}
	if r.isArchived(slug) {
		return archivedErr(slug)
	}
	if !r.exists(slug) {
		return r.noChange(slug)
	}

	path := filepath.Join(r.dir(slug), ProposalFile)
	current, err := os.ReadFile(path) // nolint:gosec // path is derived from a validated slug
	if err != nil {
		return types.NewError(types.CodeIO, "reading %s: %v", path, err)
	}

	out := make([]byte, 0, len(body)+512)
	if head := rawFrontMatter(current); head != nil {
		out = append(out, head...)
		out = append(out, '\n')
	}
	out = append(out, body...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}

	if err := utils.WriteFileAtomic(path, out, 0o644); err != nil {
		return types.NewError(types.CodeIO, "writing %s: %v", path, err)
	}
	return nil
}

// describe assembles a Change from a scanned item, parsing front matter
// best effort: a change whose proposal is missing or unparseable still
// lists, with the title falling back to the slug and timestamps to the
// directory mtime.
func (r *Repository) describe(it pagination.Item, withDelta bool) types.Change {
	c := types.Change{
		Slug:      it.Slug,
		Title:     it.Slug,
		Status:    types.StatusDraft,
		CreatedAt: it.MTime,
		UpdatedAt: it.MTime,
		Paths:     paths(it.Path, withDelta),
	}

	if fm, ok := parseFrontMatterFile(filepath.Join(it.Path, ProposalFile)); ok {
		if fm.Title != "" {
			c.Title = fm.Title
		}
		c.Template = fm.Template
		c.Owner = fm.Owner
		if !fm.Created.IsZero() {
			c.CreatedAt = fm.Created
		}
	}

	if info, held := r.locks.Inspect(filepath.Join(it.Path, lockfile.FileName)); held && !info.Stale(r.now()) {
		c.Status = types.StatusLocked
		if c.Owner == "" {
			c.Owner = info.Owner
		}
	}
	return c
}

// ArtifactPath resolves the artifact named by URI path segments to a file
// path inside slug's change directory. The logical names proposal and
// tasks map onto their markdown files; delta/<relpath> resolves within the
// delta subtree. The change must be active.
func (r *Repository) ArtifactPath(slug string, segments []string) (string, error) {
	if err := validation.ValidateSlug(slug); err != nil {
		return "", err
	}
	if r.isArchived(slug) {
		return "", archivedErr(slug)
	}
	if !r.exists(slug) {
		return "", r.noChange(slug)
	}

	dir := r.dir(slug)
	switch {
	case len(segments) == 1 && segments[0] == "proposal":
		return filepath.Join(dir, ProposalFile), nil
	case len(segments) == 1 && segments[0] == "tasks":
		return filepath.Join(dir, TasksFile), nil
	case len(segments) >= 1 && segments[0] == DeltaDir:
		if len(segments) == 1 {
			return filepath.Join(dir, DeltaDir), nil
		}
		return validation.SecureJoin(dir, append([]string{DeltaDir}, segments[1:]...)...)
	default:
		return "", types.NewError(types.CodeInvalidInput, "unknown artifact %q", filepath.Join(segments...)).
			WithHint("valid artifacts are proposal, tasks, and delta/<path>")
	}
}

// LockStatus describes one live lock for status reporting.
type LockStatus struct {
	Slug      string    `json:"slug"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Status summarizes the repository for diagnostics.
type Status struct {
	Root     string       `json:"root"`
	Active   int          `json:"active"`
	Archived int          `json:"archived"`
	Locks    []LockStatus `json:"locks"`
}

// Status counts active and archived changes and reports live locks.
func (r *Repository) Status() (*Status, error) {
	items, err := r.scanActive()
	if err != nil {
		return nil, err
	}

	st := &Status{Root: r.root, Active: len(items)}
	now := r.now()
	for _, it := range items {
		info, held := r.locks.Inspect(filepath.Join(it.Path, lockfile.FileName))
		if held && !info.Stale(now) {
			st.Locks = append(st.Locks, LockStatus{
				Slug:      it.Slug,
				Owner:     info.Owner,
				ExpiresAt: info.ExpiresAt(),
			})
		}
	}

	entries, err := os.ReadDir(r.archiveDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, types.NewError(types.CodeIO, "reading %s: %v", r.archiveDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() && validation.ValidateSlug(entry.Name()) == nil {
			st.Archived++
		}
	}
	return st, nil
}
