package change

import (
	"path/filepath"
	"sort"

	"github.com/untoldecay/ChangeFlow/internal/template"
	"github.com/untoldecay/ChangeFlow/internal/types"
	"github.com/untoldecay/ChangeFlow/internal/utils"
	"github.com/untoldecay/ChangeFlow/internal/validation"
)

// OpenInput carries the change.open arguments.
type OpenInput struct {
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	Kind      string `json:"template,omitempty"`
	Rationale string `json:"rationale,omitempty"`
	Owner     string `json:"owner,omitempty"`
	TTL       int64  `json:"ttl,omitempty"` // seconds; DefaultTTL when zero
}

// OpenResult is the change.open response payload.
type OpenResult struct {
	APIVersion   string             `json:"apiVersion"`
	Slug         string             `json:"slug"`
	Created      bool               `json:"created"`
	Locked       bool               `json:"locked"`
	Status       types.ChangeStatus `json:"status"`
	Paths        types.ChangePaths  `json:"paths"`
	ResourceURIs types.ResourceURIs `json:"resourceUris"`
}

// Open creates or resumes the draft named by in.Slug.
//
// A fresh slug gets a directory, rendered scaffold files, and a lock. An
// existing draft is resumed: with a live same-owner lock the lock is
// refreshed and nothing is re-rendered; with a stale or absent lock the
// caller acquires it; with another owner's live lock the call fails with
// ELOCKED carrying the holder. Archived slugs fail with EARCHIVED.
func (r *Repository) Open(in OpenInput) (*OpenResult, error) {
	res, kind, err := r.open(in)
	r.record(kind, in.Slug, r.ownerFor(in), err)
	return res, err
}

func (r *Repository) open(in OpenInput) (*OpenResult, string, error) {
	if err := validation.ValidateSlug(in.Slug); err != nil {
		return nil, "open", err
	}
	if in.Title == "" {
		return nil, "open", types.NewError(types.CodeInvalidInput, "title is required")
	}
	ttl := in.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < 0 {
		return nil, "open", types.NewError(types.CodeInvalidInput, "ttl must be positive, got %d", ttl)
	}
	owner := r.ownerFor(in)

	if r.isArchived(in.Slug) {
		return nil, "open", archivedErr(in.Slug)
	}

	dir := r.dir(in.Slug)
	created := false
	kind := "open"
	if r.exists(in.Slug) {
		var err error
		if kind, err = r.resumeLock(in.Slug, owner, ttl); err != nil {
			return nil, kind, err
		}
	} else {
		if err := r.scaffold(dir, in, owner); err != nil {
			return nil, kind, err
		}
		if _, err := r.locks.Acquire(r.lockPath(in.Slug), owner, ttl); err != nil {
			return nil, kind, err
		}
		created = true
		r.pager.Invalidate()
	}

	return &OpenResult{
		APIVersion:   r.apiVersion,
		Slug:         in.Slug,
		Created:      created,
		Locked:       true,
		Status:       types.StatusDraft,
		Paths:        paths(dir, true),
		ResourceURIs: resourceURIs(in.Slug),
	}, kind, nil
}

// ownerFor resolves the lock owner for an open call, falling back to the
// repository actor.
func (r *Repository) ownerFor(in OpenInput) string {
	if in.Owner != "" {
		return in.Owner
	}
	return r.actor.Name
}

// resumeLock reattaches the caller to an existing draft and names the
// outcome for the audit trail. A live same-owner lock is refreshed in
// place; anything else goes through the exclusive acquisition protocol,
// which reclaims stale locks and fails fast on live conflicts.
func (r *Repository) resumeLock(slug, owner string, ttl int64) (string, error) {
	path := r.lockPath(slug)
	info, held := r.locks.Inspect(path)
	if held && info.HeldBy(owner, r.now()) {
		_, err := r.locks.Refresh(path, owner, ttl)
		return "resume", err
	}

	kind := "resume"
	if held && info.Stale(r.now()) && info.Owner != owner {
		kind = "reclaim"
	}
	_, err := r.locks.Acquire(path, owner, ttl)
	return kind, err
}

// scaffold creates the change directory and writes the rendered template
// files plus an empty delta subtree. Each file is written atomically; a
// failure leaves at worst a directory of complete files and no lock.
func (r *Repository) scaffold(dir string, in OpenInput, owner string) error {
	files, err := r.templates.Render(template.Params{
		Kind:      in.Kind,
		Slug:      in.Slug,
		Title:     in.Title,
		Rationale: in.Rationale,
		Owner:     owner,
		Created:   r.now().UTC(),
	})
	if err != nil {
		return types.Wrap(err, types.CodeInvalidInput)
	}

	if err := utils.EnsureDir(dir, 0o755); err != nil {
		return types.NewError(types.CodeIO, "creating %s: %v", dir, err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		full, err := validation.SecureJoin(dir, name)
		if err != nil {
			return err
		}
		if err := utils.EnsureDir(filepath.Dir(full), 0o755); err != nil {
			return types.NewError(types.CodeIO, "creating parent of %s: %v", full, err)
		}
		if err := utils.WriteFileAtomic(full, files[name], 0o644); err != nil {
			return types.NewError(types.CodeIO, "writing %s: %v", full, err)
		}
	}

	if err := utils.EnsureDir(filepath.Join(dir, DeltaDir), 0o755); err != nil {
		return types.NewError(types.CodeIO, "creating delta directory: %v", err)
	}
	return nil
}
