// Package lockfile implements the per-change exclusion protocol: a JSON
// lock file acquired atomically, bounded by a TTL, reclaimable once stale,
// and always owner-only on disk.
//
// The protocol is crash-safe by construction: content is written to a
// temp sibling, fsynced, and published with an atomic link (fresh
// acquisition) or rename (reclaim/refresh). A crash mid-acquisition
// leaves either the old lock or the new lock, never a partial file.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/untoldecay/ChangeFlow/internal/types"
	"github.com/untoldecay/ChangeFlow/internal/validation"
)

// FileName is the lock file's name inside a change directory.
const FileName = ".lock"

// lockFileMode keeps lock files owner-only regardless of umask.
const lockFileMode = 0o600

// acquireAttempts bounds the create/inspect/reclaim loop so corrupt-file
// races cannot spin forever.
const acquireAttempts = 3

// Manager acquires, refreshes, inspects, and releases change locks. All
// lock paths are confined to the repository root it was constructed with.
type Manager struct {
	root string
	now  func() time.Time
}

// NewManager returns a Manager rooted at the given repository directory.
func NewManager(root string) *Manager {
	return &Manager{root: validation.Canonicalize(root), now: time.Now}
}

// Acquire takes the lock at path for owner with the given TTL in seconds.
//
// Exactly one of N concurrent acquirers succeeds; the rest observe
// ELOCKED carrying the current holder and expiry. A stale lock (past
// since+ttl) is reclaimed in place, and reclaiming normalizes the file
// mode back to owner-only.
func (m *Manager) Acquire(path, owner string, ttlSeconds int64) (types.LockInfo, error) {
	if err := m.checkArgs(path, owner, ttlSeconds); err != nil {
		return types.LockInfo{}, err
	}

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		info := types.LockInfo{Owner: owner, Since: m.now().Unix(), TTL: ttlSeconds}

		created, err := m.publishExclusive(path, info)
		if err != nil {
			return types.LockInfo{}, err
		}
		if created {
			return info, nil
		}

		existing, readable, err := m.read(path)
		if err != nil {
			return types.LockInfo{}, err
		}
		if !readable {
			// Unparseable or vanished between attempts: treat as absent
			// and retry the exclusive create.
			_ = os.Remove(path)
			continue
		}
		if !existing.Stale(m.now()) {
			return types.LockInfo{}, lockedErr(existing)
		}

		// Stale: reclaim by atomic replace.
		if err := m.publishReplace(path, info); err != nil {
			return types.LockInfo{}, err
		}
		return info, nil
	}
	return types.LockInfo{}, types.NewError(types.CodeIO, "could not acquire lock at %s after %d attempts", path, acquireAttempts)
}

// Refresh rewrites the lock for a holder that already owns it, updating
// since and ttl. It fails with ELOCKED when another owner holds a live
// lock, and otherwise behaves like Acquire (an absent or stale lock is
// simply taken).
func (m *Manager) Refresh(path, owner string, ttlSeconds int64) (types.LockInfo, error) {
	if err := m.checkArgs(path, owner, ttlSeconds); err != nil {
		return types.LockInfo{}, err
	}

	existing, readable, err := m.read(path)
	if err != nil {
		return types.LockInfo{}, err
	}
	if readable && existing.Owner != owner && !existing.Stale(m.now()) {
		return types.LockInfo{}, lockedErr(existing)
	}

	info := types.LockInfo{Owner: owner, Since: m.now().Unix(), TTL: ttlSeconds}
	if err := m.publishReplace(path, info); err != nil {
		return types.LockInfo{}, err
	}
	return info, nil
}

// Inspect reports the lock at path, held or stale. The second return is
// false when no parseable lock exists.
func (m *Manager) Inspect(path string) (types.LockInfo, bool) {
	info, readable, err := m.read(path)
	if err != nil || !readable {
		return types.LockInfo{}, false
	}
	return info, true
}

// Release removes owner's lock at path. Releasing an absent or stale lock
// is a no-op; releasing another owner's live lock fails with ELOCKED.
func (m *Manager) Release(path, owner string) error {
	existing, readable, err := m.read(path)
	if err != nil {
		return err
	}
	if !readable {
		return nil
	}
	if existing.Owner != owner && !existing.Stale(m.now()) {
		return lockedErr(existing)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return types.NewError(types.CodeIO, "removing lock %s: %v", path, err)
	}
	return nil
}

func (m *Manager) checkArgs(path, owner string, ttlSeconds int64) error {
	if owner == "" {
		return types.NewError(types.CodeInvalidInput, "lock owner is required")
	}
	if ttlSeconds <= 0 {
		return types.NewError(types.CodeInvalidInput, "lock ttl must be positive, got %d", ttlSeconds)
	}
	if !validation.IsWithinRoot(m.root, path) {
		return types.NewError(types.CodePathEscape, "lock path %s escapes the repository root", path)
	}
	return nil
}

// publishExclusive writes info to a temp sibling and links it to path.
// link(2) fails when the target exists, which makes the publish atomic
// and exclusive with respect to every other acquirer.
func (m *Manager) publishExclusive(path string, info types.LockInfo) (bool, error) {
	tmp, err := m.writeTemp(path, info)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, types.NewError(types.CodeIO, "publishing lock %s: %v", path, err)
	}
	return true, nil
}

// publishReplace atomically replaces whatever is at path, used for stale
// reclaim and same-owner refresh. Rename also restores the owner-only
// mode no matter what the prior file carried.
func (m *Manager) publishReplace(path string, info types.LockInfo) error {
	tmp, err := m.writeTemp(path, info)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return types.NewError(types.CodeIO, "reclaiming lock %s: %v", path, err)
	}
	return nil
}

func (m *Manager) writeTemp(path string, info types.LockInfo) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), FileName+"-*.tmp")
	if err != nil {
		return "", types.NewError(types.CodeIO, "creating lock temp file: %v", err)
	}
	tmp := f.Name()

	fail := func(op string, err error) (string, error) {
		f.Close()
		os.Remove(tmp)
		return "", types.NewError(types.CodeIO, "%s %s: %v", op, tmp, err)
	}

	if err := f.Chmod(lockFileMode); err != nil {
		return fail("chmod", err)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fail("encoding", err)
	}
	if _, err := f.Write(data); err != nil {
		return fail("writing", err)
	}
	if err := f.Sync(); err != nil {
		return fail("syncing", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", types.NewError(types.CodeIO, "closing %s: %v", tmp, err)
	}
	return tmp, nil
}

// read returns the parsed lock at path. readable is false when the file
// is absent or unparseable; err is reserved for real I/O failures.
func (m *Manager) read(path string) (info types.LockInfo, readable bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.LockInfo{}, false, nil
		}
		return types.LockInfo{}, false, types.NewError(types.CodeIO, "reading lock %s: %v", path, err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return types.LockInfo{}, false, nil
	}
	if info.Owner == "" || info.TTL <= 0 {
		return types.LockInfo{}, false, nil
	}
	return info, true, nil
}

func lockedErr(holder types.LockInfo) *types.WorkflowError {
	return types.NewError(types.CodeLocked, "locked by %s until %s",
		holder.Owner, holder.ExpiresAt().UTC().Format(time.RFC3339)).
		WithHint(fmt.Sprintf("retry after the lock expires or ask %s to archive the change", holder.Owner)).
		WithDetail("holder", holder.Owner).
		WithDetail("expiresAt", holder.ExpiresAt().UTC().Format(time.RFC3339))
}
