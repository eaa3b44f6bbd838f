// Package types defines the shared entities of the change repository:
// changes, locks, receipts, and the error taxonomy that crosses the wire.
package types

import "time"

// ChangeStatus is the durable state of a change directory.
type ChangeStatus string

const (
	// StatusDraft means the change directory exists and has not been archived.
	StatusDraft ChangeStatus = "draft"
	// StatusLocked is a draft with a live lock file.
	StatusLocked ChangeStatus = "locked"
	// StatusArchived is the terminal state; archived changes never appear
	// in active listings.
	StatusArchived ChangeStatus = "archived"
)

// Change describes one unit of proposed work: a directory under
// <root>/changes/<slug> holding a proposal, a task list, and an optional
// delta subtree.
type Change struct {
	Slug      string       `json:"slug"`
	Title     string       `json:"title"`
	Status    ChangeStatus `json:"status"`
	Template  string       `json:"template,omitempty"`
	Owner     string       `json:"owner,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Paths     ChangePaths  `json:"paths"`
}

// ChangePaths holds the absolute filesystem paths of a change's artifacts.
// Delta is empty in listing items, which only surface root/proposal/tasks.
type ChangePaths struct {
	Root     string `json:"root"`
	Proposal string `json:"proposal"`
	Tasks    string `json:"tasks"`
	Delta    string `json:"delta,omitempty"`
}

// ResourceURIs are the change:// identifiers for a change's artifacts.
type ResourceURIs struct {
	Proposal string `json:"proposal"`
	Tasks    string `json:"tasks"`
	Delta    string `json:"delta"`
}

// LockInfo is the decoded contents of a <change>/.lock file.
// A lock is held iff the file exists and now < Since+TTL; past that it is
// stale and any acquirer may reclaim it.
type LockInfo struct {
	Owner string `json:"owner"`
	Since int64  `json:"since"` // unix seconds at acquisition
	TTL   int64  `json:"ttl"`   // seconds
}

// ExpiresAt returns the instant the lock becomes stale.
func (l LockInfo) ExpiresAt() time.Time {
	return time.Unix(l.Since+l.TTL, 0)
}

// Stale reports whether the lock has outlived its TTL at the given instant.
func (l LockInfo) Stale(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}

// HeldBy reports whether the lock is live and owned by owner.
func (l LockInfo) HeldBy(owner string, now time.Time) bool {
	return l.Owner == owner && !l.Stale(now)
}
