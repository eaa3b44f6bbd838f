// Package pagination lists change directories with cursors that survive
// concurrent mutation. Offset pagination skips or duplicates entries when
// the directory churns between pages; the cursor here is a sort-key lower
// bound, so deleted entries are skipped and nothing listed twice.
package pagination

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultPageSize applies when a request leaves pageSize unset.
	DefaultPageSize = 50

	// MaxPageSize is the hard cap on a single page.
	MaxPageSize = 200

	// cacheTTL bounds how stale a directory snapshot may get when file
	// events are unavailable.
	cacheTTL = 5 * time.Second
)

// Item is one listable entry.
type Item struct {
	Slug  string
	MTime time.Time
	Path  string
}

// SortKey renders the composite cursor key "<mtime-ISO8601>_<slug>".
func (it Item) SortKey() string {
	return it.MTime.UTC().Format(time.RFC3339) + "_" + it.Slug
}

// parseSortKey splits a cursor key back into its mtime and slug. The
// timestamp portion never contains an underscore, so the first one wins.
func parseSortKey(key string) (time.Time, string, error) {
	idx := strings.IndexByte(key, '_')
	if idx < 0 {
		return time.Time{}, "", fmt.Errorf("sort key %q missing separator", key)
	}
	ts, err := time.Parse(time.RFC3339, key[:idx])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("sort key %q has invalid timestamp: %w", key, err)
	}
	slug := key[idx+1:]
	if slug == "" {
		return time.Time{}, "", fmt.Errorf("sort key %q missing slug", key)
	}
	return ts, slug, nil
}

// listingLess orders items for display: newest mtime first, slug ascending
// on ties, path as the final tie-break.
func listingLess(a, b Item) bool {
	at, bt := a.MTime.Truncate(time.Second), b.MTime.Truncate(time.Second)
	if !at.Equal(bt) {
		return at.After(bt)
	}
	if a.Slug != b.Slug {
		return a.Slug < b.Slug
	}
	return a.Path < b.Path
}

// Request selects a page either by number or by resume token. A token wins
// over the page number when both are present.
type Request struct {
	Page     int
	PageSize int
	Token    string
}

// Page is one slice of the listing.
type Page struct {
	Page                int
	PageSize            int
	TotalItems          int
	HasMore             bool
	NextPageToken       string
	ModificationWarning bool
	Items               []Item
}

// Scanner materializes the current (slug, mtime, path) triples. It is
// invoked at most once per cache window.
type Scanner func() ([]Item, error)

// Engine serves pages over a scanner with a short-TTL snapshot cache.
// File events invalidate the cache early; without them the TTL bounds
// staleness.
type Engine struct {
	scan  Scanner
	codec *TokenCodec
	now   func() time.Time

	mu        sync.Mutex
	cached    []Item
	haveCache bool
	cachedAt  time.Time
	dirty     bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewEngine builds an engine over scan. signingKey may be empty.
func NewEngine(scan Scanner, signingKey string) *Engine {
	return &Engine{
		scan:  scan,
		codec: NewTokenCodec(signingKey),
		now:   time.Now,
	}
}

// Watch invalidates the snapshot cache on file events under dir. On
// watcher failure the engine falls back to TTL-only refresh.
func (e *Engine) Watch(dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher() failed: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	e.watcher = w
	e.done = make(chan struct{})

	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				e.mu.Lock()
				e.dirty = true
				e.mu.Unlock()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-e.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the file watcher and releases resources.
func (e *Engine) Close() error {
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
	if e.watcher != nil {
		err := e.watcher.Close()
		e.watcher = nil
		return err
	}
	return nil
}

// snapshot returns the sorted item set, rescanning when the cache is stale.
func (e *Engine) snapshot() ([]Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.haveCache && !e.dirty && e.now().Sub(e.cachedAt) < cacheTTL {
		return e.cached, nil
	}

	items, err := e.scan()
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return listingLess(items[i], items[j]) })
	e.cached = items
	e.haveCache = true
	e.cachedAt = e.now()
	e.dirty = false
	return items, nil
}

// Invalidate drops the cached snapshot so the next List rescans.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// List computes one page. Token errors surface as typed cursor failures;
// everything else follows the scanner.
func (e *Engine) List(req Request) (*Page, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	items, err := e.snapshot()
	if err != nil {
		return nil, err
	}

	pageNum := req.Page
	if pageNum < 1 {
		pageNum = 1
	}
	start := (pageNum - 1) * pageSize
	epoch := e.now()
	warning := false

	if req.Token != "" {
		payload, err := e.codec.Decode(req.Token)
		if err != nil {
			return nil, err
		}
		cursorTime, cursorSlug, err := parseSortKey(payload.SortKey)
		if err != nil {
			// Decode already validated the key; treat as corrupt anyway.
			return nil, err
		}
		start = resumeIndex(items, cursorTime, cursorSlug)
		pageNum = payload.Page + 1
		epoch = time.UnixMilli(payload.Timestamp)
		warning = modifiedSince(items, epoch)
	}

	if start > len(items) {
		start = len(items)
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}

	out := &Page{
		Page:                pageNum,
		PageSize:            pageSize,
		TotalItems:          len(items),
		HasMore:             end < len(items),
		ModificationWarning: warning,
		Items:               append([]Item(nil), items[start:end]...),
	}
	if out.HasMore && len(out.Items) > 0 {
		last := out.Items[len(out.Items)-1]
		out.NextPageToken = e.codec.Issue(pageNum, last.SortKey(), epoch)
	}
	return out, nil
}

// resumeIndex finds the first item strictly after the cursor position in
// listing order. A deleted cursor item degrades to its lower bound, so the
// listing continues without duplication. The comparison runs at second
// granularity because that is all the sort key encodes.
func resumeIndex(items []Item, cursorTime time.Time, cursorSlug string) int {
	ct := cursorTime.Truncate(time.Second)
	return sort.Search(len(items), func(i int) bool {
		it := items[i].MTime.Truncate(time.Second)
		if !it.Equal(ct) {
			// Older mtime sorts after the cursor in a newest-first listing.
			return it.Before(ct)
		}
		return items[i].Slug > cursorSlug
	})
}

// modifiedSince reports whether any item changed after the epoch start.
func modifiedSince(items []Item, epoch time.Time) bool {
	for _, it := range items {
		if it.MTime.After(epoch) {
			return true
		}
	}
	return false
}
