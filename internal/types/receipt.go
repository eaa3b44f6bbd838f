package types

import (
	"bytes"
	"encoding/json"
	"time"
)

// Receipt is the immutable audit record written to <change>/receipt.json
// when a change is archived. Field order is alphabetical so that a plain
// marshal produces the canonical key order; arrays preserve insertion
// order. Once written a receipt is never rewritten.
type Receipt struct {
	Actor        Actor       `json:"actor"`
	APIVersion   string      `json:"apiVersion"`
	ArchivedAt   string      `json:"archivedAt"`
	Commits      []string    `json:"commits"`
	FilesTouched []string    `json:"filesTouched"`
	Slug         string      `json:"slug"`
	Tests        TestSummary `json:"tests"`
	Title        string      `json:"title"`
}

// Actor identifies who archived a change.
type Actor struct {
	Name string `json:"name"`
	Type string `json:"type"` // "user" or "agent"
}

// TestSummary is the pass/fail digest recorded at archive time. When no
// test collaborator is configured the zero counts are recorded and Passed
// stays false.
type TestSummary struct {
	Added   int  `json:"added"`
	Passed  bool `json:"passed"`
	Updated int  `json:"updated"`
}

// NewReceipt builds a receipt with non-nil slices and an RFC3339 archive
// timestamp, ready for canonical serialization.
func NewReceipt(slug, title, apiVersion string, commits, filesTouched []string, tests TestSummary, actor Actor, archivedAt time.Time) *Receipt {
	if commits == nil {
		commits = []string{}
	}
	if filesTouched == nil {
		filesTouched = []string{}
	}
	return &Receipt{
		Actor:        actor,
		APIVersion:   apiVersion,
		ArchivedAt:   archivedAt.UTC().Format(time.RFC3339),
		Commits:      commits,
		FilesTouched: filesTouched,
		Slug:         slug,
		Tests:        tests,
		Title:        title,
	}
}

// CanonicalJSON serializes the receipt in its canonical form: UTF-8,
// two-space indentation, alphabetical keys, no trailing newline, no HTML
// escaping.
func (r *Receipt) CanonicalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	// Encode appends a newline; canonical form carries none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
