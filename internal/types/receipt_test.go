package types

import (
	"strings"
	"testing"
	"time"
)

func TestReceiptCanonicalJSON(t *testing.T) {
	archivedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewReceipt("add-auth", "Add auth", "v1",
		[]string{"a1b2c3", "d4e5f6"},
		[]string{"proposal.md", "tasks.md"},
		TestSummary{Added: 2, Updated: 1, Passed: true},
		Actor{Name: "u@e", Type: "user"},
		archivedAt)

	data, err := r.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	out := string(data)

	// Keys must appear in alphabetical order.
	keys := []string{`"actor"`, `"apiVersion"`, `"archivedAt"`, `"commits"`, `"filesTouched"`, `"slug"`, `"tests"`, `"title"`}
	last := -1
	for _, k := range keys {
		idx := strings.Index(out, k)
		if idx < 0 {
			t.Fatalf("canonical receipt missing key %s:\n%s", k, out)
		}
		if idx < last {
			t.Errorf("key %s out of order in canonical receipt", k)
		}
		last = idx
	}

	if strings.HasSuffix(out, "\n") {
		t.Error("canonical receipt must not end with a newline")
	}
	if !strings.Contains(out, `"archivedAt": "2025-06-01T12:00:00Z"`) {
		t.Errorf("archivedAt not RFC3339 UTC:\n%s", out)
	}

	// Serialization is deterministic.
	again, err := r.CanonicalJSON()
	if err != nil {
		t.Fatalf("second CanonicalJSON() error = %v", err)
	}
	if string(again) != out {
		t.Error("canonical serialization not deterministic")
	}
}

func TestReceiptEmptyCollections(t *testing.T) {
	r := NewReceipt("x-y-z", "t", "v1", nil, nil, TestSummary{}, Actor{Name: "n", Type: "user"}, time.Now())
	data, err := r.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	if strings.Contains(string(data), "null") {
		t.Errorf("nil slices must serialize as [], got:\n%s", data)
	}
}

func TestLockInfoStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name  string
		lock  LockInfo
		stale bool
	}{
		{"live", LockInfo{Owner: "a", Since: now.Unix() - 10, TTL: 60}, false},
		{"exactly expired", LockInfo{Owner: "a", Since: now.Unix() - 60, TTL: 60}, true},
		{"long expired", LockInfo{Owner: "a", Since: now.Unix() - 7200, TTL: 3600}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.lock.Stale(now); got != tt.stale {
				t.Errorf("Stale() = %v, want %v", got, tt.stale)
			}
		})
	}
}
