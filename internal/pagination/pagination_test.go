package pagination

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/untoldecay/ChangeFlow/internal/types"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// makeItems builds n items with distinct descending mtimes so the listing
// order matches the construction order.
func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := 0; i < n; i++ {
		slug := fmt.Sprintf("change-%02d", i)
		items[i] = Item{
			Slug:  slug,
			MTime: baseTime.Add(-time.Duration(i) * time.Minute),
			Path:  "/repo/changes/" + slug,
		}
	}
	return items
}

func TestSortKeyRoundTrip(t *testing.T) {
	it := Item{Slug: "add-auth", MTime: baseTime}
	key := it.SortKey()
	if key != "2025-06-01T12:00:00Z_add-auth" {
		t.Errorf("SortKey() = %q", key)
	}
	ts, slug, err := parseSortKey(key)
	if err != nil {
		t.Fatalf("parseSortKey() error = %v", err)
	}
	if !ts.Equal(baseTime) || slug != "add-auth" {
		t.Errorf("parseSortKey() = %v, %q", ts, slug)
	}
}

func TestParseSortKeyErrors(t *testing.T) {
	for _, key := range []string{"", "no-separator", "not-a-time_slug", "2025-06-01T12:00:00Z_"} {
		if _, _, err := parseSortKey(key); err == nil {
			t.Errorf("parseSortKey(%q) succeeded, want error", key)
		}
	}
}

func TestListingOrder(t *testing.T) {
	scan := func() ([]Item, error) {
		return []Item{
			{Slug: "bravo", MTime: baseTime},
			{Slug: "alpha", MTime: baseTime},
			{Slug: "older", MTime: baseTime.Add(-time.Hour)},
			{Slug: "newest", MTime: baseTime.Add(time.Hour)},
		}, nil
	}
	e := NewEngine(scan, "")
	page, err := e.List(Request{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"newest", "alpha", "bravo", "older"}
	if len(page.Items) != len(want) {
		t.Fatalf("List() returned %d items, want %d", len(page.Items), len(want))
	}
	for i, slug := range want {
		if page.Items[i].Slug != slug {
			t.Errorf("items[%d] = %s, want %s", i, page.Items[i].Slug, slug)
		}
	}
}

func TestPagingBasics(t *testing.T) {
	items := makeItems(12)
	e := NewEngine(func() ([]Item, error) { return items, nil }, "")

	p1, err := e.List(Request{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("page 1 error = %v", err)
	}
	if len(p1.Items) != 10 || !p1.HasMore || p1.NextPageToken == "" {
		t.Fatalf("page 1 = %d items, hasMore %v, token %q", len(p1.Items), p1.HasMore, p1.NextPageToken)
	}
	if p1.TotalItems != 12 || p1.Page != 1 {
		t.Errorf("page 1 meta = total %d page %d", p1.TotalItems, p1.Page)
	}

	p2, err := e.List(Request{PageSize: 10, Token: p1.NextPageToken})
	if err != nil {
		t.Fatalf("page 2 error = %v", err)
	}
	if len(p2.Items) != 2 || p2.HasMore || p2.NextPageToken != "" {
		t.Fatalf("page 2 = %d items, hasMore %v", len(p2.Items), p2.HasMore)
	}
	if p2.Page != 2 {
		t.Errorf("page 2 number = %d", p2.Page)
	}
	if p2.Items[0].Slug != "change-10" || p2.Items[1].Slug != "change-11" {
		t.Errorf("page 2 items = %s, %s", p2.Items[0].Slug, p2.Items[1].Slug)
	}
}

func TestPagingOffsetWithoutToken(t *testing.T) {
	items := makeItems(12)
	e := NewEngine(func() ([]Item, error) { return items, nil }, "")

	p3, err := e.List(Request{Page: 3, PageSize: 5})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(p3.Items) != 2 || p3.Items[0].Slug != "change-10" {
		t.Errorf("page 3 = %v", p3.Items)
	}

	empty, err := e.List(Request{Page: 9, PageSize: 5})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(empty.Items) != 0 || empty.HasMore {
		t.Errorf("far page = %d items, hasMore %v", len(empty.Items), empty.HasMore)
	}
}

func TestPagingSurvivesDeletions(t *testing.T) {
	all := makeItems(12)
	current := all
	e := NewEngine(func() ([]Item, error) { return append([]Item(nil), current...), nil }, "")

	p1, err := e.List(Request{PageSize: 10})
	if err != nil {
		t.Fatalf("page 1 error = %v", err)
	}

	// Two already-listed items disappear between pages.
	current = nil
	for i, it := range all {
		if i == 2 || i == 5 {
			continue
		}
		current = append(current, it)
	}
	e.Invalidate()

	p2, err := e.List(Request{PageSize: 10, Token: p1.NextPageToken})
	if err != nil {
		t.Fatalf("page 2 error = %v", err)
	}
	if len(p2.Items) != 2 {
		t.Fatalf("page 2 = %d items, want 2", len(p2.Items))
	}
	if p2.Items[0].Slug != "change-10" || p2.Items[1].Slug != "change-11" {
		t.Errorf("page 2 items = %s, %s; survivors were skipped or duplicated",
			p2.Items[0].Slug, p2.Items[1].Slug)
	}
}

func TestCursorItemDeleted(t *testing.T) {
	all := makeItems(6)
	current := all
	e := NewEngine(func() ([]Item, error) { return append([]Item(nil), current...), nil }, "")

	p1, err := e.List(Request{PageSize: 3})
	if err != nil {
		t.Fatalf("page 1 error = %v", err)
	}

	// The cursor item itself (change-02, last on page 1) is deleted.
	current = append(append([]Item(nil), all[:2]...), all[3:]...)
	e.Invalidate()

	p2, err := e.List(Request{PageSize: 3, Token: p1.NextPageToken})
	if err != nil {
		t.Fatalf("page 2 error = %v", err)
	}
	if len(p2.Items) != 3 || p2.Items[0].Slug != "change-03" {
		t.Errorf("page 2 after cursor deletion = %v", slugs(p2.Items))
	}
}

func slugs(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Slug
	}
	return out
}

func TestModificationWarning(t *testing.T) {
	items := makeItems(4)
	e := NewEngine(func() ([]Item, error) { return append([]Item(nil), items...), nil }, "")

	p1, err := e.List(Request{PageSize: 2})
	if err != nil {
		t.Fatalf("page 1 error = %v", err)
	}
	if p1.ModificationWarning {
		t.Error("fresh listing should not warn")
	}

	// An item is touched after the epoch started.
	items[3].MTime = time.Now().Add(time.Hour)
	e.Invalidate()

	p2, err := e.List(Request{PageSize: 2, Token: p1.NextPageToken})
	if err != nil {
		t.Fatalf("page 2 error = %v", err)
	}
	if !p2.ModificationWarning {
		t.Error("listing changed mid-epoch, want modification warning")
	}
}

func TestPageSizeBounds(t *testing.T) {
	items := makeItems(5)
	e := NewEngine(func() ([]Item, error) { return items, nil }, "")

	p, err := e.List(Request{PageSize: 0})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if p.PageSize != DefaultPageSize {
		t.Errorf("default pageSize = %d, want %d", p.PageSize, DefaultPageSize)
	}

	p, err = e.List(Request{PageSize: 9999})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if p.PageSize != MaxPageSize {
		t.Errorf("clamped pageSize = %d, want %d", p.PageSize, MaxPageSize)
	}
}

func TestSnapshotCache(t *testing.T) {
	scans := 0
	e := NewEngine(func() ([]Item, error) { scans++; return makeItems(3), nil }, "")

	for i := 0; i < 3; i++ {
		if _, err := e.List(Request{}); err != nil {
			t.Fatalf("List() error = %v", err)
		}
	}
	if scans != 1 {
		t.Errorf("scans = %d within the cache window, want 1", scans)
	}

	e.Invalidate()
	if _, err := e.List(Request{}); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if scans != 2 {
		t.Errorf("scans after Invalidate = %d, want 2", scans)
	}

	// TTL expiry forces a rescan too.
	now := time.Now()
	e.now = func() time.Time { return now.Add(10 * time.Second) }
	if _, err := e.List(Request{}); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if scans != 3 {
		t.Errorf("scans after TTL expiry = %d, want 3", scans)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	for _, key := range []string{"", "secret"} {
		tc := NewTokenCodec(key)
		tc.now = func() time.Time { return baseTime }
		token := tc.Issue(3, "2025-06-01T12:00:00Z_add-auth", baseTime)
		p, err := tc.Decode(token)
		if err != nil {
			t.Fatalf("Decode() with key %q error = %v", key, err)
		}
		if p.Page != 3 || p.SortKey != "2025-06-01T12:00:00Z_add-auth" {
			t.Errorf("payload = %+v", p)
		}
	}
}

func TestTokenValidation(t *testing.T) {
	signed := NewTokenCodec("secret")
	unsigned := NewTokenCodec("")
	good := signed.Issue(1, "2025-06-01T12:00:00Z_a-b", time.Now())

	tests := []struct {
		name  string
		codec *TokenCodec
		token string
		code  types.Code
	}{
		{"oversized", unsigned, strings.Repeat("A", MaxTokenSize+1), types.CodeInvalidCursor},
		{"garbage base64", unsigned, "!!!not-base64!!!", types.CodeInvalidCursor},
		{"not json", unsigned, "bm90LWpzb24", types.CodeInvalidCursor},
		{"missing signature", signed, strings.SplitN(good, ".", 2)[0], types.CodeInvalidCursor},
		{"tampered signature", signed, strings.SplitN(good, ".", 2)[0] + ".AAAA", types.CodeInvalidCursor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.Decode(tt.token)
			if err == nil {
				t.Fatal("Decode() succeeded, want error")
			}
			if got := types.ErrCode(err); got != tt.code {
				t.Errorf("Decode() code = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestTokenExpiry(t *testing.T) {
	tc := NewTokenCodec("")
	token := tc.Issue(1, "2025-06-01T12:00:00Z_a-b", baseTime)

	tc.now = func() time.Time { return baseTime.Add(25 * time.Hour) }
	_, err := tc.Decode(token)
	if err == nil {
		t.Fatal("Decode() of expired token succeeded")
	}
	if got := types.ErrCode(err); got != types.CodeExpiredCursor {
		t.Errorf("code = %s, want %s", got, types.CodeExpiredCursor)
	}

	tc.now = func() time.Time { return baseTime.Add(23 * time.Hour) }
	if _, err := tc.Decode(token); err != nil {
		t.Errorf("Decode() within TTL error = %v", err)
	}
}

func TestTokenBadShape(t *testing.T) {
	tc := NewTokenCodec("")
	// Valid base64 JSON with a zero page.
	token := tc.Issue(0, "", time.Time{})
	if _, err := tc.Decode(token); err == nil {
		t.Fatal("Decode() of malformed payload succeeded")
	}
}
