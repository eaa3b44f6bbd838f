package changeflow

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindRootFromNestedDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "changes"), 0o755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "src", "internal", "deep")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	if got := FindRoot(nested); got != root {
		t.Fatalf("FindRoot(%q) = %q, want %q", nested, got, root)
	}
	if got := FindRoot(root); got != root {
		t.Fatalf("FindRoot at root = %q, want %q", got, root)
	}
}

func TestFindRootHonorsConfigDirMarker(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".changeflow"), 0o755); err != nil {
		t.Fatal(err)
	}

	if got := FindRoot(root); got != root {
		t.Fatalf("FindRoot = %q, want %q", got, root)
	}
}

func TestFindRootReturnsEmptyWithoutRepository(t *testing.T) {
	// A bare temp dir has no repository markers anywhere on its path.
	dir := t.TempDir()
	if got := FindRoot(dir); got != "" {
		t.Fatalf("FindRoot(%q) = %q, want empty", dir, got)
	}
}

func TestFindRootIgnoresMarkerFiles(t *testing.T) {
	// The markers must be directories; a stray file named changes does
	// not make a repository.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "changes"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := FindRoot(dir); got != "" {
		t.Fatalf("FindRoot with marker file = %q, want empty", got)
	}
}

func TestRepositoryRoundTripThroughPublicAPI(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := t.TempDir()

	repo, err := NewRepository(root, Options{Actor: Actor{Type: "user", Name: "embed"}})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	defer repo.Close()

	res, err := repo.Open(OpenInput{Title: "Embedded open", Slug: "embedded-open"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res.Status != StatusDraft || !res.Created {
		t.Fatalf("open result = %+v", res)
	}

	list, err := repo.Active(ListRequest{})
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if list.TotalItems != 1 || list.Items[0].Slug != "embedded-open" {
		t.Fatalf("listing = %+v", list)
	}
}
