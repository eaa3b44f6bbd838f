package validation

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/untoldecay/ChangeFlow/internal/types"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"dot segments", "/repo/changes/./add-auth", "/repo/changes/add-auth"},
		{"parent segments", "/repo/changes/../changes/add-auth", "/repo/changes/add-auth"},
		{"redundant separators", "/repo//changes///add-auth", "/repo/changes/add-auth"},
		{"trailing slash", "/repo/changes/", "/repo/changes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Canonicalize(tt.in); got != tt.want {
				t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalizeRelative(t *testing.T) {
	got := Canonicalize("some/relative/path")
	if !filepath.IsAbs(got) {
		t.Errorf("Canonicalize of a relative path must be absolute, got %q", got)
	}
}

func TestIsWithinRoot(t *testing.T) {
	tests := []struct {
		name      string
		root      string
		candidate string
		want      bool
	}{
		{"direct child", "/repo", "/repo/changes", true},
		{"deep child", "/repo", "/repo/changes/add-auth/delta/x.md", true},
		{"root itself", "/repo", "/repo", true},
		{"sibling with shared prefix", "/repo", "/repo-evil/secret", false},
		{"parent", "/repo", "/", false},
		{"traversal resolving outside", "/repo", "/repo/changes/../../etc/passwd", false},
		{"traversal resolving inside", "/repo", "/repo/changes/../changes/x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWithinRoot(tt.root, tt.candidate); got != tt.want {
				t.Errorf("IsWithinRoot(%q, %q) = %v, want %v", tt.root, tt.candidate, got, tt.want)
			}
		})
	}
}

func TestSecureJoin(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name      string
		segments  []string
		wantError bool
	}{
		{"plain", []string{"changes", "add-auth", "proposal.md"}, false},
		{"traversal segment", []string{"changes", "..", "secret"}, true},
		{"embedded traversal", []string{"changes/../../x"}, true},
		{"tilde", []string{"~root", "x"}, true},
		{"encoded traversal", []string{"%2e%2e", "x"}, true},
		{"null byte", []string{"a\x00b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecureJoin(root, tt.segments...)
			if (err != nil) != tt.wantError {
				t.Errorf("SecureJoin(%v) error = %v, wantError %v", tt.segments, err, tt.wantError)
				return
			}
			if err != nil {
				if code := types.ErrCode(err); code != types.CodePathEscape {
					t.Errorf("SecureJoin(%v) code = %s, want %s", tt.segments, code, types.CodePathEscape)
				}
				return
			}
			if !IsWithinRoot(root, got) {
				t.Errorf("SecureJoin(%v) = %q, outside root %q", tt.segments, got, root)
			}
		})
	}
}

func TestTraversalMarkers(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		dirty bool
	}{
		{"clean", "proposal.md", false},
		{"clean nested", "schemas/user.json", false},
		{"dotdot", "../etc/passwd", true},
		{"tilde", "~/.ssh/id_rsa", true},
		{"encoded dotdot", "%2e%2e/etc", true},
		{"encoded dotdot uppercase", "%2E%2E/etc", true},
		{"double encoded dotdot", "%252e%252e/etc", true},
		{"encoded tilde", "%7e/secrets", true},
		{"encoded null", "file%00.md", true},
		{"null byte", "file\x00.md", true},
		{"single dot clean", "./config", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TraversalMarkers(tt.in)
			if (len(got) > 0) != tt.dirty {
				t.Errorf("TraversalMarkers(%q) = %v, dirty = %v", tt.in, got, tt.dirty)
			}
		})
	}
}

func TestCheckQueryValue(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		wantError bool
	}{
		{"plain", "50", false},
		{"token sized", strings.Repeat("A", MaxQueryValueLength), false},
		{"oversized", strings.Repeat("A", MaxQueryValueLength+1), true},
		{"traversal", "../token", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQueryValue(tt.value)
			if (err != nil) != tt.wantError {
				t.Errorf("CheckQueryValue error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}
