package resource

import (
	"strings"
	"testing"

	"github.com/untoldecay/ChangeFlow/internal/types"
)

func TestParseListing(t *testing.T) {
	u, err := Parse("changes://active?page=2&pageSize=50")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if u.Scheme != SchemeChanges || u.Host != "active" {
		t.Errorf("scheme/host = %s/%s", u.Scheme, u.Host)
	}
	if u.Query["page"] != "2" || u.Query["pageSize"] != "50" {
		t.Errorf("query = %v", u.Query)
	}
	if u.MIME != "application/json" {
		t.Errorf("MIME = %s, want application/json", u.MIME)
	}
	if u.Security.Suspicious() {
		t.Errorf("clean listing flagged: %+v", u.Security)
	}
}

func TestParseArtifact(t *testing.T) {
	u, err := Parse("change://add-auth/proposal#design")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if u.Slug() != "add-auth" {
		t.Errorf("Slug() = %s", u.Slug())
	}
	if len(u.Segments) != 1 || u.Segments[0] != "proposal" {
		t.Errorf("segments = %v", u.Segments)
	}
	if u.Fragment != "design" {
		t.Errorf("fragment = %s", u.Fragment)
	}
	// A bare logical name has no extension; the read path re-infers after
	// resolving it to a file.
	if u.MIME != DefaultMIME {
		t.Errorf("MIME = %s, want %s", u.MIME, DefaultMIME)
	}
}

func TestParseDeltaFile(t *testing.T) {
	u, err := Parse("change://add-auth/delta/src/main.go")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if u.ArtifactPath() != "delta/src/main.go" {
		t.Errorf("ArtifactPath() = %s", u.ArtifactPath())
	}
	if u.MIME != "text/x-go" {
		t.Errorf("MIME = %s, want text/x-go", u.MIME)
	}
}

func TestParsePercentDecoding(t *testing.T) {
	u, err := Parse("change://add-auth/delta/release%20notes.md")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if u.Segments[1] != "release notes.md" {
		t.Errorf("decoded segment = %q", u.Segments[1])
	}
	if u.MIME != "text/markdown" {
		t.Errorf("MIME = %s", u.MIME)
	}
}

func TestParseHardFailures(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		code types.Code
	}{
		{"no separator", "change:add-auth", types.CodeInvalidFormat},
		{"empty scheme", "://x", types.CodeInvalidScheme},
		{"digit-led scheme", "9ch://x", types.CodeInvalidScheme},
		{"uppercase scheme", "Change://x", types.CodeInvalidScheme},
		{"unknown scheme", "http://example.com", types.CodeInvalidScheme},
		{"empty body", "change://", types.CodeInvalidFormat},
		{"only slashes", "change:////", types.CodeInvalidFormat},
		{"bad percent encoding", "change://add-auth/%zz", types.CodeInvalidFormat},
		{"too many segments", "change://a-b/1/2/3/4/5/6/7/8/9/10", types.CodeInvalidFormat},
		{"oversized query", "changes://active?x=" + strings.Repeat("a", 3000), types.CodeInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.uri)
			if err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
			if got := types.ErrCode(err); got != tt.code {
				t.Errorf("Parse() code = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestParseSecurityWarnings(t *testing.T) {
	tests := []struct {
		name      string
		uri       string
		traversal bool
		badSlug   bool
		badQuery  bool
	}{
		{"dotdot slug", "change://../../etc/passwd", true, true, false},
		{"encoded traversal", "change://add-auth/%2e%2e%2fsecret", true, false, false},
		{"tilde expansion", "change://add-auth/~root/file", true, false, false},
		{"invalid slug only", "change://Bad_Slug/proposal", false, true, false},
		{"null in query", "changes://active?x=a%00b", false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := Parse(tt.uri)
			if err != nil {
				t.Fatalf("Parse() hard-failed: %v (warnings expected instead)", err)
			}
			if u.Security.HasPathTraversal != tt.traversal {
				t.Errorf("HasPathTraversal = %v, want %v", u.Security.HasPathTraversal, tt.traversal)
			}
			if u.Security.HasInvalidSlug != tt.badSlug {
				t.Errorf("HasInvalidSlug = %v, want %v", u.Security.HasInvalidSlug, tt.badSlug)
			}
			if u.Security.HasInvalidQueryParams != tt.badQuery {
				t.Errorf("HasInvalidQueryParams = %v, want %v", u.Security.HasInvalidQueryParams, tt.badQuery)
			}
			if u.Security.Suspicious() && len(u.Security.Warnings) == 0 {
				t.Error("suspicious URI carries no warnings")
			}
		})
	}
}

func TestMIMEForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"proposal.md", "text/markdown"},
		{"NOTES.MD", "text/markdown"},
		{"data.json", "application/json"},
		{"archive.tar", "application/x-tar"},
		{"unknown.xyz", DefaultMIME},
		{"no-extension", DefaultMIME},
		{"payload.exe", DefaultMIME},
		{"script.bat", DefaultMIME},
	}
	for _, tt := range tests {
		if got := MIMEForPath(tt.path); got != tt.want {
			t.Errorf("MIMEForPath(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestRegisterMIME(t *testing.T) {
	RegisterMIME(".rst", "text/x-rst")
	if got := MIMEForPath("README.rst"); got != "text/x-rst" {
		t.Errorf("registered extension = %s", got)
	}

	// Executable suffixes stay pinned.
	RegisterMIME(".exe", "application/x-msdownload")
	if got := MIMEForPath("setup.exe"); got != DefaultMIME {
		t.Errorf("executable remap succeeded: %s", got)
	}
}
