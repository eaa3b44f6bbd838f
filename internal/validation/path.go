package validation

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/untoldecay/ChangeFlow/internal/types"
)

// Limits applied to resource URIs before any path is derived from them.
const (
	// MaxPathSegments bounds the number of path segments in a URI.
	MaxPathSegments = 10
	// MaxQueryValueLength bounds a single decoded query value.
	MaxQueryValueLength = 1024
	// MaxQueryLength bounds the raw query string, preventing the token
	// channel from being abused as a data channel.
	MaxQueryLength = 2048
)

// Canonicalize resolves "." and ".." segments lexically, consolidates
// redundant separators, and returns the absolute form of path. No
// symlinks are followed.
func Canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		// filepath.Abs only fails when the working directory is gone;
		// fall back to a lexical clean of the input.
		return filepath.Clean(path)
	}
	return abs
}

// IsWithinRoot reports whether the canonicalized candidate lies at or
// below root, comparing on segment boundaries so that "/repo-evil" is not
// inside "/repo".
func IsWithinRoot(root, candidate string) bool {
	r := Canonicalize(root)
	c := Canonicalize(candidate)
	if c == r {
		return true
	}
	return strings.HasPrefix(c, r+string(filepath.Separator))
}

// SecureJoin joins segments under root and confines the result: each
// segment is traversal-checked, and the joined path is verified to remain
// within root after canonicalization. The returned path is absolute.
func SecureJoin(root string, segments ...string) (string, error) {
	for _, seg := range segments {
		if err := CheckPathSegment(seg); err != nil {
			return "", err
		}
	}
	joined := Canonicalize(filepath.Join(append([]string{root}, segments...)...))
	if !IsWithinRoot(root, joined) {
		return "", types.NewError(types.CodePathEscape, "path escapes the repository root").
			WithDetail("path", filepath.Join(segments...))
	}
	return joined, nil
}

// TraversalMarkers returns descriptions of every unsafe marker found in s:
// parent-directory traversal, home expansion, null bytes, and their
// percent-encoded variants. The string is inspected raw, once-decoded,
// and twice-decoded so double-encoded attacks (%252e%252e) are caught.
// An empty result means s is clean.
func TraversalMarkers(s string) []string {
	seen := make(map[string]bool)
	var markers []string
	add := func(m string) {
		if !seen[m] {
			seen[m] = true
			markers = append(markers, m)
		}
	}

	form := s
	for pass := 0; pass < 3; pass++ {
		scanMarkers(form, add)
		decoded, err := url.PathUnescape(form)
		if err != nil || decoded == form {
			break
		}
		form = decoded
	}
	return markers
}

func scanMarkers(form string, add func(string)) {
	lower := strings.ToLower(form)
	if strings.ContainsRune(form, 0) {
		add("null byte")
	}
	if strings.Contains(form, "..") {
		add("parent-directory traversal")
	}
	if strings.Contains(form, "~") {
		add("home-directory expansion")
	}
	if strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%7e") || strings.Contains(lower, "%00") {
		add("encoded traversal marker")
	}
}

// CheckPathSegment is the hard-stop form of TraversalMarkers: any marker
// in the segment fails with EPATH_ESCAPE.
func CheckPathSegment(segment string) error {
	if markers := TraversalMarkers(segment); len(markers) > 0 {
		return types.NewError(types.CodePathEscape, "unsafe path segment %q: %s", segment, markers[0]).
			WithHint("artifact paths are relative to the change directory and may not reach outside it").
			WithDetail("segment", segment)
	}
	return nil
}

// CheckQueryValue bounds one decoded query value and screens it for the
// same markers as path segments.
func CheckQueryValue(value string) error {
	if len(value) > MaxQueryValueLength {
		return types.NewError(types.CodeInvalidInput, "query value exceeds %d bytes", MaxQueryValueLength)
	}
	return CheckPathSegment(value)
}
