// Package resource parses the change:// and changes:// URI families.
// Parsing is deliberately split from policy: malformed URIs fail hard with
// INVALID_FORMAT or INVALID_SCHEME, while suspicious-but-parseable input
// (traversal markers, bad slugs, oversized query values) is surfaced in a
// security block for the caller to act on.
package resource

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/untoldecay/ChangeFlow/internal/types"
	"github.com/untoldecay/ChangeFlow/internal/validation"
)

// Schemes understood by the parser.
const (
	SchemeChange  = "change"
	SchemeChanges = "changes"
)

// Security flags accumulated while parsing. The parser never rejects solely
// because of these; callers decide policy.
type Security struct {
	HasPathTraversal      bool     `json:"hasPathTraversal"`
	HasInvalidSlug        bool     `json:"hasInvalidSlug"`
	HasInvalidQueryParams bool     `json:"hasInvalidQueryParams"`
	Warnings              []string `json:"warnings"`
}

// Suspicious reports whether any security flag is raised.
func (s Security) Suspicious() bool {
	return s.HasPathTraversal || s.HasInvalidSlug || s.HasInvalidQueryParams
}

// URI is a parsed resource locator.
type URI struct {
	Raw      string
	Scheme   string
	Host     string
	Segments []string
	Query    map[string]string
	Fragment string
	MIME     string
	Security Security
}

// Slug returns the change slug for change:// URIs, "" otherwise.
func (u *URI) Slug() string {
	if u.Scheme == SchemeChange {
		return u.Host
	}
	return ""
}

// ArtifactPath joins the decoded path segments below the slug.
func (u *URI) ArtifactPath() string {
	return strings.Join(u.Segments, "/")
}

var schemePattern = "abcdefghijklmnopqrstuvwxyz0123456789"

func validScheme(s string) bool {
	if s == "" || s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(schemePattern, r) {
			return false
		}
	}
	return true
}

// Parse splits raw into its parts and inspects them. Hard failures return
// typed INVALID_FORMAT / INVALID_SCHEME errors; soft findings land in the
// Security block.
func Parse(raw string) (*URI, error) {
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return nil, types.NewError(types.CodeInvalidFormat, "uri %q is missing the scheme separator", truncate(raw)).
			WithHint("expected change://<slug>/... or changes://active")
	}
	scheme := raw[:idx]
	if !validScheme(scheme) {
		return nil, types.NewError(types.CodeInvalidScheme, "uri scheme %q is not a valid identifier", truncate(scheme))
	}
	if scheme != SchemeChange && scheme != SchemeChanges {
		return nil, types.NewError(types.CodeInvalidScheme, "unsupported uri scheme %q", scheme).
			WithHint("supported schemes: change://, changes://")
	}

	rest := raw[idx+3:]

	// Fragment first, then query, then path.
	var fragment string
	if h := strings.IndexByte(rest, '#'); h >= 0 {
		rest, fragment = rest[:h], rest[h+1:]
	}
	var rawQuery string
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		rest, rawQuery = rest[:q], rest[q+1:]
	}

	u := &URI{
		Raw:      raw,
		Scheme:   scheme,
		Fragment: fragment,
		Query:    map[string]string{},
	}

	// Split the path, collapsing empty segments.
	var components []string
	for _, seg := range strings.Split(rest, "/") {
		if seg != "" {
			components = append(components, seg)
		}
	}
	if len(components) == 0 {
		return nil, types.NewError(types.CodeInvalidFormat, "uri %q has an empty body", truncate(raw))
	}
	if len(components) > validation.MaxPathSegments {
		return nil, types.NewError(types.CodeInvalidFormat, "uri has %d path segments, maximum is %d",
			len(components), validation.MaxPathSegments)
	}

	// Inspect every component raw, then decode it. TraversalMarkers already
	// re-decodes internally, which covers double-encoded forms.
	decoded := make([]string, len(components))
	for i, seg := range components {
		if markers := validation.TraversalMarkers(seg); len(markers) > 0 {
			u.Security.HasPathTraversal = true
			for _, m := range markers {
				u.Security.Warnings = append(u.Security.Warnings,
					fmt.Sprintf("path segment %d contains %s", i+1, m))
			}
		}
		d, err := url.PathUnescape(seg)
		if err != nil {
			return nil, types.NewError(types.CodeInvalidFormat, "path segment %d has invalid percent-encoding", i+1)
		}
		decoded[i] = d
	}
	u.Host = decoded[0]
	u.Segments = decoded[1:]

	// change:// addresses a single change; its first segment is the slug.
	if scheme == SchemeChange {
		if err := validation.ValidateSlug(u.Host); err != nil {
			u.Security.HasInvalidSlug = true
			u.Security.Warnings = append(u.Security.Warnings,
				fmt.Sprintf("slug %q fails validation", truncate(u.Host)))
		}
	}

	if err := parseQuery(u, rawQuery); err != nil {
		return nil, err
	}

	u.MIME = inferMIME(u)
	return u, nil
}

func parseQuery(u *URI, rawQuery string) error {
	if rawQuery == "" {
		return nil
	}
	if len(rawQuery) > validation.MaxQueryLength {
		return types.NewError(types.CodeInvalidFormat, "query string exceeds %d bytes", validation.MaxQueryLength)
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return types.NewError(types.CodeInvalidFormat, "query string is malformed: %v", err)
	}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		val := vals[0]
		if err := validation.CheckQueryValue(val); err != nil {
			u.Security.HasInvalidQueryParams = true
			u.Security.Warnings = append(u.Security.Warnings,
				fmt.Sprintf("query parameter %q is unsafe", key))
		}
		u.Query[key] = val
	}
	return nil
}

// mimeTypes maps lowercase extensions to served types. RegisterMIME extends
// the table at startup.
var mimeTypes = map[string]string{
	".md":   "text/markdown",
	".txt":  "text/plain",
	".json": "application/json",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".toml": "application/toml",
	".html": "text/html",
	".css":  "text/css",
	".js":   "text/javascript",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".sh":   "text/x-shellscript",
	".csv":  "text/csv",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
}

// executableSuffixes are never served with an executable-friendly type.
var executableSuffixes = map[string]bool{
	".exe": true,
	".bat": true,
	".cmd": true,
	".com": true,
	".scr": true,
}

// DefaultMIME is served when no extension matches.
const DefaultMIME = "application/octet-stream"

// RegisterMIME adds or overrides an extension mapping. Extensions must
// include the leading dot. Executable suffixes cannot be re-mapped.
func RegisterMIME(ext, mime string) {
	ext = strings.ToLower(ext)
	if executableSuffixes[ext] {
		return
	}
	mimeTypes[ext] = mime
}

func inferMIME(u *URI) string {
	// Listings are JSON payloads regardless of path shape.
	if u.Scheme == SchemeChanges {
		return "application/json"
	}
	last := u.Host
	if len(u.Segments) > 0 {
		last = u.Segments[len(u.Segments)-1]
	}
	return MIMEForPath(last)
}

// MIMEForPath infers the served type from a file name's extension.
// Executable suffixes are always forced to the binary default.
func MIMEForPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return DefaultMIME
	}
	if executableSuffixes[ext] {
		return DefaultMIME
	}
	if mime, ok := mimeTypes[ext]; ok {
		return mime
	}
	return DefaultMIME
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
