// Package validation guards every piece of raw user input before it can
// reach a filesystem call: slug shapes, path canonicalization, repository
// root confinement, and the traversal checks applied to URI segments and
// query values.
package validation

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/untoldecay/ChangeFlow/internal/types"
)

// SlugPattern is the normative slug grammar: 3-64 chars, lowercase
// alphanumerics with internal hyphens. Exported so tool schemas can
// publish it verbatim.
const SlugPattern = `^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`

var slugPattern = regexp.MustCompile(SlugPattern)

// ValidateSlug checks s against the slug grammar. Input is accepted as-is
// or rejected; no case folding or trimming is performed.
func ValidateSlug(s string) error {
	if s == "" {
		return types.NewError(types.CodeBadSlug, "slug is required").
			WithHint("use 3-64 lowercase letters, digits, and hyphens, e.g. 'add-auth'")
	}
	if strings.ContainsRune(s, 0) {
		return types.NewError(types.CodeBadSlug, "slug contains a null byte")
	}
	// Reject percent-encoded smuggling before the shape check: a decoded
	// form that differs from the raw form means the input was encoded.
	if decoded, err := url.PathUnescape(s); err == nil && decoded != s {
		return types.NewError(types.CodeBadSlug, "slug %q contains percent-encoded characters", s).
			WithHint("slugs must be plain lowercase identifiers")
	}
	if !slugPattern.MatchString(s) {
		return types.NewError(types.CodeBadSlug, "invalid slug %q", s).
			WithHint("slugs are 3-64 chars of [a-z0-9-], starting and ending with a letter or digit").
			WithDetail("slug", s)
	}
	return nil
}

// SlugFromTitle derives a slug candidate from a free-form title:
// lowercase, runs of non-alphanumerics collapsed to single hyphens,
// trimmed to the grammar's length bound. The result still must pass
// ValidateSlug (a title of only punctuation yields an empty string).
func SlugFromTitle(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 64 {
		s = strings.Trim(s[:64], "-")
	}
	return s
}
