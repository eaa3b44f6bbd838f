// Package template renders the scaffold files written into a new change
// directory. Each change kind (feature, bugfix, chore) has a built-in
// proposal layout; projects can shadow a kind with a TOML manifest under
// .changeflow/templates/ or ~/.changeflow/templates/.
package template

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/untoldecay/ChangeFlow/internal/validation"
)

//go:embed templates/*.md
var defaults embed.FS

// DefaultKind is used when change.open omits the template field.
const DefaultKind = "feature"

var kinds = []string{"feature", "bugfix", "chore"}

// Kinds returns the built-in template kinds in display order.
func Kinds() []string {
	out := make([]string, len(kinds))
	copy(out, kinds)
	return out
}

// ValidKind reports whether kind names a known template.
func ValidKind(kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Params carries the values interpolated into scaffold files.
type Params struct {
	Kind      string
	Slug      string
	Title     string
	Rationale string
	Owner     string
	Created   time.Time
}

// Renderer resolves a kind to scaffold files, preferring project manifests
// over user manifests over the embedded defaults.
type Renderer struct {
	searchPaths []string
}

// NewRenderer builds a renderer rooted at the repository root. Pass "" to
// skip the project-level search path.
func NewRenderer(root string) *Renderer {
	var paths []string
	if root != "" {
		paths = append(paths, filepath.Join(root, ".changeflow", "templates"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".changeflow", "templates"))
	}
	return &Renderer{searchPaths: paths}
}

// kindPattern bounds kind names before they are used to locate manifest
// files on disk.
var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

// Render produces the scaffold for p as a map of change-relative file path
// to contents. A TOML manifest may shadow a built-in kind or define a new
// one; kinds with neither a manifest nor a built-in fail. Unknown
// placeholders pass through untouched.
func (r *Renderer) Render(p Params) (map[string][]byte, error) {
	kind := p.Kind
	if kind == "" {
		kind = DefaultKind
	}
	if !kindPattern.MatchString(kind) {
		return nil, fmt.Errorf("invalid template kind %q", kind)
	}

	vars := p.vars(kind)

	m, err := r.findManifest(kind)
	if err != nil {
		return nil, err
	}
	if m != nil {
		out := make(map[string][]byte, len(m.Files))
		for _, f := range m.Files {
			if err := checkManifestPath(f.Path); err != nil {
				return nil, fmt.Errorf("template manifest for %q: %w", kind, err)
			}
			out[f.Path] = substitute([]byte(f.Content), vars)
		}
		return out, nil
	}

	if !ValidKind(kind) {
		return nil, fmt.Errorf("unknown template kind %q (valid: %s)", kind, strings.Join(kinds, ", "))
	}

	proposal, err := defaults.ReadFile("templates/" + kind + ".md")
	if err != nil {
		return nil, fmt.Errorf("reading built-in template %q: %w", kind, err)
	}
	tasks, err := defaults.ReadFile("templates/tasks.md")
	if err != nil {
		return nil, fmt.Errorf("reading built-in tasks template: %w", err)
	}
	return map[string][]byte{
		"proposal.md": substitute(proposal, vars),
		"tasks.md":    substitute(tasks, vars),
	}, nil
}

func (p Params) vars(kind string) map[string]string {
	created := p.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return map[string]string{
		"title":     p.Title,
		"slug":      p.Slug,
		"kind":      kind,
		"rationale": p.Rationale,
		"owner":     p.Owner,
		"created":   created.UTC().Format(time.RFC3339),
		"date":      created.UTC().Format("2006-01-02"),
	}
}

var placeholderPattern = regexp.MustCompile(`\{\{([a-z]+)\}\}`)

func substitute(in []byte, vars map[string]string) []byte {
	return placeholderPattern.ReplaceAllFunc(in, func(match []byte) []byte {
		name := string(placeholderPattern.FindSubmatch(match)[1])
		if val, ok := vars[name]; ok {
			return []byte(val)
		}
		return match
	})
}

// manifest is the on-disk shape of <kind>.toml.
type manifest struct {
	Kind        string         `toml:"kind"`
	Description string         `toml:"description"`
	Files       []manifestFile `toml:"files"`
}

type manifestFile struct {
	Path    string `toml:"path"`
	Content string `toml:"content"`
}

// findManifest returns the first manifest for kind along the search paths,
// or nil when every path misses.
func (r *Renderer) findManifest(kind string) (*manifest, error) {
	for _, dir := range r.searchPaths {
		path := filepath.Join(dir, kind+".toml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		var m manifest
		if _, err := toml.DecodeFile(path, &m); err != nil {
			return nil, fmt.Errorf("parsing template manifest %s: %w", path, err)
		}
		if len(m.Files) == 0 {
			return nil, fmt.Errorf("template manifest %s declares no files", path)
		}
		return &m, nil
	}
	return nil, nil
}

func checkManifestPath(p string) error {
	if p == "" {
		return fmt.Errorf("file entry missing path")
	}
	if filepath.IsAbs(p) {
		return fmt.Errorf("file path %q must be relative", p)
	}
	if markers := validation.TraversalMarkers(p); len(markers) > 0 {
		return fmt.Errorf("file path %q contains %s", p, markers[0])
	}
	return nil
}
