package change

import (
	"path/filepath"
	"testing"
	"time"
)

func TestParseFrontMatter(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  frontMatter
		ok    bool
	}{
		{
			name: "full block",
			input: "---\ntitle: \"Add auth\"\nslug: add-auth\ntemplate: feature\n" +
				"owner: \"u@e\"\ncreated: 2026-01-02T15:04:05Z\n---\n\n# Add auth\n",
			want: frontMatter{
				Title: "Add auth", Slug: "add-auth", Template: "feature", Owner: "u@e",
				Created: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
			},
			ok: true,
		},
		{"crlf fences", "---\r\ntitle: x\r\n---\r\nbody", frontMatter{Title: "x"}, true},
		{"empty block", "---\n---\nbody", frontMatter{}, true},
		{"no front matter", "# Just a heading\n", frontMatter{}, false},
		{"unclosed fence", "---\ntitle: x\n", frontMatter{}, false},
		{"fence not first", "\n---\ntitle: x\n---\n", frontMatter{}, false},
		{"bad yaml", "---\ntitle: [unbalanced\n---\n", frontMatter{}, false},
		{"empty input", "", frontMatter{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseFrontMatter([]byte(tt.input))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Title != tt.want.Title || got.Slug != tt.want.Slug ||
				got.Template != tt.want.Template || got.Owner != tt.want.Owner {
				t.Fatalf("parsed %+v, want %+v", got, tt.want)
			}
			if !got.Created.Equal(tt.want.Created) {
				t.Fatalf("created = %v, want %v", got.Created, tt.want.Created)
			}
		})
	}
}

func TestParseFrontMatterFileMissing(t *testing.T) {
	if _, ok := parseFrontMatterFile(filepath.Join(t.TempDir(), "absent.md")); ok {
		t.Fatal("missing file parsed as front matter")
	}
}
