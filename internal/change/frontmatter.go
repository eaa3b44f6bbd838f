package change

import (
	"bytes"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// frontMatterLimit bounds how much of a proposal is read when looking for
// front matter. Metadata past this point is ignored.
const frontMatterLimit = 8 << 10

var frontMatterFence = []byte("---")

// frontMatter is the YAML metadata block at the top of proposal.md.
type frontMatter struct {
	Title    string    `yaml:"title"`
	Slug     string    `yaml:"slug"`
	Template string    `yaml:"template"`
	Owner    string    `yaml:"owner"`
	Created  time.Time `yaml:"created"`
}

// parseFrontMatterFile reads the front matter of the proposal at path.
// Everything is best effort: a missing file, absent fences, or invalid
// YAML all return ok=false and callers fall back to directory metadata.
func parseFrontMatterFile(path string) (frontMatter, bool) {
	f, err := os.Open(path) // nolint:gosec // path is derived from a validated slug
	if err != nil {
		return frontMatter{}, false
	}
	defer f.Close()

	head, err := io.ReadAll(io.LimitReader(f, frontMatterLimit))
	if err != nil {
		return frontMatter{}, false
	}
	return parseFrontMatter(head)
}

func parseFrontMatter(head []byte) (frontMatter, bool) {
	// The opening fence must be the first line.
	rest, ok := cutLine(head)
	if !ok || !bytes.Equal(bytes.TrimRight(head[:len(head)-len(rest)], "\r\n"), frontMatterFence) {
		return frontMatter{}, false
	}

	var block []byte
	for scan := rest; ; {
		line, remaining, found := nextLine(scan)
		if !found && len(line) == 0 {
			return frontMatter{}, false // no closing fence
		}
		if bytes.Equal(bytes.TrimRight(line, "\r"), frontMatterFence) {
			block = rest[:len(rest)-len(scan)]
			break
		}
		if !found {
			return frontMatter{}, false
		}
		scan = remaining
	}

	var fm frontMatter
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return frontMatter{}, false
	}
	return fm, true
}

// rawFrontMatter returns the leading front matter block of data, fences
// included, or nil when data has none.
func rawFrontMatter(data []byte) []byte {
	rest, ok := cutLine(data)
	if !ok || !bytes.Equal(bytes.TrimRight(data[:len(data)-len(rest)], "\r\n"), frontMatterFence) {
		return nil
	}
	for scan := rest; ; {
		line, remaining, found := nextLine(scan)
		if bytes.Equal(bytes.TrimRight(line, "\r"), frontMatterFence) {
			if found {
				return data[:len(data)-len(remaining)]
			}
			return data
		}
		if !found {
			return nil
		}
		scan = remaining
	}
}

// cutLine drops the first line of b, returning what follows it.
func cutLine(b []byte) ([]byte, bool) {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[i+1:], true
	}
	return nil, false
}

// nextLine splits off the first line of b without its newline.
func nextLine(b []byte) (line, rest []byte, found bool) {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i], b[i+1:], true
	}
	return b, nil, false
}
