// Package timeparsing converts human lease expressions into lock TTLs.
// Accepts bare seconds ("3600"), Go durations ("45m", "2h"), and natural
// language ("in 2 hours", "tomorrow at 9am").
package timeparsing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var parser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseTTL resolves input to a whole number of seconds from now.
func ParseTTL(input string, now time.Time) (int64, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, fmt.Errorf("ttl is empty (try \"2h\", \"3600\", or \"in 4 hours\")")
	}

	// Bare integer: already seconds.
	if secs, err := strconv.ParseInt(input, 10, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("ttl must be positive, got %d", secs)
		}
		return secs, nil
	}

	// Go duration syntax.
	if d, err := time.ParseDuration(input); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("ttl must be positive, got %s", d)
		}
		return int64(d.Seconds()), nil
	}

	// Natural language, resolved relative to now.
	r, err := parser.Parse(input, now)
	if err != nil {
		return 0, fmt.Errorf("parsing ttl %q: %w", input, err)
	}
	if r == nil {
		return 0, fmt.Errorf("cannot interpret ttl %q (try \"2h\", \"3600\", or \"in 4 hours\")", input)
	}
	secs := int64(r.Time.Sub(now).Seconds())
	if secs <= 0 {
		return 0, fmt.Errorf("ttl %q resolves to the past", input)
	}
	return secs, nil
}

// FormatSeconds renders a second count compactly, e.g. 5400 -> "1h30m".
func FormatSeconds(secs int64) string {
	d := time.Duration(secs) * time.Second
	s := d.String()
	// Trim zero-valued trailing units: "1h0m0s" -> "1h", "1h30m0s" -> "1h30m".
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
