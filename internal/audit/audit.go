package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileName is the audit log file name stored under .changeflow/.
const FileName = "audit.jsonl"

// Entry is a generic append-only audit event. It is intentionally flexible:
// use Kind + typed fields for common cases, and Extra for everything else.
type Entry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	// Common metadata
	Actor     string `json:"actor,omitempty"`
	Slug      string `json:"slug,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Transport string `json:"transport,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Outcome
	DurationMS int64  `json:"duration_ms,omitempty"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`

	// LLM call
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Response string `json:"response,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Log appends events to <root>/.changeflow/audit.jsonl. Appends are
// serialized; callers must not mutate existing lines.
type Log struct {
	mu      sync.Mutex
	path    string
	enabled bool
}

// New creates a log rooted at the repository root.
func New(root string) *Log {
	return &Log{
		path:    filepath.Join(root, ".changeflow", FileName),
		enabled: true,
	}
}

// Disabled returns a log that drops every entry. Useful for tests and for
// deployments that turn auditing off.
func Disabled() *Log {
	return &Log{}
}

// Enabled reports whether appends reach disk.
func (l *Log) Enabled() bool {
	return l != nil && l.enabled
}

// Path returns the on-disk location of the log file.
func (l *Log) Path() string {
	return l.path
}

// ensureFile creates the log file and its directory if missing.
func (l *Log) ensureFile() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("failed to create .changeflow directory: %w", err)
	}
	_, statErr := os.Stat(l.path)
	if statErr == nil {
		return nil
	}
	if !os.IsNotExist(statErr) {
		return fmt.Errorf("failed to stat audit log: %w", statErr)
	}
	// nolint:gosec // JSONL is intended to be shared via git across clones/tools.
	if err := os.WriteFile(l.path, []byte{}, 0644); err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// Append appends an event as a single JSON line and returns its ID.
func (l *Log) Append(e *Entry) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil entry")
	}
	if e.Kind == "" {
		return "", fmt.Errorf("kind is required")
	}
	if !l.Enabled() {
		return e.ID, nil
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	} else {
		e.CreatedAt = e.CreatedAt.UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureFile(); err != nil {
		return "", err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) // nolint:gosec // intended permissions
	if err != nil {
		return "", fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return "", fmt.Errorf("failed to write audit log entry: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush audit log: %w", err)
	}

	return e.ID, nil
}

// ToolCall records a completed tool invocation. Failures to write the audit
// line never fail the request; the error is returned for optional logging.
func (l *Log) ToolCall(tool, slug, actor, transport, requestID string, took time.Duration, code string, callErr error) error {
	e := &Entry{
		Kind:       "tool_call",
		Tool:       tool,
		Slug:       slug,
		Actor:      actor,
		Transport:  transport,
		RequestID:  requestID,
		DurationMS: took.Milliseconds(),
		Code:       code,
	}
	if callErr != nil {
		e.Error = callErr.Error()
	}
	_, err := l.Append(e)
	return err
}
