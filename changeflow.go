// Package changeflow provides a minimal public API for embedding the
// change workflow engine in other tools.
//
// Most integrations should talk to a running cf server over stdio or
// HTTP. This package exports only the essential types and functions for
// Go programs that want to drive a change repository directly.
package changeflow

import (
	"os"
	"path/filepath"

	"github.com/untoldecay/ChangeFlow/internal/change"
	"github.com/untoldecay/ChangeFlow/internal/pagination"
	"github.com/untoldecay/ChangeFlow/internal/types"
)

// Version is the module release version. Builds may override the binary
// version via ldflags; this constant is the fallback.
const Version = "0.3.0"

// APIVersion is stamped into every tool result and receipt.
const APIVersion = "v1"

// Repository mediates all lifecycle access to one change repository root.
type Repository = change.Repository

// Options configures a Repository.
type Options = change.Options

// Tool payloads.
type (
	OpenInput     = change.OpenInput
	OpenResult    = change.OpenResult
	ArchiveResult = change.ArchiveResult
	ListRequest   = pagination.Request
	ListResult    = change.ListResult
)

// Core types from internal/types.
type (
	Change        = types.Change
	ChangeStatus  = types.ChangeStatus
	ChangePaths   = types.ChangePaths
	Receipt       = types.Receipt
	Actor         = types.Actor
	LockInfo      = types.LockInfo
	WorkflowError = types.WorkflowError
	Code          = types.Code
)

// Status constants
const (
	StatusDraft    = types.StatusDraft
	StatusLocked   = types.StatusLocked
	StatusArchived = types.StatusArchived
)

// Error codes returned by Repository methods.
const (
	CodeBadSlug         = types.CodeBadSlug
	CodeNoChange        = types.CodeNoChange
	CodeLocked          = types.CodeLocked
	CodeArchived        = types.CodeArchived
	CodeMissingProposal = types.CodeMissingProposal
	CodeMissingTasks    = types.CodeMissingTasks
)

// ErrCode extracts the stable workflow code from err; plain errors
// count as EIO.
func ErrCode(err error) Code {
	return types.ErrCode(err)
}

// DefaultTTL is the lock lifetime applied when open omits one.
const DefaultTTL = change.DefaultTTL

// NewRepository opens the change repository rooted at root. The layout
// is created lazily; call Repository.EnsureLayout to materialize it.
func NewRepository(root string, opts Options) (*Repository, error) {
	return change.NewRepository(root, opts)
}

// FindRoot walks upward from dir looking for a change repository root: a
// directory containing changes/ or .changeflow/. Returns the empty
// string when the walk reaches the filesystem root without a match.
func FindRoot(dir string) string {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		for _, marker := range []string{"changes", ".changeflow"} {
			if info, err := os.Stat(filepath.Join(dir, marker)); err == nil && info.IsDir() {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
