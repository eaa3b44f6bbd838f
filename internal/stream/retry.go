package stream

import (
	"errors"
	"io/fs"
	"time"

	"github.com/untoldecay/ChangeFlow/internal/types"
)

// ErrFileChanged refuses a resume when the file moved under the checkpoint.
var ErrFileChanged = errors.New("file changed since checkpoint")

// ErrorClass buckets a streaming failure for the retry policy.
type ErrorClass int

const (
	ErrorClassIO ErrorClass = iota
	ErrorClassMemory
	ErrorClassPermission
	ErrorClassChanged
	ErrorClassValidation
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassMemory:
		return "memory"
	case ErrorClassPermission:
		return "permission"
	case ErrorClassChanged:
		return "file-changed"
	case ErrorClassValidation:
		return "validation"
	default:
		return "io"
	}
}

// Retryable reports whether the class permits checkpoint recovery.
// I/O and memory failures retry with backoff; permission, file-changed,
// and validation failures surface immediately.
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassIO || c == ErrorClassMemory
}

// MaxRetryAttempts bounds checkpoint recovery per read.
const MaxRetryAttempts = 3

// Classify buckets err. Unknown errors default to the I/O class.
func Classify(err error) ErrorClass {
	if errors.Is(err, ErrFileChanged) {
		return ErrorClassChanged
	}
	if errors.Is(err, fs.ErrPermission) {
		return ErrorClassPermission
	}
	if we, ok := types.AsWorkflowError(err); ok {
		switch we.Code {
		case types.CodeStreamPressure:
			return ErrorClassMemory
		case types.CodeInvalidInput, types.CodeInvalidFormat, types.CodeInvalidScheme,
			types.CodeBadSlug, types.CodePathEscape:
			return ErrorClassValidation
		}
	}
	return ErrorClassIO
}

// RetryDelay returns the backoff before the given 1-based attempt.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 100 * time.Millisecond << (attempt - 1)
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}
