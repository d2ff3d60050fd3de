package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict matches a *WriteError of kind Conflict.
	ErrConflict = errors.New("archive file already exists")
	// ErrAborted matches a *WriteError of kind Aborted.
	ErrAborted = errors.New("commit aborted before publish")
	// ErrEmptyBatch is returned when committing a batch without records.
	ErrEmptyBatch = errors.New("refusing to commit empty batch")
)

// WriteErrorKind classifies commit failures.
type WriteErrorKind int

const (
	Conflict WriteErrorKind = iota + 1
	IO
	Aborted
)

func (k WriteErrorKind) String() string {
	switch k {
	case Conflict:
		return "conflict"
	case IO:
		return "io"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// WriteError is returned by Writer.Commit.
type WriteError struct {
	Kind WriteErrorKind
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("archive %s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("archive %s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Is lets callers test the kind with errors.Is(err, ErrConflict).
func (e *WriteError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Kind == Conflict
	case ErrAborted:
		return e.Kind == Aborted
	}
	return false
}

// KindOf returns the kind of a *WriteError in err's chain, or 0.
func KindOf(err error) WriteErrorKind {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Kind
	}
	return 0
}
