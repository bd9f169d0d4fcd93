package store

import (
	"errors"
	"fmt"

	"github.com/planforge/mindsync/internal/db"
)

// ErrNotFound marks a missing mindmap, feature, or project. For mindmaps it
// means "empty state": callers treat it as nothing to reconcile, not failure.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by CompareAndWriteMindmapDocument when the
// stored document moved past the expected version.
var ErrVersionConflict = errors.New("mindmap version conflict")

// TransportError wraps a backend failure. The call had no effect and can be
// retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports that the failure is retryable.
func (e *TransportError) Temporary() bool {
	return true
}

// IsTransport reports whether err is or wraps a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isVersionMismatch(err error) bool {
	return errors.Is(err, db.ErrVersionMismatch)
}
