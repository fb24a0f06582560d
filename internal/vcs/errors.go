package vcs

import (
	"errors"
	"fmt"
)

// Graph and branch errors. These are data or programming errors and are never retried.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidParent      = errors.New("invalid parent")
	ErrUnrelatedHistories = errors.New("unrelated histories")
	ErrAlreadyExists      = errors.New("already exists")
	ErrCannotDeleteActive = errors.New("cannot delete active branch")
	ErrNotFastForward     = errors.New("not a fast-forward")
	ErrInvalidName        = errors.New("invalid branch name")
	ErrStalePointer       = errors.New("branch pointer moved concurrently")

	// ErrIntegrity means stored content no longer matches its digest. It is fatal for the
	// current operation and is never repaired silently.
	ErrIntegrity = errors.New("integrity error")
)

// Workflow errors.
var (
	ErrPendingConflict   = errors.New("merge has unresolved conflicts")
	ErrMergeInProgress   = errors.New("a merge is in progress")
	ErrNoMergeInProgress = errors.New("no merge in progress")
	ErrNothingStaged     = errors.New("nothing staged")
	ErrStagingFull       = errors.New("staging area full")
	ErrRemoteAhead       = errors.New("remote has changes not present locally")
)

// TransportError wraps a failure talking to a remote. Transport errors are the only
// errors the sync coordinator retries.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a TransportError for op. A nil err returns nil.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
