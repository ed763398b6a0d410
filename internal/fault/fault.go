// Package fault holds the error kinds shared by both pipeline stages.
package fault

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport covers an unreachable service, rejected credentials or a malformed response.
	ErrTransport = errors.New("transport error")
	// ErrIntegrity means an archive failed validation.
	ErrIntegrity = errors.New("integrity error")
	// ErrMergeConflict means two inputs define the same variable with different values.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrFilesystem is fatal to the single operation it happens in and is never retried.
	ErrFilesystem = errors.New("filesystem error")
	// ErrCanceled marks work abandoned because the run was stopped.
	ErrCanceled = errors.New("canceled")
)

// Kind labels used in metrics and the event log.
const (
	KindTransport     = "transport"
	KindIntegrity     = "integrity"
	KindMergeConflict = "merge_conflict"
	KindFilesystem    = "filesystem"
	KindCanceled      = "canceled"
	KindOther         = "other"
)

// Kind maps err onto one of the Kind labels. A nil error maps to "".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrFilesystem):
		return KindFilesystem
	case errors.Is(err, ErrMergeConflict):
		return KindMergeConflict
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrTransport):
		return KindTransport
	default:
		return KindOther
	}
}

// Filesystem wraps err as ErrFilesystem, keeping the original in the chain.
func Filesystem(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFilesystem, err)
}
