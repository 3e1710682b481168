package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBufferUnavailable is returned when the buffering substrate of a
	// resource cannot be reached. Writes fail fast with this error.
	ErrBufferUnavailable = errors.New("buffer unavailable")
	// ErrDurableStoreUnavailable is returned when the durable store cannot
	// serve a page or point insert.
	ErrDurableStoreUnavailable = errors.New("durable store unavailable")
	// ErrServiceUnavailable is returned when a pooled connection could not be
	// acquired within its bound. It's always retryable.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrUnknownResource is returned when a named resource isn't registered.
	ErrUnknownResource = errors.New("unknown resource")
)

// StagingUploadError is returned by the ingest pipeline when a batch could
// not be serialized or uploaded to the staging object store. No load was
// attempted, and the batch remains buffered.
type StagingUploadError struct {
	Table string
	Path  string
	Err   error
}

func (e *StagingUploadError) Error() string {
	return fmt.Sprintf("staging upload of %s to %q: %s", e.Table, e.Path, e.Err)
}

func (e *StagingUploadError) Unwrap() error { return e.Err }

// BulkLoadError is returned by the ingest pipeline when a successfully staged
// object could not be loaded into the durable store. The StagedObject may be
// loaded again without being re-uploaded.
type BulkLoadError struct {
	Table  string
	Staged StagedObject
	Err    error
}

func (e *BulkLoadError) Error() string {
	return fmt.Sprintf("bulk load of %s from %q: %s", e.Table, e.Staged.URL, e.Err)
}

func (e *BulkLoadError) Unwrap() error { return e.Err }

// PartialFailure is returned alongside results which are incomplete because
// one of several independent sources failed. Results which were obtained are
// still returned to the caller.
type PartialFailure struct {
	Errs []error
}

func (e *PartialFailure) Error() string {
	var parts = make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	return "partial failure: " + strings.Join(parts, "; ")
}

// Unwrap returns the failures which make up the PartialFailure.
func (e *PartialFailure) Unwrap() []error { return e.Errs }

// IsRetryable returns true if |err| represents a transient infrastructure
// failure which may succeed if attempted again.
func IsRetryable(err error) bool {
	var upload *StagingUploadError
	var load *BulkLoadError

	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, ErrBufferUnavailable),
		errors.Is(err, ErrDurableStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &upload), errors.As(err, &load):
		return true
	default:
		return false
	}
}
