// Package cacheerr defines the error codes returned by the repository cache.
//
// Every error surfaced by the cache is a PlatformError from
// github.com/jmgilman/go/errors carrying one of the codes below. The codes
// have fixed classifications: LockTimeout and RepositoryUnavailable are
// retryable, everything else is permanent.
//
//	h, err := c.Acquire(ctx, url, "master")
//	switch {
//	case cacheerr.Is(err, cacheerr.CodeRevisionNotFound):
//	    // ask for a different revision
//	case errors.IsRetryable(err):
//	    // report a transient failure to the dispatcher
//	}
package cacheerr

import (
	stderrors "errors"

	"github.com/jmgilman/go/errors"
)

const (
	// CodeInvalidRepositoryURL indicates the repository URL could not be parsed.
	CodeInvalidRepositoryURL errors.ErrorCode = "INVALID_REPOSITORY_URL"

	// CodeLockTimeout indicates a cache entry lock was not granted in time.
	CodeLockTimeout errors.ErrorCode = "LOCK_TIMEOUT"

	// CodeRepositoryUnavailable indicates the remote could not be cloned or
	// fetched, after retries were exhausted.
	CodeRepositoryUnavailable errors.ErrorCode = "REPOSITORY_UNAVAILABLE"

	// CodeRevisionNotFound indicates the requested branch, tag or commit does
	// not resolve in the cached clone.
	CodeRevisionNotFound errors.ErrorCode = "REVISION_NOT_FOUND"

	// CodeCacheCorruption indicates an on-disk clone is unreadable.
	CodeCacheCorruption errors.ErrorCode = "CACHE_CORRUPTION"

	// CodeDiskIO indicates a filesystem operation on the cache root failed.
	CodeDiskIO errors.ErrorCode = "DISK_IO_ERROR"
)

var classifications = map[errors.ErrorCode]errors.ErrorClassification{
	CodeInvalidRepositoryURL:  errors.ClassificationPermanent,
	CodeLockTimeout:           errors.ClassificationRetryable,
	CodeRepositoryUnavailable: errors.ClassificationRetryable,
	CodeRevisionNotFound:      errors.ClassificationPermanent,
	CodeCacheCorruption:       errors.ClassificationPermanent,
	CodeDiskIO:                errors.ClassificationPermanent,
}

// classify returns the classification of a cache code. Codes owned by the
// errors library keep their library defaults.
func classify(code errors.ErrorCode, fallback errors.PlatformError) errors.ErrorClassification {
	if c, ok := classifications[code]; ok {
		return c
	}
	return fallback.Classification()
}

// New creates an error with the given code and message.
func New(code errors.ErrorCode, message string) errors.PlatformError {
	err := errors.New(code, message)
	return errors.WithClassification(err, classify(code, err))
}

// Newf creates an error with a formatted message.
func Newf(code errors.ErrorCode, format string, args ...interface{}) errors.PlatformError {
	err := errors.Newf(code, format, args...)
	return errors.WithClassification(err, classify(code, err))
}

// Wrap wraps err with the given code. Unlike errors.Wrap, the classification
// always follows the new code rather than the wrapped error, so a retryable
// transport failure wrapped as RevisionNotFound does not become retryable.
//
// Returns nil if err is nil.
func Wrap(err error, code errors.ErrorCode, message string) errors.PlatformError {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrap(err, code, message)
	return errors.WithClassification(wrapped, classify(code, errors.New(code, message)))
}

// Wrapf wraps err with a formatted message.
func Wrapf(err error, code errors.ErrorCode, format string, args ...interface{}) errors.PlatformError {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, code, format, args...)
	return errors.WithClassification(wrapped, classify(code, errors.New(code, wrapped.Message())))
}

// WrapWithContext wraps err and attaches context fields in one step.
func WrapWithContext(err error, code errors.ErrorCode, message string, ctx map[string]interface{}) errors.PlatformError {
	if err == nil {
		return nil
	}
	wrapped := errors.WrapWithContext(err, code, message, ctx)
	return errors.WithClassification(wrapped, classify(code, errors.New(code, message)))
}

// Is reports whether any PlatformError in err's chain carries code.
//
// errors.GetCode only inspects the outermost PlatformError; Is walks the
// whole chain so a RevisionNotFound wrapped by a caller is still detected.
func Is(err error, code errors.ErrorCode) bool {
	for err != nil {
		if pe, ok := err.(errors.PlatformError); ok && pe.Code() == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}
