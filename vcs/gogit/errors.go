package gogit

import (
	stderrors "errors"
	"io"
	"net"
	"syscall"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/repocache/cacheerr"
)

// permanentTransport are go-git transport errors that a retry cannot fix.
var permanentTransport = []error{
	transport.ErrRepositoryNotFound,
	transport.ErrEmptyRemoteRepository,
	transport.ErrAuthenticationRequired,
	transport.ErrAuthorizationFailed,
	transport.ErrInvalidAuthMethod,
}

// classify maps a go-git remote failure onto the vcs error conventions:
// NETWORK_ERROR for failures worth retrying, EXECUTION_FAILED otherwise.
func classify(err error, message, url string) error {
	if err == nil {
		return nil
	}
	return cacheerr.WrapWithContext(err, remoteCode(err), message, map[string]interface{}{
		"url": url,
	})
}

func remoteCode(err error) errors.ErrorCode {
	for _, target := range permanentTransport {
		if stderrors.Is(err, target) {
			return errors.CodeExecutionFailed
		}
	}

	var netErr net.Error
	switch {
	case stderrors.As(err, &netErr),
		stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, syscall.ECONNRESET),
		stderrors.Is(err, syscall.ECONNREFUSED),
		stderrors.Is(err, syscall.ETIMEDOUT):
		return errors.CodeNetwork
	}
	return errors.CodeExecutionFailed
}

func corrupt(err error, path, message string) errors.PlatformError {
	return cacheerr.WrapWithContext(err, cacheerr.CodeCacheCorruption, message, map[string]interface{}{
		"path": path,
	})
}
