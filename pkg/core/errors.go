package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable indicates a remote could not be reached (transport
	// failure, timeout, or server errors after retries)
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrRemoteNotFound indicates the remote resource does not exist
	ErrRemoteNotFound = errors.New("remote resource not found")

	// ErrUnresolvableConstraint indicates a requirement has no matching prebuilt wheel
	ErrUnresolvableConstraint = errors.New("unresolvable constraint")

	// ErrMissingPatchTarget indicates the distribution has no path configuration file
	ErrMissingPatchTarget = errors.New("missing patch target")

	// ErrIO indicates a local filesystem failure
	ErrIO = errors.New("i/o failure")

	// ErrPlatformNotSupported indicates the platform has no embeddable distribution
	ErrPlatformNotSupported = errors.New("platform not supported")

	// ErrInjection indicates the final artifact violates the resource layout
	ErrInjection = errors.New("resource injection invariant violated")

	// ErrHashMismatch indicates a downloaded file does not match its published digest
	ErrHashMismatch = errors.New("hash mismatch")
)

// Error wraps an error with additional context
type Error struct {
	Op      string // Operation that failed
	Package string // Package name if applicable
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Package, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IOError tags err as ErrIO while keeping the underlying cause in the chain.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: fmt.Errorf("%w: %w", ErrIO, err)}
}
