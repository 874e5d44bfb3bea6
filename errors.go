// errors.go
package pybundle

import (
	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/pipeline"
)

var (
	// ErrNetworkUnavailable indicates a remote could not be reached
	ErrNetworkUnavailable = core.ErrNetworkUnavailable

	// ErrRemoteNotFound indicates the remote resource does not exist
	ErrRemoteNotFound = core.ErrRemoteNotFound

	// ErrUnresolvableConstraint indicates a requirement has no matching prebuilt wheel
	ErrUnresolvableConstraint = core.ErrUnresolvableConstraint

	// ErrMissingPatchTarget indicates the distribution has no path configuration file
	ErrMissingPatchTarget = core.ErrMissingPatchTarget

	// ErrIO indicates a local filesystem failure
	ErrIO = core.ErrIO

	// ErrPlatformNotSupported indicates the platform has no embeddable distribution
	ErrPlatformNotSupported = core.ErrPlatformNotSupported

	// ErrInjection indicates the final artifact violates the resource layout
	ErrInjection = core.ErrInjection

	// ErrHashMismatch indicates a download does not match its published digest
	ErrHashMismatch = core.ErrHashMismatch
)

// Error wraps an error with the operation and package it concerns
type Error = core.Error

// TaskError names the pipeline task that failed
type TaskError = pipeline.TaskError
