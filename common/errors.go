// Package common provides shared constants, types, and utilities
// used across the Nebula Manager application.
package common

import "errors"

// Sentinel errors for session operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Permission errors.
	ErrPermissionDenied            = errors.New("permission denied")
	ErrPermissionRequestInProgress = errors.New("request already in progress")
	ErrPermissionTimeout           = errors.New("permission request timed out")

	// Session errors.
	ErrAlreadyConnected      = errors.New("connection already active")
	ErrSessionBusy           = errors.New("session is stopping")
	ErrNotConnected          = errors.New("not connected")
	ErrServiceUnavailable    = errors.New("tunnel service unavailable")
	ErrReconciliationTimeout = errors.New("tunnel did not come up in time")

	// Configuration errors.
	ErrConfigPersist   = errors.New("failed to persist configuration")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConfigLoad      = errors.New("failed to load configuration")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
)

// errorKinds maps sentinel errors to the stable tags reported to front ends.
var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrPermissionDenied, "PermissionDenied"},
	{ErrPermissionRequestInProgress, "PermissionRequestInProgress"},
	{ErrPermissionTimeout, "PermissionTimeout"},
	{ErrConfigPersist, "ConfigPersistError"},
	{ErrServiceUnavailable, "ServiceUnavailable"},
	{ErrReconciliationTimeout, "ReconciliationTimeout"},
	{ErrNotConnected, "NotConnected"},
	{ErrInvalidArgument, "InvalidArgument"},
	{ErrInvalidConfig, "InvalidConfig"},
	{ErrAlreadyConnected, "AlreadyConnected"},
	{ErrSessionBusy, "SessionBusy"},
}

// ErrorKind returns the tag of the first sentinel err wraps, "Internal" for
// any other error and "" for nil.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
