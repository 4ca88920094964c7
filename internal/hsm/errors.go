package hsm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDeviceNotFound is returned when no smart card reader is attached
	ErrDeviceNotFound = errors.New("no smart card readers connected")

	// ErrMissingSharedObject is matched by *MissingSharedObjectError
	ErrMissingSharedObject = errors.New("shared object not found")

	// ErrAuthentication is returned when the device rejects a PIN or SO-PIN
	ErrAuthentication = errors.New("authentication failed")

	// ErrDevice is the kind of any other failing device-management invocation
	ErrDevice = errors.New("device operation failed")

	// ErrSigning is the kind of a failing delegated signing script
	ErrSigning = errors.New("signing failed")

	// ErrUnrecognizedKeyFormat is returned when fetched public key bytes
	// decode neither as RSA nor as EC
	ErrUnrecognizedKeyFormat = errors.New("unrecognized public key format")

	// ErrConfiguration is returned when a required credential or setting is missing
	ErrConfiguration = errors.New("configuration error")

	// ErrAlreadyInitialized is returned by Initialize on an initialized device
	ErrAlreadyInitialized = errors.New("device is already initialized")
)

// ToolError describes an external tool that exited with a non-zero status.
type ToolError struct {
	Kind     error
	Action   string
	Command  string // rendered with credentials redacted
	ExitCode int
	Output   []byte
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s exited with status %d", e.Action, e.Command, e.ExitCode)
}

func (e *ToolError) Unwrap() error {
	return e.Kind
}

// MissingSharedObjectError names the libraries that were looked for and the
// search path that was scanned.
type MissingSharedObjectError struct {
	Names      []string
	SearchPath []string
}

func (e *MissingSharedObjectError) Error() string {
	if len(e.SearchPath) == 0 {
		return fmt.Sprintf("no shared object search path was given, cannot locate %s",
			strings.Join(e.Names, " or "))
	}
	return fmt.Sprintf("could not find shared object %s anywhere in search path %s",
		strings.Join(e.Names, " or "), strings.Join(e.SearchPath, ":"))
}

func (e *MissingSharedObjectError) Is(target error) bool {
	return target == ErrMissingSharedObject
}
