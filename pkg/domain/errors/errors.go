// Package errors defines error values shared by knitops components.
//
// Test errors with errors.Is. Components wrap these sentinels with
// fmt.Errorf("...: %w", ...) to add context.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// resource to be created is already there.
	ErrAlreadyExists = errors.New("already exists")

	// something is not found.
	ErrNotFound = errors.New("not found")

	ErrProjectNotFound  = fmt.Errorf("project %w", ErrNotFound)
	ErrServiceNotFound  = fmt.Errorf("service %w", ErrNotFound)
	ErrInstanceNotFound = fmt.Errorf("instance %w", ErrNotFound)

	// the app exists but has no instances to serve.
	ErrAppNotRunning = errors.New("app is not running")

	// all candidate address blocks are rejected by the platform.
	ErrNoAddressSpaceAvailable = errors.New("no address space available")

	// dependsOn graph has a cycle or refers to an app which never launches.
	ErrInvalidDependencyGraph = errors.New("invalid dependency graph")

	// an app did not become ready before its deadline.
	ErrLaunchTimeout = errors.New("launch timeout")

	// log framing is broken. Log readers recover from this by discarding the frame.
	ErrStreamProtocol = errors.New("stream protocol error")

	// the orchestration platform reports an error.
	ErrPlatformAPI = errors.New("platform api error")

	ErrInternal = errors.New("internal error")
)

// PlatformAPIError wraps transport or status errors of the orchestration platform.
type PlatformAPIError struct {
	// operation which caused the error, like "create network".
	Op  string
	Err error
}

func (e *PlatformAPIError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrPlatformAPI, e.Op, e.Err)
}

func (e *PlatformAPIError) Unwrap() []error {
	return []error{ErrPlatformAPI, e.Err}
}

// Platform wraps err as *PlatformAPIError.
//
// It returns nil when err is nil. Errors which are already *PlatformAPIError are returned as-is.
func Platform(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PlatformAPIError
	if errors.As(err, &pe) {
		return err
	}
	return &PlatformAPIError{Op: op, Err: err}
}

// Reason returns the reason string exposed to API/CLI callers.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProjectNotFound):
		return "ProjectNotFound"
	case errors.Is(err, ErrServiceNotFound), errors.Is(err, ErrInstanceNotFound):
		return "ServiceNotFound"
	case errors.Is(err, ErrAppNotRunning):
		return "AppNotRunning"
	case errors.Is(err, ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, ErrInvalidDependencyGraph):
		return "InvalidDependencyGraph"
	case errors.Is(err, ErrLaunchTimeout):
		return "LaunchTimeout"
	case errors.Is(err, ErrNoAddressSpaceAvailable):
		return "NoAddressSpaceAvailable"
	case errors.As(err, new(*Invalid)):
		return "InvalidRequest"
	default:
		return "InternalError"
	}
}

// FromReason returns the sentinel error for a reason string returned by Reason.
//
// Unknown reasons, including "InvalidRequest", are ErrInternal.
func FromReason(reason string) error {
	switch reason {
	case "ProjectNotFound":
		return ErrProjectNotFound
	case "ServiceNotFound":
		return ErrServiceNotFound
	case "AppNotRunning":
		return ErrAppNotRunning
	case "AlreadyExists":
		return ErrAlreadyExists
	case "InvalidDependencyGraph":
		return ErrInvalidDependencyGraph
	case "LaunchTimeout":
		return ErrLaunchTimeout
	case "NoAddressSpaceAvailable":
		return ErrNoAddressSpaceAvailable
	default:
		return ErrInternal
	}
}

// HTTPStatus returns the status code for err.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAppNotRunning):
		return http.StatusConflict
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidDependencyGraph):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoAddressSpaceAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrLaunchTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, new(*Invalid)):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Invalid is returned when a value given from outside is not acceptable.
type Invalid struct {
	Field  string
	Reason string
}

func (e *Invalid) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewInvalid(field string, reason string, args ...any) error {
	if len(args) != 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &Invalid{Field: field, Reason: reason}
}
