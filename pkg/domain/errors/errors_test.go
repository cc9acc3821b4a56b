package errors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	kerr "github.com/opst/knitops/pkg/domain/errors"
)

func TestReason(t *testing.T) {
	for _, testcase := range []struct {
		err    error
		reason string
		status int
	}{
		{err: fmt.Errorf("get: %w", kerr.ErrProjectNotFound), reason: "ProjectNotFound", status: http.StatusNotFound},
		{err: kerr.ErrServiceNotFound, reason: "ServiceNotFound", status: http.StatusNotFound},
		{err: kerr.ErrInstanceNotFound, reason: "ServiceNotFound", status: http.StatusNotFound},
		{err: kerr.ErrAppNotRunning, reason: "AppNotRunning", status: http.StatusConflict},
		{err: kerr.ErrAlreadyExists, reason: "AlreadyExists", status: http.StatusConflict},
		{err: kerr.ErrInvalidDependencyGraph, reason: "InvalidDependencyGraph", status: http.StatusBadRequest},
		{err: kerr.ErrLaunchTimeout, reason: "LaunchTimeout", status: http.StatusGatewayTimeout},
		{err: kerr.ErrNoAddressSpaceAvailable, reason: "NoAddressSpaceAvailable", status: http.StatusServiceUnavailable},
		{err: kerr.NewInvalid("name", "empty"), reason: "InvalidRequest", status: http.StatusBadRequest},
		{err: kerr.Platform("create network", errors.New("boom")), reason: "InternalError", status: http.StatusInternalServerError},
	} {
		t.Run("when error is "+testcase.err.Error()+", it should be "+testcase.reason, func(t *testing.T) {
			if actual := kerr.Reason(testcase.err); actual != testcase.reason {
				t.Errorf("reason: (expected, actual) = (%s, %s)", testcase.reason, actual)
			}
			if actual := kerr.HTTPStatus(testcase.err); actual != testcase.status {
				t.Errorf("status: (expected, actual) = (%d, %d)", testcase.status, actual)
			}
		})
	}

	t.Run("FromReason is the inverse of Reason for sentinels", func(t *testing.T) {
		for _, sentinel := range []error{
			kerr.ErrProjectNotFound, kerr.ErrServiceNotFound, kerr.ErrAppNotRunning,
			kerr.ErrAlreadyExists, kerr.ErrInvalidDependencyGraph, kerr.ErrLaunchTimeout,
			kerr.ErrNoAddressSpaceAvailable,
		} {
			if actual := kerr.FromReason(kerr.Reason(sentinel)); !errors.Is(actual, sentinel) {
				t.Errorf("%v -> %v", sentinel, actual)
			}
		}
		if !errors.Is(kerr.FromReason("SomethingNew"), kerr.ErrInternal) {
			t.Error("unknown reason should be ErrInternal")
		}
	})
}

func TestPlatform(t *testing.T) {
	t.Run("it wraps errors once, and unwraps to both of ErrPlatformAPI and the cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := kerr.Platform("list pods", cause)
		if !errors.Is(err, kerr.ErrPlatformAPI) || !errors.Is(err, cause) {
			t.Errorf("unexpected chain: %v", err)
		}
		if again := kerr.Platform("outer", err); again != err {
			t.Errorf("should not be wrapped twice: %v", again)
		}
		if kerr.Platform("nothing", nil) != nil {
			t.Error("nil should be nil")
		}
	})
}
