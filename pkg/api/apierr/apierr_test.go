package apierr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/opst/knitops/pkg/api/apierr"
	apitypes "github.com/opst/knitops/pkg/api/types/errors"
	kerr "github.com/opst/knitops/pkg/domain/errors"
)

func TestFromError(t *testing.T) {
	for name, testcase := range map[string]struct {
		err    error
		code   int
		reason string
		advice bool
	}{
		"when the project is not found, it should be 404 ProjectNotFound": {
			err:    fmt.Errorf("get abc: %w", kerr.ErrProjectNotFound),
			code:   http.StatusNotFound,
			reason: "ProjectNotFound",
			advice: true,
		},
		"when the app is not running, it should be 409 AppNotRunning": {
			err:    kerr.ErrAppNotRunning,
			code:   http.StatusConflict,
			reason: "AppNotRunning",
			advice: true,
		},
		"when the request is invalid, it should be 400 InvalidRequest": {
			err:    kerr.NewInvalid("apps", "no apps"),
			code:   http.StatusBadRequest,
			reason: "InvalidRequest",
			advice: true,
		},
		"when the error is unexpected, it should be 500 InternalError without its detail": {
			err:    errors.New("connection refused: 10.0.0.1:5432"),
			code:   http.StatusInternalServerError,
			reason: "InternalError",
		},
	} {
		t.Run(name, func(t *testing.T) {
			he := apierr.FromError(testcase.err)
			if he.Code != testcase.code {
				t.Errorf("code: (expected, actual) = (%d, %d)", testcase.code, he.Code)
			}
			msg, ok := he.Message.(apitypes.ErrorMessage)
			if !ok {
				t.Fatalf("message is not ErrorMessage: %T", he.Message)
			}
			if msg.Reason != testcase.reason {
				t.Errorf("reason: (expected, actual) = (%s, %s)", testcase.reason, msg.Reason)
			}
			if testcase.advice && msg.Advice != testcase.err.Error() {
				t.Errorf("advice: %s", msg.Advice)
			}
			if !testcase.advice && msg.Advice == testcase.err.Error() {
				t.Errorf("internal error leaked: %s", msg.Advice)
			}
			if !errors.Is(he.Internal, testcase.err) {
				t.Errorf("internal should be the cause: %v", he.Internal)
			}
		})
	}
}
