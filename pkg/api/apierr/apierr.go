// Package apierr converts errors into echo.HTTPError with ErrorMessage body.
package apierr

import (
	"net/http"

	"github.com/labstack/echo/v4"
	apierr "github.com/opst/knitops/pkg/api/types/errors"
	kerr "github.com/opst/knitops/pkg/domain/errors"
)

type ErrorMessageOption func(in *apierr.ErrorMessage) *apierr.ErrorMessage

func WithAdvice(advice string) ErrorMessageOption {
	return func(in *apierr.ErrorMessage) *apierr.ErrorMessage {
		if advice != "" {
			in.Advice = advice
		}
		return in
	}
}

func WithError(err error) ErrorMessageOption {
	return func(in *apierr.ErrorMessage) *apierr.ErrorMessage {
		if err != nil {
			in.Cause = err
		}
		return in
	}
}

func NewErrorMessage(code int, reason string, opts ...ErrorMessageOption) *echo.HTTPError {
	msg := apierr.ErrorMessage{Reason: reason}
	for _, opt := range opts {
		msg = *opt(&msg)
	}

	return echo.NewHTTPError(code, msg).SetInternal(msg)
}

// FromError maps err to the status code and the typed reason.
//
// Internal errors do not expose their messages.
func FromError(err error) *echo.HTTPError {
	code := kerr.HTTPStatus(err)
	if code == http.StatusInternalServerError {
		return InternalServerError(err)
	}
	return NewErrorMessage(code, kerr.Reason(err), WithAdvice(err.Error()), WithError(err))
}

func BadRequest(advice string, err error) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusBadRequest,
		"InvalidRequest",
		WithAdvice(advice),
		WithError(err),
	)
}

func Unauthorized(advice string) *echo.HTTPError {
	return NewErrorMessage(http.StatusUnauthorized, "Unauthorized", WithAdvice(advice))
}

func InternalServerError(err error) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusInternalServerError,
		kerr.Reason(kerr.ErrInternal),
		WithAdvice("ask your system admin."),
		WithError(err),
	)
}
