// Package errors is the error body of knitops API.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorMessage is the body of error responses.
//
//	{"reason": "ProjectNotFound", "advice": "project 0123abcd is not found"}
//
// Reason is one of the reason strings of pkg/domain/errors, or "InvalidRequest" and "Unauthorized".
type ErrorMessage struct {
	Reason string `json:"reason"`
	Advice string `json:"advice,omitempty"`

	// server side only. It is not sent.
	Cause error `json:"-"`
}

var errNoReason = errors.New(`error message without "reason"`)

func (em *ErrorMessage) UnmarshalJSON(b []byte) error {
	type wire ErrorMessage
	w := new(wire)
	if err := json.Unmarshal(b, w); err != nil {
		return err
	}
	if w.Reason == "" {
		return errNoReason
	}
	*em = ErrorMessage(*w)
	return nil
}

func (em ErrorMessage) Error() string {
	msg := em.Reason
	if em.Advice != "" {
		msg = fmt.Sprintf("%s: %s", msg, em.Advice)
	}
	if em.Cause != nil {
		msg = fmt.Sprintf("%s (caused by: %s)", msg, em.Cause)
	}
	return msg
}

func (em ErrorMessage) Unwrap() error {
	return em.Cause
}
