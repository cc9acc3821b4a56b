package domain

import (
	"fmt"

	kerr "github.com/opst/knitops/pkg/domain/errors"
)

type ResultStatus string

const (
	Succeed ResultStatus = "succeed"
	Failed  ResultStatus = "failed"
)

// Result terminates a stream of Events.
type Result struct {
	Status ResultStatus `json:"result"`

	// project key, on success.
	ID string `json:"id,omitempty"`

	// reason string of the error, on failure.
	Reason string `json:"reason,omitempty"`

	Err error `json:"-"`
}

// Event is a progress record of a long running operation.
//
// Exactly one of Stream and Result is set.
type Event struct {
	Stream string  `json:"stream,omitempty"`
	Result *Result `json:"-"`
}

func Progress(format string, args ...any) Event {
	return Event{Stream: fmt.Sprintf(format, args...) + "\n"}
}

func Success(id string) Event {
	return Event{Result: &Result{Status: Succeed, ID: id}}
}

func Failure(err error) Event {
	return Event{Result: &Result{Status: Failed, Reason: kerr.Reason(err), Err: err}}
}

// Terminal reports whether the event is the last one.
func (e Event) Terminal() bool {
	return e.Result != nil
}
