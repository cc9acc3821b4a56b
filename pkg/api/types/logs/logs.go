// Package logs is the wire format of log records.
package logs

import (
	"time"

	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
)

// Record is a line of newline-delimited log stream.
//
//	{"name": "web.1", "name_width": 8, "stream": "listening on :8080\n", "timestamp": "2024-01-01T00:00:00.000000001Z"}
//
// The last record of a failed stream has Error.
//
//	{"error": true, "reason": "InternalError", "stream": "..."}
//
// A record with Error and Name reports that only the named source cannot be read.
// The stream goes on.
type Record struct {
	Name string `json:"name,omitempty"`

	// width to align names of all sources known so far.
	NameWidth int    `json:"name_width,omitempty"`
	Stream    string `json:"stream"`

	Timestamp *time.Time `json:"timestamp,omitempty"`

	// the record comes from stderr.
	Stderr bool `json:"stderr,omitempty"`

	Error  bool   `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func Compose(r domain.LogRecord, nameWidth int) Record {
	if r.Err != nil && r.Source == "" {
		return ComposeError(r.Err)
	}
	rec := Record{
		Name:      r.Source,
		NameWidth: nameWidth,
		Stream:    string(r.Payload),
		Stderr:    r.IsError,
	}
	if r.HasTimestamp {
		ts := r.Timestamp
		rec.Timestamp = &ts
	}
	if r.Err != nil {
		rec.Stderr = true
		rec.Error = true
		rec.Reason = kerr.Reason(r.Err)
		rec.Stream = r.Err.Error()
	}
	return rec
}

// Terminal tells whether the record ends the stream.
func (r Record) Terminal() bool {
	return r.Error && r.Name == ""
}

func ComposeError(err error) Record {
	return Record{Error: true, Reason: kerr.Reason(err), Stream: err.Error()}
}
