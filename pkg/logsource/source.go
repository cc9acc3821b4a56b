// Package logsource reads output of one instance, running or removed.
//
// A Source fetches the output emitted so far at once (Stacked),
// and tails new output (Follow).
package logsource

import (
	"bytes"
	"context"
	"time"

	"github.com/opst/knitops/pkg/domain"
)

// Stream is a live tail of a Source.
type Stream interface {
	// Next returns the next record.
	//
	// It blocks until a record arrives, and returns io.EOF when the stream ends
	// (the instance exits, or the stream is closed).
	Next() (domain.LogRecord, error)

	// Close closes the connection behind the stream.
	// Next blocked in another goroutine returns io.EOF.
	Close() error
}

type Source interface {
	// name of the source. It is unique in an aggregation.
	Name() string

	// Stacked returns records emitted so far, ordered as emitted.
	//
	// Args
	//
	// - tail: number of records from the end. negative means all.
	Stacked(ctx context.Context, tail int) ([]domain.LogRecord, error)

	// Follow starts tailing the output.
	//
	// Args
	//
	// - resumeAfter: if not nil, records at or before this time are skipped.
	// If nil, the stream starts from the beginning of the output.
	Follow(ctx context.Context, resumeAfter *time.Time) (Stream, error)
}

// parse converts one line of output into a record.
//
// When the line starts with a RFC3339Nano timestamp followed by a space,
// the timestamp is taken out from the payload.
func parse(source string, line []byte, isErr bool) domain.LogRecord {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	rec := domain.LogRecord{Source: source, Payload: line, IsError: isErr}

	token, rest, found := bytes.Cut(line, []byte(" "))
	if !found {
		token, rest = line, []byte{}
	}
	ts, err := time.Parse(time.RFC3339Nano, string(token))
	if err != nil {
		return rec
	}
	rec.Timestamp = ts
	rec.HasTimestamp = true
	rec.Payload = rest
	return rec
}
