package domain

import "time"

// LogRecord is one unit of output from a log source.
type LogRecord struct {
	// name of the source, an instance name usually.
	Source string

	// when the record is emitted. Zero when HasTimestamp is false (raw mode).
	Timestamp    time.Time
	HasTimestamp bool

	Payload []byte

	// true when it comes from stderr, or it reports failure of the stream itself.
	IsError bool

	// receipt order in the aggregator. Assigned by the aggregator.
	Seq uint64

	// set when the record reports a failure instead of output.
	// Source is the failed source, or empty when the aggregation itself failed.
	Err error
}

// Before is the order of the batch phase of log aggregation:
// by timestamp, then by receipt order.
//
// Records without timestamps go first.
func (r LogRecord) Before(o LogRecord) bool {
	if r.HasTimestamp != o.HasTimestamp {
		return !r.HasTimestamp
	}
	if !r.Timestamp.Equal(o.Timestamp) {
		return r.Timestamp.Before(o.Timestamp)
	}
	return r.Seq < o.Seq
}
