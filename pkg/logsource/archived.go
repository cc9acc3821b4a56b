package logsource

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/opst/knitops/pkg/domain"
)

// ArchivedSource serves records of a removed instance, saved at teardown.
//
// It never grows: Follow returns records after resumeAfter, and ends.
type ArchivedSource struct {
	name    string
	records []domain.LogRecord
}

var _ Source = &ArchivedSource{}

func NewArchivedSource(name string, records []domain.LogRecord) *ArchivedSource {
	recs := make([]domain.LogRecord, 0, len(records))
	for _, r := range records {
		r.Source = name
		recs = append(recs, r)
	}
	return &ArchivedSource{name: name, records: recs}
}

func (a *ArchivedSource) Name() string {
	return a.name
}

func (a *ArchivedSource) Stacked(ctx context.Context, tail int) ([]domain.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs := a.records
	if 0 <= tail && tail < len(recs) {
		recs = recs[len(recs)-tail:]
	}
	return slices.Clone(recs), nil
}

func (a *ArchivedSource) Follow(ctx context.Context, resumeAfter *time.Time) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs := []domain.LogRecord{}
	for _, r := range a.records {
		if resumeAfter != nil && r.HasTimestamp && !r.Timestamp.After(*resumeAfter) {
			continue
		}
		recs = append(recs, r)
	}
	return &sliceStream{records: recs}, nil
}

type sliceStream struct {
	mu      sync.Mutex
	records []domain.LogRecord
}

func (s *sliceStream) Next() (domain.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return domain.LogRecord{}, io.EOF
	}
	r := s.records[0]
	s.records = s.records[1:]
	return r, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	return nil
}
