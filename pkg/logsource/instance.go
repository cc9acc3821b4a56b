package logsource

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"go.uber.org/zap"
)

// InstanceSource is a Source reading logs of an instance through the platform.
type InstanceSource struct {
	logs     cluster.Logs
	instance domain.Instance
	logger   *zap.Logger
	now      func() time.Time
}

var _ Source = &InstanceSource{}

type InstanceSourceOption func(*InstanceSource) *InstanceSource

// WithClock replaces the clock used to calculate "since" of Follow.
func WithClock(now func() time.Time) InstanceSourceOption {
	return func(s *InstanceSource) *InstanceSource {
		s.now = now
		return s
	}
}

func NewInstanceSource(logs cluster.Logs, instance domain.Instance, logger *zap.Logger, options ...InstanceSourceOption) *InstanceSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &InstanceSource{
		logs:     logs,
		instance: instance,
		logger:   logger.With(zap.String("instance", instance.Name)),
		now:      time.Now,
	}
	for _, opt := range options {
		s = opt(s)
	}
	return s
}

func (s *InstanceSource) Name() string {
	return s.instance.Name
}

func (s *InstanceSource) Instance() domain.Instance {
	return s.instance
}

func (s *InstanceSource) Stacked(ctx context.Context, tail int) ([]domain.LogRecord, error) {
	rc, format, err := s.logs.InstanceLog(ctx, s.instance, cluster.LogOptions{Timestamps: true, Tail: tail})
	if err != nil {
		return nil, kerr.Platform("fetch logs of "+s.instance.Name, err)
	}
	defer rc.Close()
	stop := context.AfterFunc(ctx, func() { rc.Close() })
	defer stop()

	dec := NewDecoder(rc, format, s.logger)
	records := []domain.LogRecord{}
	for {
		line, isErr, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return records, ctx.Err()
			}
			s.logger.Warn("log stream is broken", zap.Error(err))
			break
		}
		records = append(records, parse(s.instance.Name, line, isErr))
	}
	return records, nil
}

func (s *InstanceSource) Follow(ctx context.Context, resumeAfter *time.Time) (Stream, error) {
	opts := cluster.LogOptions{Follow: true, Timestamps: true, Tail: -1}
	if resumeAfter != nil {
		opts.SinceSeconds = SinceSeconds(s.now(), *resumeAfter)
	}
	rc, format, err := s.logs.InstanceLog(ctx, s.instance, opts)
	if err != nil {
		return nil, kerr.Platform("follow logs of "+s.instance.Name, err)
	}

	st := &stream{
		name:    s.instance.Name,
		rc:      rc,
		decoder: NewDecoder(rc, format, s.logger),
		after:   resumeAfter,
		logger:  s.logger,
	}
	st.stop = context.AfterFunc(ctx, func() { st.Close() })
	return st, nil
}

// SinceSeconds converts a point of time into "logs since N seconds ago".
//
// The result is rounded up, and always positive.
// Records at the boundary may be sent twice; readers skip them by timestamp.
func SinceSeconds(now time.Time, after time.Time) int64 {
	d := now.Sub(after)
	if d <= 0 {
		return 1
	}
	return int64(d/time.Second) + 1
}

type stream struct {
	name    string
	rc      io.ReadCloser
	decoder Decoder
	after   *time.Time
	logger  *zap.Logger

	stop   func() bool
	once   sync.Once
	closed atomic.Bool
}

func (st *stream) Next() (domain.LogRecord, error) {
	for {
		line, isErr, err := st.decoder.Next()
		if err != nil {
			if !st.closed.Load() && !errors.Is(err, io.EOF) {
				st.logger.Warn("log stream is broken", zap.Error(err))
			}
			return domain.LogRecord{}, io.EOF
		}

		rec := parse(st.name, line, isErr)
		if st.after != nil && rec.HasTimestamp && !rec.Timestamp.After(*st.after) {
			continue
		}
		return rec, nil
	}
}

func (st *stream) Close() error {
	var err error
	st.once.Do(func() {
		st.closed.Store(true)
		if st.stop != nil {
			st.stop()
		}
		err = st.rc.Close()
	})
	return err
}
