// Package aggregator merges output of many log sources into one sequence.
//
// Aggregation has two phases.
//
// In the batch phase, output emitted so far is fetched from every source at once,
// and sent in the order of timestamps across sources.
//
// In the stream phase (only when following), each source is tailed by its own goroutine,
// and records are sent in the order the aggregator receives them.
// Records of one source keep their order, but records of different sources
// are NOT sorted by timestamp: a late record of a slow source can be sent after
// newer records of other sources. Sorting them would need to buffer records
// without bound, waiting for the slowest source.
//
// Sources can be added while streaming. The sequence ends when no sources are active
// and nobody holds the aggregator open (see Hold).
package aggregator

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/logsource"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrFinished is returned by Add after the aggregation ended.
var ErrFinished = errors.New("aggregation finished")

const DefaultCapacity = 256

type Options struct {
	// tail sources after the batch phase.
	Follow bool

	// keep timestamps in records sent. Records are ordered by timestamps anyway.
	Timestamps bool

	// number of records per source fetched in the batch phase. negative means all.
	Tail int

	// capacity of the queue of the stream phase. Readers block when it is full.
	Capacity int

	// called once by Release, after all goroutines are joined.
	OnRelease func()
}

type state int

const (
	idle state = iota
	batching
	streaming
	finished
)

type Aggregator struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	state     state
	pending   []logsource.Source
	dropped   map[string]bool
	active    map[string]*reader
	holds     int
	nameWidth int
	ctx       context.Context
	cancel    context.CancelFunc

	wake chan struct{}
	live chan item
	wg   sync.WaitGroup

	// only the goroutine of Run touches this.
	seq uint64

	releaseOnce sync.Once
}

func New(opts Options, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	return &Aggregator{
		opts:    opts,
		logger:  logger.Named("aggregator"),
		dropped: map[string]bool{},
		active:  map[string]*reader{},
		wake:    make(chan struct{}, 1),
		live:    make(chan item, opts.Capacity),
	}
}

type reader struct {
	name   string
	source logsource.Source

	mu     sync.Mutex
	stream logsource.Stream
	closed bool
}

// attach sets the stream. It returns false when the reader is already closed.
func (r *reader) attach(st logsource.Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.stream = st
	return true
}

func (r *reader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *reader) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.stream != nil {
		r.stream.Close()
	}
}

type item struct {
	rec    domain.LogRecord
	reader *reader

	// completion sentinel of the reader.
	done bool
}

// Add adds a source.
//
// Sources added before Run take part in the batch phase.
// Sources added while streaming are tailed from their beginning, immediately.
//
// It returns ErrAlreadyExists when a source with the same name is active,
// and ErrFinished when the aggregation has ended.
// A removed source can be added again at once.
func (a *Aggregator) Add(src logsource.Source) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := src.Name()
	if r, ok := a.active[name]; ok && !r.isClosed() {
		return fmt.Errorf("log source %s: %w", name, kerr.ErrAlreadyExists)
	}
	if slices.ContainsFunc(a.pending, func(s logsource.Source) bool { return s.Name() == name }) {
		return fmt.Errorf("log source %s: %w", name, kerr.ErrAlreadyExists)
	}
	delete(a.dropped, name)

	switch a.state {
	case idle, batching:
		a.pending = append(a.pending, src)
	case streaming:
		a.startLocked(src, nil)
	default:
		return ErrFinished
	}
	a.nameWidth = max(a.nameWidth, len(name))
	return nil
}

// Remove stops reading the source.
//
// Records of the source already received are still sent.
// It returns false when no such source is known.
func (a *Aggregator) Remove(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r, ok := a.active[name]; ok {
		r.close()
		return true
	}
	if i := slices.IndexFunc(a.pending, func(s logsource.Source) bool { return s.Name() == name }); 0 <= i {
		a.pending = slices.Delete(a.pending, i, i+1)
		return true
	}
	if a.state == batching {
		a.dropped[name] = true
		return true
	}
	return false
}

// Hold keeps the stream phase open even if no sources are active,
// until the returned function is called.
//
// Producers which may add sources later (a monitor of new instances, for example)
// hold the aggregator while they are working.
func (a *Aggregator) Hold() func() {
	a.mu.Lock()
	a.holds++
	a.mu.Unlock()

	once := sync.Once{}
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.holds--
			a.mu.Unlock()
			select {
			case a.wake <- struct{}{}:
			default:
			}
		})
	}
}

// NameWidth returns the length of the longest source name ever added.
func (a *Aggregator) NameWidth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nameWidth
}

// Run starts aggregation.
//
// The returned channel is closed when the aggregation ends, or ctx is done.
// Sources failing in the batch phase are reported by records with Err.
//
// Run can be called only once. Callers should call Release after all.
func (a *Aggregator) Run(ctx context.Context) <-chan domain.LogRecord {
	out := make(chan domain.LogRecord)

	a.mu.Lock()
	if a.state != idle {
		a.mu.Unlock()
		close(out)
		return out
	}
	a.state = batching
	ctx, cancel := context.WithCancel(ctx)
	a.ctx, a.cancel = ctx, cancel
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(out)
		defer a.finish()
		a.run(ctx, batch, out)
	}()
	return out
}

func (a *Aggregator) finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = finished
}

func (a *Aggregator) run(ctx context.Context, batch []logsource.Source, out chan<- domain.LogRecord) {
	resume, err := a.batch(ctx, batch, out)
	if err != nil {
		return
	}
	if !a.opts.Follow {
		return
	}

	a.mu.Lock()
	if a.state == finished {
		// released while batching
		a.mu.Unlock()
		return
	}
	a.state = streaming
	for i, src := range batch {
		if a.dropped[src.Name()] {
			continue
		}
		if _, ok := a.active[src.Name()]; ok {
			continue
		}
		a.startLocked(src, resume[i])
	}
	for _, src := range a.pending {
		a.startLocked(src, nil)
	}
	a.pending = nil
	a.dropped = map[string]bool{}
	a.mu.Unlock()

	a.stream(ctx, out)
}

// batch fetches output of sources so far, and sends it in the order of timestamps.
//
// A source which cannot be read is reported by a record with its name and Err,
// after the merged records of the other sources.
//
// It returns, for each source, the time from which the stream phase resumes.
// It is nil for failed sources, so they are followed from their beginning.
func (a *Aggregator) batch(ctx context.Context, batch []logsource.Source, out chan<- domain.LogRecord) ([]*time.Time, error) {
	results := make([][]domain.LogRecord, len(batch))
	failures := make([]error, len(batch))
	resume := make([]*time.Time, len(batch))

	eg := errgroup.Group{}
	for i, src := range batch {
		eg.Go(func() error {
			after := time.Now()
			recs, err := src.Stacked(ctx, a.opts.Tail)
			if err != nil {
				failures[i] = fmt.Errorf("log source %s: %w", src.Name(), err)
				return nil
			}
			if last := lastTimestamp(recs); last != nil {
				after = *last
			}
			results[i] = recs
			resume[i] = &after
			return nil
		})
	}
	eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &recordHeap{}
	for _, recs := range results {
		for _, r := range recs {
			a.seq++
			r.Seq = a.seq
			*h = append(*h, r)
		}
	}
	heap.Init(h)
	for 0 < h.Len() {
		r := heap.Pop(h).(domain.LogRecord)
		if !a.emit(ctx, out, r) {
			return nil, ctx.Err()
		}
	}

	for i, err := range failures {
		if err == nil {
			continue
		}
		a.logger.Warn("cannot read stacked logs", zap.String("source", batch[i].Name()), zap.Error(err))
		a.seq++
		r := domain.LogRecord{
			Source: batch[i].Name(), IsError: true, Payload: []byte(err.Error()), Err: err, Seq: a.seq,
		}
		if !a.emit(ctx, out, r) {
			return nil, ctx.Err()
		}
	}
	return resume, nil
}

func lastTimestamp(recs []domain.LogRecord) *time.Time {
	for i := len(recs) - 1; 0 <= i; i-- {
		if recs[i].HasTimestamp {
			t := recs[i].Timestamp
			return &t
		}
	}
	return nil
}

func (a *Aggregator) stream(ctx context.Context, out chan<- domain.LogRecord) {
	for {
		a.mu.Lock()
		if len(a.active) == 0 && a.holds == 0 {
			a.state = finished
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		case it := <-a.live:
			if it.done {
				a.mu.Lock()
				if a.active[it.reader.name] == it.reader {
					delete(a.active, it.reader.name)
				}
				a.mu.Unlock()
				continue
			}
			a.seq++
			it.rec.Seq = a.seq
			if !a.emit(ctx, out, it.rec) {
				return
			}
		}
	}
}

func (a *Aggregator) emit(ctx context.Context, out chan<- domain.LogRecord, r domain.LogRecord) bool {
	if !a.opts.Timestamps {
		r.HasTimestamp = false
		r.Timestamp = time.Time{}
	}
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Aggregator) startLocked(src logsource.Source, resumeAfter *time.Time) {
	r := &reader{name: src.Name(), source: src}
	a.active[r.name] = r
	a.nameWidth = max(a.nameWidth, len(r.name))
	a.wg.Add(1)
	go a.follow(a.ctx, r, resumeAfter)
}

func (a *Aggregator) follow(ctx context.Context, r *reader, resumeAfter *time.Time) {
	defer a.wg.Done()
	logger := a.logger.With(zap.String("source", r.name))

	st, err := r.source.Follow(ctx, resumeAfter)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("cannot follow log source", zap.Error(err))
		}
		a.send(ctx, item{reader: r, done: true})
		return
	}
	defer st.Close()
	if !r.attach(st) {
		a.send(ctx, item{reader: r, done: true})
		return
	}

	for {
		rec, err := st.Next()
		if err != nil {
			break
		}
		if !a.send(ctx, item{rec: rec, reader: r}) {
			return
		}
	}
	logger.Debug("log source ended")
	a.send(ctx, item{reader: r, done: true})
}

// send puts the item into the queue. It blocks while the queue is full.
func (a *Aggregator) send(ctx context.Context, it item) bool {
	select {
	case a.live <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release stops the aggregation, closes every stream, and waits for all goroutines.
// Then, it calls Options.OnRelease.
//
// Release can be called twice or more. Only the first call takes effect.
func (a *Aggregator) Release() {
	a.releaseOnce.Do(func() {
		a.mu.Lock()
		if a.cancel != nil {
			a.cancel()
		}
		a.state = finished
		readers := make([]*reader, 0, len(a.active))
		for _, r := range a.active {
			readers = append(readers, r)
		}
		a.mu.Unlock()

		for _, r := range readers {
			r.close()
		}
		a.wg.Wait()

		if a.opts.OnRelease != nil {
			a.opts.OnRelease()
		}
	})
}

type recordHeap []domain.LogRecord

var _ heap.Interface = &recordHeap{}

func (h recordHeap) Len() int           { return len(h) }
func (h recordHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h recordHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *recordHeap) Push(x any) {
	*h = append(*h, x.(domain.LogRecord))
}

func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
