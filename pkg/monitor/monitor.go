// Package monitor watches instances of a project on the platform.
//
// A Monitor keeps one watch open: when the platform ends the watch, it reopens the watch
// with the last resume token, and when the token is expired, it reopens the watch
// without token after backoff. A watch ended before delivering any events is
// reopened after backoff, too. Every time a watch is (re)opened, instances are listed
// and compared with the ones known so far, so that changes missed while the watch was
// closed are delivered too.
package monitor

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/utils/retry"
	"go.uber.org/zap"
)

// Platform is what Monitor needs.
type Platform interface {
	cluster.Watcher
	ListInstances(ctx context.Context, network cluster.Network, selector cluster.Selector) ([]domain.Instance, error)
}

type Monitor struct {
	platform Platform
	network  cluster.Network
	selector cluster.Selector
	logger   *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

type Option func(*Monitor) *Monitor

// WithBackoff sets bounds of backoff before reopening an expired, failed or empty watch.
//
// Default: 200ms to 30s, doubled for each consecutive failure.
func WithBackoff(initial, ceiling time.Duration) Option {
	return func(m *Monitor) *Monitor {
		m.minBackoff = initial
		m.maxBackoff = ceiling
		return m
	}
}

func New(platform Platform, network cluster.Network, selector cluster.Selector, logger *zap.Logger, options ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		platform:   platform,
		network:    network,
		selector:   selector,
		logger:     logger.Named("monitor").With(zap.String("network", network.Name)),
		minBackoff: 200 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range options {
		m = opt(m)
	}
	return m
}

// Handler receives events. Returning true stops watching.
type Handler func(cluster.InstanceEvent) bool

// Watch watches instances until the handler returns true or ctx is done.
//
// Handlers should be idempotent: after a watch is reopened, instances listed
// are delivered again as Added, and known instances missing from the list
// are delivered as Deleted.
//
// # Args
//
// - ctx: cancelling it stops the watch, closing its connection.
//
// - known: instances the caller already knows.
//
// - handle: handler of events.
//
// # Returns
//
// nil if the handler stopped watching. Otherwise, the cause of ctx.
func (m *Monitor) Watch(ctx context.Context, known []domain.Instance, handle Handler) error {
	k := map[string]domain.Instance{}
	for _, inst := range known {
		k[inst.ID] = inst
	}
	w := &watching{Monitor: m, known: k, handle: handle}
	return w.run(ctx)
}

type watching struct {
	*Monitor
	known  map[string]domain.Instance
	token  string
	handle Handler
}

func (w *watching) run(ctx context.Context) error {
	backoff := retry.CappedBackoff(w.minBackoff, 2, w.maxBackoff)
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		watch, err := w.platform.WatchInstances(ctx, w.network, w.selector, w.token)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if errors.Is(err, cluster.ErrResumeTokenExpired) {
				w.token = ""
			}
			w.logger.Warn("cannot open watch", zap.Error(err))
			if err := backoff(ctx); err != nil {
				return context.Cause(ctx)
			}
			continue
		}

		stop, err := w.reconcile(ctx)
		if err != nil {
			watch.Stop()
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			w.logger.Warn("cannot list instances", zap.Error(err))
			if err := backoff(ctx); err != nil {
				return context.Cause(ctx)
			}
			continue
		}
		if stop {
			watch.Stop()
			return nil
		}

		stop, expired, progressed := w.consume(ctx, watch)
		if stop {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if progressed {
			backoff = retry.CappedBackoff(w.minBackoff, 2, w.maxBackoff)
		}
		if expired {
			w.logger.Info("watch is expired. restart without resume token")
			w.token = ""
		} else {
			w.logger.Debug("watch is closed. reopen", zap.String("resumeToken", w.token))
		}
		// a watch ending without any events is a failure of the platform.
		if expired || !progressed {
			if err := backoff(ctx); err != nil {
				return context.Cause(ctx)
			}
		}
	}
}

// reconcile lists instances and delivers differences from known ones.
func (w *watching) reconcile(ctx context.Context) (bool, error) {
	instances, err := w.platform.ListInstances(ctx, w.network, w.selector)
	if err != nil {
		return false, kerr.Platform("list instances", err)
	}

	listed := map[string]domain.Instance{}
	for _, inst := range instances {
		listed[inst.ID] = inst
	}
	for _, inst := range instances {
		w.known[inst.ID] = inst
		if w.handle(cluster.InstanceEvent{Type: cluster.Added, Instance: inst}) {
			return true, nil
		}
	}
	for _, id := range slices.Sorted(maps.Keys(w.known)) {
		if _, ok := listed[id]; ok {
			continue
		}
		inst := w.known[id]
		delete(w.known, id)
		if w.handle(cluster.InstanceEvent{Type: cluster.Deleted, Instance: inst}) {
			return true, nil
		}
	}
	return false, nil
}

// consume delivers events of the watch until it ends.
//
// # Returns
//
// - stop: the handler stopped watching.
//
// - expired: the watch ended with expiry of resume token.
//
// - progressed: some events are delivered.
func (w *watching) consume(ctx context.Context, watch cluster.InstanceWatch) (stop bool, expired bool, progressed bool) {
	cancelStop := context.AfterFunc(ctx, watch.Stop)
	defer cancelStop()
	defer watch.Stop()

	for ev := range watch.Events() {
		if ev.Type == cluster.Expired {
			return false, true, progressed
		}
		if ev.ResumeToken != "" {
			w.token = ev.ResumeToken
		}
		progressed = true

		switch ev.Type {
		case cluster.Deleted:
			delete(w.known, ev.Instance.ID)
		default:
			w.known[ev.Instance.ID] = ev.Instance
		}
		if w.handle(ev) {
			return true, false, progressed
		}
	}
	return false, false, progressed
}
