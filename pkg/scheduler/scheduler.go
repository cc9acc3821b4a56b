// Package scheduler launches apps of a project in the order of their dependencies.
//
// Launches are serialized: an app is started only after the previous one gets ready,
// and only when every dependency of the app reaches its condition.
// When a launch fails (timeout, platform error, invalid dependency or cancellation),
// everything started by the launch is rolled back.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opst/knitops/pkg/aggregator"
	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/logsource"
	"github.com/opst/knitops/pkg/loop"
	"github.com/opst/knitops/pkg/provision"
	"go.uber.org/zap"
)

type Options struct {
	// interval of readiness polling. default: 1s
	Tick time.Duration

	// how long an app may take to get ready. default: 1h
	Timeout time.Duration

	// lines per instance shown on rollback. default: 20. negative disables.
	LogTail int

	// how long rollback may take. default: 5m
	RollbackTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Hour
	}
	if o.LogTail == 0 {
		o.LogTail = 20
	}
	if o.RollbackTimeout <= 0 {
		o.RollbackTimeout = 5 * time.Minute
	}
	return o
}

type Scheduler struct {
	platform    cluster.Platform
	provisioner *provision.Provisioner
	opts        Options
	logger      *zap.Logger
	now         func() time.Time
}

func New(platform cluster.Platform, provisioner *provision.Provisioner, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		platform:    platform,
		provisioner: provisioner,
		opts:        opts.withDefaults(),
		logger:      logger.Named("scheduler"),
		now:         time.Now,
	}
}

type pending struct {
	app    string
	expiry time.Time
}

// queue is the state of a launch. Only the loop of Launch mutates it.
type queue struct {
	waiting  []string
	launched map[string]bool
	pending  *pending

	// apps started by this launch, in order.
	started []string

	// consecutive requeues since the last launch.
	requeues int

	// when apps started to wait for conditions of launched dependencies.
	conditionSince map[string]time.Time
}

// Launch provisions the network of the project and launches apps in it.
//
// The returned channel yields progress events and one terminal event
// (domain.Success or domain.Failure), then it is closed.
// Callers should drain the channel until it is closed: rollback after
// cancellation of ctx reports its progress there too.
//
// # Args
//
// - ctx: cancelling it aborts the launch, and rolls back.
//
// - project: the project. Its network is reused if it exists.
//
// - apps: apps to be launched. Dependencies on apps not in this map
// should be already satisfied in the network.
//
// - exclusive: if true, an existing network of the project is ErrAlreadyExists.
func (s *Scheduler) Launch(ctx context.Context, project domain.Project, apps map[string]domain.AppSpec, exclusive bool) <-chan domain.Event {
	ch := make(chan domain.Event, 16)
	emit := func(ev domain.Event) { ch <- ev }

	go func() {
		defer close(ch)
		logger := s.logger.With(zap.String("project", project.Key), zap.String("launch", uuid.NewString()))

		network, created, err := s.provisioner.Provision(ctx, project, exclusive, emit)
		if err != nil {
			logger.Warn("provisioning failed", zap.Error(err))
			emit(domain.Failure(err))
			return
		}

		q := &queue{
			waiting:        slices.Sorted(maps.Keys(apps)),
			launched:       map[string]bool{},
			conditionSince: map[string]time.Time{},
		}
		emit(domain.Progress("launching apps: %s", strings.Join(q.waiting, ", ")))

		l := &launch{
			Scheduler: s, logger: logger, emit: emit,
			network: network, project: project, apps: apps,
		}
		q, err = loop.Start(ctx, q, l.step)
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("launch is cancelled: %w", context.Cause(ctx))
			}
			logger.Warn("launch failed. rolling back", zap.Error(err))
			emit(domain.Progress("launch failed: %s", err))
			l.rollback(context.WithoutCancel(ctx), q.started, created)
			emit(domain.Failure(err))
			return
		}

		logger.Info("launch completed")
		emit(domain.Success(project.Key))
	}()

	return ch
}

type launch struct {
	*Scheduler
	logger  *zap.Logger
	emit    func(domain.Event)
	network cluster.Network
	project domain.Project
	apps    map[string]domain.AppSpec
}

func (l *launch) step(ctx context.Context, q *queue) (*queue, loop.Next) {
	if q.pending != nil {
		return l.poll(ctx, q)
	}

	if len(q.waiting) == 0 {
		return q, loop.Break(nil)
	}

	name := q.waiting[0]
	q.waiting = q.waiting[1:]
	app := l.apps[name]

	unmet, waitCondition, err := l.unmet(ctx, q, app)
	if err != nil {
		return q, loop.Break(err)
	}

	if 0 < len(unmet) {
		q.waiting = append(q.waiting, name)
		q.requeues++
		if len(q.waiting) <= q.requeues {
			return q, loop.Break(fmt.Errorf(
				"%w: %s waits for %s, but they never get launched",
				kerr.ErrInvalidDependencyGraph, strings.Join(q.waiting, ", "), strings.Join(unmet, ", "),
			))
		}
		return q, loop.Continue(0)
	}

	if 0 < len(waitCondition) {
		since, ok := q.conditionSince[name]
		if !ok {
			since = l.now()
			q.conditionSince[name] = since
			l.emit(domain.Progress("app %s waits for %s", name, strings.Join(waitCondition, ", ")))
		}
		if since.Add(l.opts.Timeout).Before(l.now()) {
			return q, loop.Break(fmt.Errorf(
				"%w: app %s waits for %s", kerr.ErrLaunchTimeout, name, strings.Join(waitCondition, ", "),
			))
		}
		q.waiting = append(q.waiting, name)
		q.requeues = 0
		return q, loop.Continue(l.opts.Tick)
	}

	l.emit(domain.Progress("starting app %s", name))
	// a failed creation can leave a part of the app.
	q.started = append(q.started, name)
	if err := l.platform.CreateApp(ctx, l.network, l.project, app); err != nil {
		if errors.Is(err, kerr.ErrAlreadyExists) {
			// not ours.
			q.started = q.started[:len(q.started)-1]
		}
		return q, loop.Break(kerr.Platform("create app "+name, err))
	}
	l.logger.Info("app started", zap.String("app", name))
	q.pending = &pending{app: name, expiry: l.now().Add(l.opts.Timeout)}
	q.requeues = 0
	delete(q.conditionSince, name)
	return q, loop.Continue(0)
}

// unmet returns dependencies of the app which are not launched,
// and ones launched but not reaching their conditions.
func (l *launch) unmet(ctx context.Context, q *queue, app domain.AppSpec) (notLaunched []string, waitCondition []string, err error) {
	for _, dep := range app.DependsOn {
		depApp, declared := l.apps[dep.App]
		if declared && !q.launched[dep.App] {
			notLaunched = append(notLaunched, dep.App)
			continue
		}

		instances, err := l.instances(ctx, dep.App)
		if err != nil {
			return nil, nil, err
		}
		replicas := depApp.Replicas
		if !declared {
			// already deployed before this launch
			if len(instances) == 0 {
				notLaunched = append(notLaunched, dep.App)
				continue
			}
			replicas = len(instances)
		}
		if !dep.SatisfiedBy(instances, replicas) {
			waitCondition = append(waitCondition, dep.String())
		}
	}
	return notLaunched, waitCondition, nil
}

func (l *launch) instances(ctx context.Context, app string) ([]domain.Instance, error) {
	selector := cluster.SelectorOf(l.project.Selector()).With(domain.LabelApp, app)
	instances, err := l.platform.ListInstances(ctx, l.network, selector)
	if err != nil {
		return nil, kerr.Platform("list instances of "+app, err)
	}
	return instances, nil
}

func (l *launch) poll(ctx context.Context, q *queue) (*queue, loop.Next) {
	name := q.pending.app
	app := l.apps[name]

	instances, err := l.instances(ctx, name)
	if err != nil {
		return q, loop.Break(err)
	}

	ready := domain.CountPhase(instances, domain.PhaseRunning, domain.PhaseSucceeded)
	if app.Replicas <= ready {
		l.logger.Info("app is ready", zap.String("app", name))
		l.emit(domain.Progress("app %s is ready (%d/%d)", name, ready, app.Replicas))
		q.launched[name] = true
		q.pending = nil
		return q, loop.Continue(0)
	}

	if app.Restart == domain.RestartNever {
		if failed := domain.CountPhase(instances, domain.PhaseFailed); 0 < failed {
			return q, loop.Break(fmt.Errorf("%w: app %s failed (%d instances)", kerr.ErrAppNotRunning, name, failed))
		}
	}

	if q.pending.expiry.Before(l.now()) {
		return q, loop.Break(fmt.Errorf(
			"%w: app %s is not ready in %s (%d/%d)", kerr.ErrLaunchTimeout, name, l.opts.Timeout, ready, app.Replicas,
		))
	}
	return q, loop.Continue(l.opts.Tick)
}

// rollback dumps logs of started apps, then removes them and the network (if created by the launch).
func (l *launch) rollback(ctx context.Context, started []string, networkCreated bool) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.RollbackTimeout)
	defer cancel()

	l.dumpLogs(ctx, started)

	errs := []error{}
	for _, name := range slices.Backward(started) {
		if err := l.platform.RemoveApp(ctx, l.network, l.project.Key, name); err != nil {
			l.logger.Error("cannot remove app", zap.String("app", name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		l.emit(domain.Progress("app %s removed", name))
	}

	if networkCreated {
		if 0 < len(errs) {
			// instances may still be attached.
			l.emit(domain.Progress("network %s is left: %s", l.network.Name, errors.Join(errs...)))
			return
		}
		if err := l.provisioner.Release(ctx, l.network); err != nil {
			l.logger.Error("cannot remove network", zap.Error(err))
			l.emit(domain.Progress("network %s is left: %s", l.network.Name, err))
			return
		}
		l.emit(domain.Progress("network %s removed", l.network.Name))
	}
}

func (l *launch) dumpLogs(ctx context.Context, started []string) {
	if len(started) == 0 || l.opts.LogTail < 0 {
		return
	}
	agg := aggregator.New(aggregator.Options{Tail: l.opts.LogTail, Timestamps: false}, l.logger)
	defer agg.Release()

	for _, name := range started {
		instances, err := l.instances(ctx, name)
		if err != nil {
			l.logger.Warn("cannot list instances for logs", zap.String("app", name), zap.Error(err))
			continue
		}
		domain.SortInstances(instances)
		for _, inst := range instances {
			if inst.Phase == domain.PhasePending {
				continue
			}
			if err := agg.Add(logsource.NewInstanceSource(l.platform, inst, l.logger)); err != nil {
				l.logger.Warn("cannot read logs", zap.String("instance", inst.Name), zap.Error(err))
			}
		}
	}

	width := agg.NameWidth()
	for rec := range agg.Run(ctx) {
		if rec.Err != nil {
			l.emit(domain.Progress("cannot read logs: %s", rec.Err))
			continue
		}
		l.emit(domain.Progress("%-*s | %s", width, rec.Source, rec.Payload))
	}
}
