// Package orchestrator ties the provisioner, the scheduler, the monitor and the log
// aggregator together into operations on projects: deploy, teardown, logs and status.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/monitor"
	"github.com/opst/knitops/pkg/provision"
	"github.com/opst/knitops/pkg/scheduler"
	"github.com/opst/knitops/pkg/store"
	"go.uber.org/zap"
)

// Operation names passed to Notifier.
const (
	OpDeploy   = "deploy"
	OpTeardown = "teardown"
)

// Notifier receives every event of Deploy and Teardown.
type Notifier interface {
	Notify(ctx context.Context, op string, key string, ev domain.Event)
}

type Orchestrator struct {
	platform cluster.Platform
	projects store.Projects
	archive  store.Archive
	logger   *zap.Logger

	pool            provision.Pool
	schedulerOpts   scheduler.Options
	monitorOpts     []monitor.Option
	notifiers       []Notifier
	teardownTimeout time.Duration

	provisioner *provision.Provisioner
	scheduler   *scheduler.Scheduler
}

type Option func(*Orchestrator) *Orchestrator

// WithPool sets the address space of project networks. Default: provision.DefaultPool().
func WithPool(pool provision.Pool) Option {
	return func(o *Orchestrator) *Orchestrator {
		o.pool = pool
		return o
	}
}

func WithSchedulerOptions(opts scheduler.Options) Option {
	return func(o *Orchestrator) *Orchestrator {
		o.schedulerOpts = opts
		return o
	}
}

func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(o *Orchestrator) *Orchestrator {
		o.monitorOpts = append(o.monitorOpts, opts...)
		return o
	}
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) *Orchestrator {
		o.notifiers = append(o.notifiers, n)
		return o
	}
}

// WithTeardownTimeout sets how long Teardown waits for instances to disappear. Default: 10m.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) *Orchestrator {
		o.teardownTimeout = d
		return o
	}
}

func New(platform cluster.Platform, projects store.Projects, archive store.Archive, logger *zap.Logger, options ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		platform:        platform,
		projects:        projects,
		archive:         archive,
		logger:          logger.Named("orchestrator"),
		pool:            provision.DefaultPool(),
		teardownTimeout: 10 * time.Minute,
	}
	for _, opt := range options {
		o = opt(o)
	}
	o.provisioner = provision.New(platform, o.pool, logger)
	o.scheduler = scheduler.New(platform, o.provisioner, o.schedulerOpts, logger)
	return o
}

// publisher forwards events to the channel and to notifiers.
type publisher struct {
	ctx       context.Context
	op        string
	key       string
	ch        chan<- domain.Event
	notifiers []Notifier
}

func (o *Orchestrator) publisher(ctx context.Context, op string, key string, ch chan<- domain.Event) *publisher {
	return &publisher{ctx: context.WithoutCancel(ctx), op: op, key: key, ch: ch, notifiers: o.notifiers}
}

func (p *publisher) emit(ev domain.Event) {
	for _, n := range p.notifiers {
		n.Notify(p.ctx, p.op, p.key, ev)
	}
	p.ch <- ev
}

func (p *publisher) progress(format string, args ...any) {
	p.emit(domain.Progress(format, args...))
}

// Get returns the project registered with the key.
func (o *Orchestrator) Get(ctx context.Context, key string) (domain.Project, error) {
	return o.projects.Get(ctx, key)
}

// List returns all registered projects.
func (o *Orchestrator) List(ctx context.Context) ([]domain.Project, error) {
	return o.projects.List(ctx)
}

// UpdateLabels updates labels of the project. Labels telling the identity cannot be changed.
func (o *Orchestrator) UpdateLabels(ctx context.Context, key string, labels domain.Labels) (domain.Project, error) {
	for _, k := range []string{domain.LabelProject, domain.LabelApp, domain.LabelNetwork} {
		if _, ok := labels[k]; ok {
			return domain.Project{}, kerr.NewInvalid("labels."+k, "immutable")
		}
	}
	p, err := o.projects.UpdateLabels(ctx, key, labels)
	if err != nil {
		return domain.Project{}, err
	}
	o.logger.Info("labels updated", zap.String("project", key))
	return p, nil
}

// Status returns instances of the app.
//
// # Returns
//
// - error: ErrProjectNotFound or ErrServiceNotFound when the project or the app is unknown,
// and ErrAppNotRunning when the app has no instances.
func (o *Orchestrator) Status(ctx context.Context, key string, app string) ([]domain.Instance, error) {
	project, err := o.projects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, ok := project.Apps[app]; !ok {
		return nil, fmt.Errorf("%w: app %s in project %s", kerr.ErrServiceNotFound, app, key)
	}
	network, ok, err := o.provisioner.Lookup(ctx, project)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: app %s (no network)", kerr.ErrAppNotRunning, app)
	}

	selector := cluster.SelectorOf(project.Selector()).With(domain.LabelApp, app)
	instances, err := o.platform.ListInstances(ctx, network, selector)
	if err != nil {
		return nil, kerr.Platform("list instances of "+app, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: app %s", kerr.ErrAppNotRunning, app)
	}
	domain.SortInstances(instances)
	return instances, nil
}
