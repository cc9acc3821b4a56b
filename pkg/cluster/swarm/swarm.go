// Package swarm is the docker swarm mode backend of the cluster facade.
//
// A project network is an overlay (or bridge) network with a subnet chosen by
// knitops, an app is a swarm service and an instance is the latest task of a slot.
// Swarm has no watch API for tasks, so watches poll task lists.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"go.uber.org/zap"
)

type Platform struct {
	engine Engine
	logger *zap.Logger

	driver       string
	pollInterval time.Duration
}

var _ cluster.Platform = &Platform{}

type Option func(*Platform) *Platform

// WithDriver sets the network driver, "overlay" (default) or "bridge".
func WithDriver(driver string) Option {
	return func(p *Platform) *Platform {
		p.driver = driver
		return p
	}
}

// WithPollInterval sets the interval of polling tasks for watches. Default: 1s.
func WithPollInterval(d time.Duration) Option {
	return func(p *Platform) *Platform {
		p.pollInterval = d
		return p
	}
}

func New(engine Engine, logger *zap.Logger, options ...Option) *Platform {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Platform{
		engine:       engine,
		logger:       logger.Named("swarm"),
		driver:       "overlay",
		pollInterval: time.Second,
	}
	for _, opt := range options {
		p = opt(p)
	}
	return p
}

// overlay networks share the address space of the whole swarm.
func (p *Platform) ProbesAddressSpace() bool {
	return true
}

func (p *Platform) ListNetworks(ctx context.Context, selector cluster.Selector) ([]cluster.Network, error) {
	nets, err := p.engine.NetworkList(ctx, selector.Equalities())
	if err != nil {
		return nil, err
	}
	// docker filters by equalities only.
	ret := []cluster.Network{}
	for _, n := range nets {
		if selector.Matches(n.Labels) {
			ret = append(ret, n)
		}
	}
	return ret, nil
}

func (p *Platform) CreateNetwork(ctx context.Context, spec cluster.NetworkSpec) (cluster.Network, error) {
	id, err := p.engine.NetworkCreate(ctx, spec, p.driver)
	if err != nil {
		return cluster.Network{}, err
	}
	p.logger.Info(
		"network created",
		zap.String("network", spec.Name), zap.String("id", id), zap.String("subnet", spec.Subnet),
	)
	return p.engine.NetworkInspect(ctx, id)
}

func (p *Platform) InspectNetwork(ctx context.Context, id string) (cluster.Network, error) {
	return p.engine.NetworkInspect(ctx, id)
}

func (p *Platform) RemoveNetwork(ctx context.Context, id string) error {
	if err := p.engine.NetworkRemove(ctx, id); err != nil && !errors.Is(err, kerr.ErrNotFound) {
		return err
	}
	return nil
}

// serviceName is globally unique in a swarm.
func serviceName(network cluster.Network, app string) string {
	return network.Name + "_" + app
}

func (p *Platform) CreateApp(ctx context.Context, network cluster.Network, project domain.Project, app domain.AppSpec) error {
	spec := ServiceSpec{
		Name:     serviceName(network, app.Name),
		Labels:   project.AppLabels(app.Name),
		Image:    app.ImageReference(),
		Command:  app.Command,
		Args:     app.Args,
		Network:  network.ID,
		Alias:    app.Name,
		Restart:  app.Restart,
		Replicas: uint64(app.Replicas),
		Ingress:  app.Ingress,
		GPUs:     int64(app.Quota.GPU),
	}
	spec.Labels[domain.LabelNetwork] = domain.LabelValue(network.Name)
	for _, k := range slices.Sorted(maps.Keys(app.Env)) {
		spec.Env = append(spec.Env, k+"="+app.Env[k])
	}
	for _, k := range slices.Sorted(maps.Keys(app.Constraints)) {
		spec.Constraints = append(spec.Constraints, fmt.Sprintf("node.labels.%s==%s", k, app.Constraints[k]))
	}
	if q, ok, err := app.Quota.CPUQuantity(); err != nil {
		return kerr.NewInvalid("quota.cpu", "%s", err)
	} else if ok {
		spec.NanoCPUs = q.MilliValue() * 1_000_000
	}
	if q, ok, err := app.Quota.MemoryQuantity(); err != nil {
		return kerr.NewInvalid("quota.memory", "%s", err)
	} else if ok {
		spec.MemoryBytes = q.Value()
	}

	if err := p.engine.ServiceCreate(ctx, spec); err != nil {
		return err
	}
	p.logger.Info("service created", zap.String("service", spec.Name), zap.Int("replicas", app.Replicas))
	return nil
}

func (p *Platform) ListInstances(ctx context.Context, network cluster.Network, selector cluster.Selector) ([]domain.Instance, error) {
	svcs, err := p.engine.ServiceList(ctx, selector.Equalities())
	if err != nil {
		return nil, err
	}

	ret := []domain.Instance{}
	for _, svc := range svcs {
		if !selector.Matches(svc.Labels) {
			continue
		}
		if n := svc.Labels[domain.LabelNetwork]; n != "" && n != domain.LabelValue(network.Name) {
			continue
		}
		tasks, err := p.engine.TaskList(ctx, svc.ID)
		if err != nil {
			return nil, err
		}
		ret = append(ret, instancesOf(network, svc, tasks)...)
	}
	domain.SortInstances(ret)
	return ret, nil
}

func asPhase(state string) (domain.Phase, bool) {
	switch state {
	case "new", "pending", "assigned", "accepted", "preparing", "ready", "starting":
		return domain.PhasePending, true
	case "running":
		return domain.PhaseRunning, true
	case "complete":
		return domain.PhaseSucceeded, true
	case "failed", "rejected":
		return domain.PhaseFailed, true
	default:
		// shutdown, remove, orphaned
		return "", false
	}
}

// instancesOf picks the latest task of each slot. Older tasks of the slot count as restarts.
func instancesOf(network cluster.Network, svc Service, tasks []Task) []domain.Instance {
	slots := map[string][]Task{}
	for _, t := range tasks {
		key := strconv.Itoa(t.Slot)
		if t.Slot == 0 {
			key = t.NodeID
		}
		slots[key] = append(slots[key], t)
	}

	app := svc.Labels[domain.LabelApp]
	ret := []domain.Instance{}
	for _, key := range slices.Sorted(maps.Keys(slots)) {
		ts := slots[key]
		slices.SortFunc(ts, func(a, b Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
		latest := ts[len(ts)-1]
		phase, ok := asPhase(latest.State)
		if !ok {
			continue
		}
		ret = append(ret, domain.Instance{
			ID:        latest.ID,
			Name:      app + "." + key,
			App:       app,
			Project:   svc.Labels[domain.LabelProject],
			Network:   network.Name,
			Node:      latest.NodeID,
			Phase:     phase,
			Restarts:  len(ts) - 1,
			CreatedAt: latest.CreatedAt,
			Container: svc.Name,
		})
	}
	return ret
}

func (p *Platform) RemoveApp(ctx context.Context, network cluster.Network, projectKey string, app string) error {
	name := serviceName(network, app)
	if err := p.engine.ServiceRemove(ctx, name); err != nil && !errors.Is(err, kerr.ErrNotFound) {
		return err
	}
	p.logger.Info("service removed", zap.String("service", name), zap.String("project", projectKey))
	return nil
}

// InstanceLog streams logs of the task. Task logs are multiplexed frames.
func (p *Platform) InstanceLog(ctx context.Context, instance domain.Instance, options cluster.LogOptions) (io.ReadCloser, cluster.LogFormat, error) {
	r, err := p.engine.TaskLogs(ctx, instance.ID, options)
	if err != nil {
		return nil, cluster.FormatFramed, err
	}
	return r, cluster.FormatFramed, nil
}
