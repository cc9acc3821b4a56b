// Package fakeplatform provides an in-memory cluster.Platform for tests.
//
// Tests script behaviours of the platform through exported fields and methods,
// and spy on what the code under test did with it.
package fakeplatform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
)

// AppScript scripts behaviour of instances of an app.
type AppScript struct {
	// error returned from CreateApp
	CreateErr error

	// error returned from CreateApp after its instances are created.
	PartialCreateErr error

	// phase of instances. default: Running.
	Phase domain.Phase

	// instances stay Pending until this many ListInstances calls for the app are made.
	PendingPolls int
}

type app struct {
	network string
	project domain.Project
	spec    domain.AppSpec
	polls   int
}

// Platform is a fake cluster.Platform.
type Platform struct {
	mu sync.Mutex

	// true if networks need subnets chosen by callers.
	Probing bool

	// subnets which are already in use. CreateNetwork with them fails with cluster.ErrAddressConflict.
	UsedSubnets map[string]bool

	// subnets which the platform silently replaces with another one on creation.
	Reassign map[string]string

	// error returned from CreateNetwork, if not nil.
	CreateNetworkErr error

	// error returned from RemoveNetwork, if not nil.
	RemoveNetworkErr error

	// behaviour of apps by name.
	Scripts map[string]AppScript

	// stacked logs by instance name. Lines are in the format of LogFormat.
	StackedLogs map[string][]string

	// errors of InstanceLog by instance name.
	LogErrs map[string]error

	Format cluster.LogFormat

	// Spies
	SubnetAttempts []string
	CreatedApps    []string
	RemovedApps    []string
	WatchTokens    []string

	networks  map[string]cluster.Network
	apps      map[string]*app
	instances map[string]domain.Instance
	seq       int
	version   int

	watches     []*watch
	expireNext  int
	liveStreams map[string][]*io.PipeWriter
	openStreams int
}

var _ cluster.Platform = &Platform{}

func New() *Platform {
	return &Platform{
		UsedSubnets: map[string]bool{},
		Reassign:    map[string]string{},
		Scripts:     map[string]AppScript{},
		StackedLogs: map[string][]string{},
		LogErrs:     map[string]error{},
		networks:    map[string]cluster.Network{},
		apps:        map[string]*app{},
		instances:   map[string]domain.Instance{},
		liveStreams: map[string][]*io.PipeWriter{},
	}
}

func (p *Platform) ProbesAddressSpace() bool {
	return p.Probing
}

func (p *Platform) ListNetworks(ctx context.Context, selector cluster.Selector) ([]cluster.Network, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := []cluster.Network{}
	for _, id := range slices.Sorted(maps.Keys(p.networks)) {
		n := p.networks[id]
		if selector.Matches(n.Labels) {
			ret = append(ret, n)
		}
	}
	return ret, nil
}

func (p *Platform) CreateNetwork(ctx context.Context, spec cluster.NetworkSpec) (cluster.Network, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if spec.Subnet != "" {
		p.SubnetAttempts = append(p.SubnetAttempts, spec.Subnet)
	}
	if p.CreateNetworkErr != nil {
		return cluster.Network{}, p.CreateNetworkErr
	}
	for _, n := range p.networks {
		if n.Name == spec.Name {
			return cluster.Network{}, fmt.Errorf("network %s: %w", spec.Name, kerr.ErrAlreadyExists)
		}
	}
	if p.UsedSubnets[spec.Subnet] {
		return cluster.Network{}, fmt.Errorf("subnet %s: %w", spec.Subnet, cluster.ErrAddressConflict)
	}
	for _, n := range p.networks {
		if slices.Contains(n.Subnets, spec.Subnet) && spec.Subnet != "" {
			return cluster.Network{}, fmt.Errorf("subnet %s: %w", spec.Subnet, cluster.ErrAddressConflict)
		}
	}

	p.seq++
	n := cluster.Network{
		ID:     "net-" + strconv.Itoa(p.seq),
		Name:   spec.Name,
		Labels: maps.Clone(spec.Labels),
	}
	if spec.Subnet != "" {
		subnet := spec.Subnet
		if r, ok := p.Reassign[subnet]; ok {
			subnet = r
		}
		n.Subnets = []string{subnet}
	}
	p.networks[n.ID] = n
	return n, nil
}

func (p *Platform) InspectNetwork(ctx context.Context, id string) (cluster.Network, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.networks[id]
	if !ok {
		return cluster.Network{}, fmt.Errorf("network %s: %w", id, kerr.ErrNotFound)
	}
	return n, nil
}

func (p *Platform) RemoveNetwork(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RemoveNetworkErr != nil {
		return p.RemoveNetworkErr
	}
	delete(p.networks, id)
	return nil
}

// Networks returns all networks on the platform.
func (p *Platform) Networks() []cluster.Network {
	nets, _ := p.ListNetworks(context.Background(), cluster.Selector{})
	return nets
}

func appKey(network string, name string) string {
	return network + "/" + name
}

func (p *Platform) CreateApp(ctx context.Context, network cluster.Network, project domain.Project, spec domain.AppSpec) error {
	p.mu.Lock()
	script := p.Scripts[spec.Name]
	if script.CreateErr != nil {
		p.mu.Unlock()
		return script.CreateErr
	}
	if _, ok := p.apps[appKey(network.Name, spec.Name)]; ok {
		p.mu.Unlock()
		return fmt.Errorf("app %s: %w", spec.Name, kerr.ErrAlreadyExists)
	}
	p.apps[appKey(network.Name, spec.Name)] = &app{network: network.Name, project: project, spec: spec}
	p.CreatedApps = append(p.CreatedApps, spec.Name)

	events := []cluster.InstanceEvent{}
	for n := range spec.Replicas {
		p.seq++
		inst := domain.Instance{
			ID:        fmt.Sprintf("%s-%s-%d", project.Key, spec.Name, p.seq),
			Name:      fmt.Sprintf("%s.%d", spec.Name, n+1),
			App:       spec.Name,
			Project:   project.Key,
			Network:   network.Name,
			Node:      "node-1",
			Phase:     domain.PhasePending,
			CreatedAt: time.Now(),
			Container: spec.Name,
		}
		p.instances[inst.ID] = inst
		events = append(events, p.eventLocked(cluster.Added, inst))
	}
	watches := slices.Clone(p.watches)
	p.mu.Unlock()

	broadcast(watches, events)
	return script.PartialCreateErr
}

// phaseLocked returns the phase of instances of the app as of now.
func (p *Platform) phaseLocked(a *app) domain.Phase {
	script := p.Scripts[a.spec.Name]
	if a.polls < script.PendingPolls {
		return domain.PhasePending
	}
	if script.Phase == "" {
		return domain.PhaseRunning
	}
	return script.Phase
}

func (p *Platform) ListInstances(ctx context.Context, network cluster.Network, selector cluster.Selector) ([]domain.Instance, error) {
	p.mu.Lock()

	events := []cluster.InstanceEvent{}
	polled := map[string]bool{}
	ret := []domain.Instance{}
	for _, id := range slices.Sorted(maps.Keys(p.instances)) {
		inst := p.instances[id]
		if network.Name != "" && inst.Network != network.Name {
			continue
		}
		if !selector.Matches(labelsOf(inst)) {
			continue
		}
		if a, ok := p.apps[appKey(inst.Network, inst.App)]; ok {
			if !polled[inst.App] {
				a.polls++
				polled[inst.App] = true
			}
			if phase := p.phaseLocked(a); phase != inst.Phase {
				inst.Phase = phase
				p.instances[id] = inst
				events = append(events, p.eventLocked(cluster.Modified, inst))
			}
		}
		ret = append(ret, inst)
	}
	watches := slices.Clone(p.watches)
	p.mu.Unlock()

	broadcast(watches, events)
	return ret, nil
}

func labelsOf(inst domain.Instance) map[string]string {
	return map[string]string{
		domain.LabelProject: inst.Project,
		domain.LabelApp:     inst.App,
	}
}

func (p *Platform) RemoveApp(ctx context.Context, network cluster.Network, projectKey string, name string) error {
	p.mu.Lock()
	p.RemovedApps = append(p.RemovedApps, name)
	delete(p.apps, appKey(network.Name, name))
	events := []cluster.InstanceEvent{}
	writers := []*io.PipeWriter{}
	for _, id := range slices.Sorted(maps.Keys(p.instances)) {
		inst := p.instances[id]
		if inst.Network != network.Name || inst.App != name || inst.Project != projectKey {
			continue
		}
		delete(p.instances, id)
		writers = append(writers, p.liveStreams[inst.Name]...)
		delete(p.liveStreams, inst.Name)
		events = append(events, p.eventLocked(cluster.Deleted, inst))
	}
	watches := slices.Clone(p.watches)
	p.mu.Unlock()

	for _, w := range writers {
		w.Close()
	}
	broadcast(watches, events)
	return nil
}

// Instances returns all instances on the platform.
func (p *Platform) Instances() []domain.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := []domain.Instance{}
	for _, id := range slices.Sorted(maps.Keys(p.instances)) {
		ret = append(ret, p.instances[id])
	}
	return ret
}

// SetPhase changes phases of all instances of the app, and notifies watches.
func (p *Platform) SetPhase(appName string, phase domain.Phase) {
	p.mu.Lock()
	s := p.Scripts[appName]
	s.Phase = phase
	s.PendingPolls = 0
	p.Scripts[appName] = s
	events := []cluster.InstanceEvent{}
	for _, id := range slices.Sorted(maps.Keys(p.instances)) {
		inst := p.instances[id]
		if inst.App != appName || inst.Phase == phase {
			continue
		}
		inst.Phase = phase
		p.instances[id] = inst
		events = append(events, p.eventLocked(cluster.Modified, inst))
	}
	watches := slices.Clone(p.watches)
	p.mu.Unlock()
	broadcast(watches, events)
}

// AddInstance puts an instance on the platform as if it were scaled out, and notifies watches.
func (p *Platform) AddInstance(inst domain.Instance) {
	p.mu.Lock()
	p.instances[inst.ID] = inst
	ev := p.eventLocked(cluster.Added, inst)
	watches := slices.Clone(p.watches)
	p.mu.Unlock()
	broadcast(watches, []cluster.InstanceEvent{ev})
}

// DeleteInstance removes an instance and notifies watches.
func (p *Platform) DeleteInstance(id string) {
	p.mu.Lock()
	inst, ok := p.instances[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.instances, id)
	writers := p.liveStreams[inst.Name]
	delete(p.liveStreams, inst.Name)
	ev := p.eventLocked(cluster.Deleted, inst)
	watches := slices.Clone(p.watches)
	p.mu.Unlock()

	for _, w := range writers {
		w.Close()
	}
	broadcast(watches, []cluster.InstanceEvent{ev})
}

func (p *Platform) eventLocked(t cluster.EventType, inst domain.Instance) cluster.InstanceEvent {
	p.version++
	return cluster.InstanceEvent{Type: t, Instance: inst, ResumeToken: strconv.Itoa(p.version)}
}

func (p *Platform) InstanceLog(ctx context.Context, inst domain.Instance, options cluster.LogOptions) (io.ReadCloser, cluster.LogFormat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.LogErrs[inst.Name]; err != nil {
		return nil, p.Format, err
	}

	if !options.Follow {
		lines := p.StackedLogs[inst.Name]
		if 0 <= options.Tail && options.Tail < len(lines) {
			lines = lines[len(lines)-options.Tail:]
		}
		buf := []byte{}
		for _, l := range lines {
			buf = append(buf, l...)
		}
		p.openStreams++
		return &countingReader{
			r: io.NopCloser(bytes.NewReader(buf)), p: p,
		}, p.Format, nil
	}

	pr, pw := io.Pipe()
	p.liveStreams[inst.Name] = append(p.liveStreams[inst.Name], pw)
	p.openStreams++
	return &countingReader{r: pr, p: p}, p.Format, nil
}

// Emit writes a chunk into every live log stream of the instance.
//
// It blocks until readers consume it.
func (p *Platform) Emit(instanceName string, chunk string) {
	p.mu.Lock()
	writers := slices.Clone(p.liveStreams[instanceName])
	p.mu.Unlock()
	for _, w := range writers {
		w.Write([]byte(chunk))
	}
}

// EndLive closes live log streams of the instance, as if the instance exited.
func (p *Platform) EndLive(instanceName string) {
	p.mu.Lock()
	writers := p.liveStreams[instanceName]
	delete(p.liveStreams, instanceName)
	p.mu.Unlock()
	for _, w := range writers {
		w.Close()
	}
}

// LiveStreams returns the number of open live streams of the instance.
func (p *Platform) LiveStreams(instanceName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.liveStreams[instanceName])
}

// OpenStreams returns the number of log streams which are not closed yet.
func (p *Platform) OpenStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openStreams
}

type countingReader struct {
	r    io.ReadCloser
	p    *Platform
	once sync.Once
}

func (c *countingReader) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c *countingReader) Close() error {
	c.once.Do(func() {
		c.p.mu.Lock()
		c.p.openStreams--
		c.p.mu.Unlock()
	})
	return c.r.Close()
}

// ExpireNextWatches makes next n watches to be expired right after they start.
func (p *Platform) ExpireNextWatches(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireNext += n
}

// ExpireWatches sends Expired events to all open watches and ends them.
func (p *Platform) ExpireWatches() {
	p.mu.Lock()
	watches := p.watches
	p.watches = nil
	p.mu.Unlock()
	for _, w := range watches {
		w.send(cluster.InstanceEvent{Type: cluster.Expired, Err: cluster.ErrResumeTokenExpired})
		w.Stop()
	}
}

// CloseWatches ends all open watches, as if the platform timed them out.
func (p *Platform) CloseWatches() {
	p.mu.Lock()
	watches := p.watches
	p.watches = nil
	p.mu.Unlock()
	for _, w := range watches {
		w.Stop()
	}
}

// OpenWatches returns the number of watches which are not stopped.
func (p *Platform) OpenWatches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.watches {
		if !w.stopped() {
			n++
		}
	}
	return n
}

func (p *Platform) WatchInstances(ctx context.Context, network cluster.Network, selector cluster.Selector, resumeToken string) (cluster.InstanceWatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WatchTokens = append(p.WatchTokens, resumeToken)

	w := &watch{
		network:  network.Name,
		selector: selector,
		ch:       make(chan cluster.InstanceEvent, 64),
		stop:     make(chan struct{}),
	}

	if 0 < p.expireNext {
		p.expireNext--
		w.ch <- cluster.InstanceEvent{Type: cluster.Expired, Err: cluster.ErrResumeTokenExpired}
		w.Stop()
		return w, nil
	}

	if resumeToken == "" {
		// like k8s, a watch without resume token starts with ADDED events of existing ones.
		for _, id := range slices.Sorted(maps.Keys(p.instances)) {
			inst := p.instances[id]
			if inst.Network == network.Name && selector.Matches(labelsOf(inst)) {
				w.ch <- cluster.InstanceEvent{Type: cluster.Added, Instance: inst, ResumeToken: strconv.Itoa(p.version)}
			}
		}
	}
	p.watches = append(p.watches, w)
	return w, nil
}

type watch struct {
	network  string
	selector cluster.Selector
	ch       chan cluster.InstanceEvent
	stop     chan struct{}
	once     sync.Once
	mu       sync.Mutex
}

func (w *watch) Events() <-chan cluster.InstanceEvent {
	return w.ch
}

func (w *watch) Stop() {
	w.once.Do(func() {
		// unblock senders first, then close events under the lock.
		close(w.stop)
		w.mu.Lock()
		defer w.mu.Unlock()
		close(w.ch)
	})
}

func (w *watch) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *watch) send(ev cluster.InstanceEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped() {
		return
	}
	if ev.Type != cluster.Expired {
		if w.network != ev.Instance.Network || !w.selector.Matches(labelsOf(ev.Instance)) {
			return
		}
	}
	select {
	case w.ch <- ev:
	case <-w.stop:
	}
}

func broadcast(watches []*watch, events []cluster.InstanceEvent) {
	for _, ev := range events {
		for _, w := range watches {
			w.send(ev)
		}
	}
}

// Created returns names of apps created so far.
func (p *Platform) Created() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.CreatedApps)
}

// ResumeTokens returns resume tokens passed to WatchInstances so far.
func (p *Platform) ResumeTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.WatchTokens)
}
