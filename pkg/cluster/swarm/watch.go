package swarm

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	"go.uber.org/zap"
)

// WatchInstances emulates a watch by polling.
//
// Resume tokens are poll generations. They only tell the watch has been started before:
// a watch with a token starts from the current state without Added events of existing instances.
func (p *Platform) WatchInstances(ctx context.Context, network cluster.Network, selector cluster.Selector, resumeToken string) (cluster.InstanceWatch, error) {
	current, err := p.ListInstances(ctx, network, selector)
	if err != nil {
		return nil, err
	}

	gen := 0
	if resumeToken != "" {
		if g, err := strconv.Atoi(resumeToken); err == nil {
			gen = g
		}
	}

	pw := &pollingWatch{
		platform: p,
		network:  network,
		selector: selector,
		events:   make(chan cluster.InstanceEvent),
		stop:     make(chan struct{}),
		gen:      gen,
		known:    map[string]domain.Instance{},
	}
	var initial []cluster.InstanceEvent
	for _, inst := range current {
		pw.known[inst.ID] = inst
		if resumeToken == "" {
			pw.gen++
			initial = append(initial, cluster.InstanceEvent{
				Type: cluster.Added, Instance: inst, ResumeToken: strconv.Itoa(pw.gen),
			})
		}
	}
	go pw.run(ctx, initial)
	return pw, nil
}

type pollingWatch struct {
	platform *Platform
	network  cluster.Network
	selector cluster.Selector

	events chan cluster.InstanceEvent
	stop   chan struct{}
	once   sync.Once

	gen   int
	known map[string]domain.Instance
}

func (w *pollingWatch) Events() <-chan cluster.InstanceEvent {
	return w.events
}

func (w *pollingWatch) Stop() {
	w.once.Do(func() { close(w.stop) })
}

func (w *pollingWatch) send(ev cluster.InstanceEvent) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.stop:
		return false
	}
}

func (w *pollingWatch) run(ctx context.Context, initial []cluster.InstanceEvent) {
	defer close(w.events)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, ev := range initial {
		if !w.send(ev) {
			return
		}
	}

	ticker := time.NewTicker(w.platform.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := w.platform.ListInstances(ctx, w.network, w.selector)
		if err != nil {
			if ctx.Err() == nil {
				// the watch ends. Watchers reopen it.
				w.platform.logger.Warn("polling tasks failed", zap.Error(err))
			}
			return
		}
		for _, ev := range w.diff(current) {
			if !w.send(ev) {
				return
			}
		}
	}
}

// diff updates known instances, and returns changes.
func (w *pollingWatch) diff(current []domain.Instance) []cluster.InstanceEvent {
	events := []cluster.InstanceEvent{}
	next := map[string]domain.Instance{}
	for _, inst := range current {
		next[inst.ID] = inst
		old, ok := w.known[inst.ID]
		switch {
		case !ok:
			w.gen++
			events = append(events, cluster.InstanceEvent{Type: cluster.Added, Instance: inst, ResumeToken: strconv.Itoa(w.gen)})
		case old.Phase != inst.Phase || old.Restarts != inst.Restarts || old.Node != inst.Node:
			w.gen++
			events = append(events, cluster.InstanceEvent{Type: cluster.Modified, Instance: inst, ResumeToken: strconv.Itoa(w.gen)})
		}
	}
	for _, id := range slices.Sorted(maps.Keys(w.known)) {
		if _, ok := next[id]; ok {
			continue
		}
		w.gen++
		events = append(events, cluster.InstanceEvent{Type: cluster.Deleted, Instance: w.known[id], ResumeToken: strconv.Itoa(w.gen)})
	}
	w.known = next
	return events
}
