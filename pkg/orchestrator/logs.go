package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/opst/knitops/pkg/aggregator"
	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/logsource"
	"github.com/opst/knitops/pkg/monitor"
	"go.uber.org/zap"
)

type LogQuery struct {
	// records per source from the end. Negative means all.
	Tail int

	// keep tailing after records so far are sent.
	Follow bool

	// keep timestamps in records.
	Timestamps bool

	// app names, instance names or instance ids. Empty means all.
	Names []string
}

// LogStream is a running aggregation of logs of a project.
type LogStream struct {
	agg     *aggregator.Aggregator
	records <-chan domain.LogRecord
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// Records yields log records. It is closed when the aggregation ends.
//
// While following, records of different sources are in the order of receipt,
// not in the order of timestamps.
func (s *LogStream) Records() <-chan domain.LogRecord {
	return s.records
}

// NameWidth is the length of the longest source name in the stream.
func (s *LogStream) NameWidth() int {
	return s.agg.NameWidth()
}

// Close stops the aggregation and waits for readers.
func (s *LogStream) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.agg.Release()
	})
}

// matcher tells which instances or archived sources are selected by names.
type matcher struct {
	names []string
	hit   map[string]bool
}

func (m *matcher) instance(inst domain.Instance) bool {
	if len(m.names) == 0 {
		return true
	}
	ok := false
	for _, n := range m.names {
		if n == inst.App || n == inst.Name || n == inst.ID {
			m.hit[n] = true
			ok = true
		}
	}
	return ok
}

// archived sources are named after instances, like "web.1" or "web-7d9f-x2b4q".
func (m *matcher) source(name string) bool {
	if len(m.names) == 0 {
		return true
	}
	ok := false
	for _, n := range m.names {
		if n == name || strings.HasPrefix(name, n+".") || strings.HasPrefix(name, n+"-") {
			m.hit[n] = true
			ok = true
		}
	}
	return ok
}

func (m *matcher) missing() []string {
	ret := []string{}
	for _, n := range m.names {
		if !m.hit[n] {
			ret = append(ret, n)
		}
	}
	return ret
}

// Logs starts aggregating logs of instances of the project, and logs archived at teardowns.
//
// When following, instances appearing later are tailed too.
// Callers should Close the returned stream.
//
// # Returns
//
// - error: ErrProjectNotFound when there is no such project,
// and ErrServiceNotFound when some of names match nothing.
func (o *Orchestrator) Logs(ctx context.Context, key string, query LogQuery) (*LogStream, error) {
	logger := o.logger.With(zap.String("project", key))

	project, err := o.projects.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	network, hasNetwork, err := o.provisioner.Lookup(ctx, project)
	if err != nil {
		return nil, err
	}
	selector := cluster.SelectorOf(project.Selector())

	m := &matcher{names: query.Names, hit: map[string]bool{}}
	instances := []domain.Instance{}
	if hasNetwork {
		all, err := o.platform.ListInstances(ctx, network, selector)
		if err != nil {
			return nil, kerr.Platform("list instances", err)
		}
		domain.SortInstances(all)
		for _, inst := range all {
			if m.instance(inst) {
				instances = append(instances, inst)
			}
		}
	}

	archived := map[string][]domain.LogRecord{}
	if o.archive != nil {
		archived, err = o.archive.Fetch(ctx, key, nil, query.Tail)
		if err != nil {
			return nil, err
		}
	}
	live := map[string]bool{}
	for _, inst := range instances {
		live[inst.Name] = true
	}
	sources := []string{}
	for _, name := range slices.Sorted(maps.Keys(archived)) {
		if !live[name] && m.source(name) {
			sources = append(sources, name)
		}
	}

	if missing := m.missing(); len(missing) != 0 {
		return nil, fmt.Errorf("%w: %s", kerr.ErrServiceNotFound, strings.Join(missing, ", "))
	}

	agg := aggregator.New(aggregator.Options{
		Follow: query.Follow, Timestamps: query.Timestamps, Tail: query.Tail,
	}, logger)

	for _, name := range sources {
		if err := agg.Add(logsource.NewArchivedSource(name, archived[name])); err != nil {
			logger.Warn("cannot read archived logs", zap.String("source", name), zap.Error(err))
		}
	}
	attached := []domain.Instance{}
	for _, inst := range instances {
		if inst.Phase == domain.PhasePending {
			continue
		}
		if err := agg.Add(logsource.NewInstanceSource(o.platform, inst, logger)); err != nil {
			logger.Warn("cannot read logs", zap.String("instance", inst.Name), zap.Error(err))
			continue
		}
		attached = append(attached, inst)
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := &LogStream{agg: agg, cancel: cancel}

	if query.Follow && hasNetwork {
		hold := agg.Hold()
		mon := monitor.New(o.platform, network, selector, logger, o.monitorOpts...)
		factory := func(inst domain.Instance) logsource.Source {
			if !m.instance(inst) {
				return nil
			}
			return logsource.NewInstanceSource(o.platform, inst, logger)
		}
		stream.wg.Add(1)
		go func() {
			defer stream.wg.Done()
			defer hold()
			if err := mon.AttachLogs(ctx, agg, attached, factory); err != nil {
				logger.Warn("stop following new instances", zap.Error(err))
			}
		}()
	}

	stream.records = agg.Run(ctx)
	return stream, nil
}
