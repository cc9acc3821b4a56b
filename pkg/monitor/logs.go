package monitor

import (
	"context"
	"errors"

	"github.com/opst/knitops/pkg/aggregator"
	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/logsource"
	"go.uber.org/zap"
)

// SourceFactory makes a log source of an instance.
// It returns nil for instances whose logs are not wanted.
type SourceFactory func(domain.Instance) logsource.Source

// AttachLogs keeps sources of the aggregator in sync with instances.
//
// An instance which leaves Pending is added to the aggregator once,
// and a deleted instance is removed from it.
// AttachLogs holds the aggregator open while it is working.
//
// It returns when ctx is done, or the aggregation has finished.
//
// # Args
//
// - attached: instances whose sources are already in the aggregator.
func (m *Monitor) AttachLogs(ctx context.Context, agg *aggregator.Aggregator, attached []domain.Instance, factory SourceFactory) error {
	release := agg.Hold()
	defer release()

	sources := map[string]string{} // instance id -> source name
	for _, inst := range attached {
		sources[inst.ID] = inst.Name
	}

	err := m.Watch(ctx, attached, func(ev cluster.InstanceEvent) bool {
		inst := ev.Instance
		switch ev.Type {
		case cluster.Deleted:
			if name, ok := sources[inst.ID]; ok {
				agg.Remove(name)
				delete(sources, inst.ID)
			}
		case cluster.Added, cluster.Modified:
			if inst.Phase == domain.PhasePending {
				return false
			}
			if _, ok := sources[inst.ID]; ok {
				return false
			}
			src := factory(inst)
			if src == nil {
				return false
			}
			err := agg.Add(src)
			switch {
			case err == nil:
				m.logger.Debug("log source attached", zap.String("instance", inst.Name))
				sources[inst.ID] = src.Name()
			case errors.Is(err, kerr.ErrAlreadyExists):
				sources[inst.ID] = src.Name()
			case errors.Is(err, aggregator.ErrFinished):
				return true
			default:
				m.logger.Warn("cannot attach log source", zap.String("instance", inst.Name), zap.Error(err))
			}
		}
		return false
	})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
