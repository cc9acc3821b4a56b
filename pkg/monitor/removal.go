package monitor

import (
	"context"
	"maps"
	"slices"

	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	"go.uber.org/zap"
)

// AwaitRemoval reports removal of instances.
//
// The returned channel yields "app X removed" exactly once per app in expected,
// when every instance of the app is observed deleted.
// After all apps are removed, it yields domain.Success, and is closed.
// If ctx is done before that, it yields domain.Failure.
//
// # Args
//
// - expected: instances to be removed, grouped by app names.
// Apps without instances are reported removed at once.
func (m *Monitor) AwaitRemoval(ctx context.Context, expected map[string][]domain.Instance) <-chan domain.Event {
	ch := make(chan domain.Event, len(expected)+1)

	go func() {
		defer close(ch)

		remaining := map[string]map[string]bool{}
		known := []domain.Instance{}
		for _, app := range slices.Sorted(maps.Keys(expected)) {
			if len(expected[app]) == 0 {
				ch <- domain.Progress("app %s removed", app)
				continue
			}
			ids := map[string]bool{}
			for _, inst := range expected[app] {
				ids[inst.ID] = true
				known = append(known, inst)
			}
			remaining[app] = ids
		}
		if len(remaining) == 0 {
			ch <- domain.Success("")
			return
		}

		err := m.Watch(ctx, known, func(ev cluster.InstanceEvent) bool {
			if ev.Type != cluster.Deleted {
				return false
			}
			app := ev.Instance.App
			ids, ok := remaining[app]
			if !ok || !ids[ev.Instance.ID] {
				return false
			}
			delete(ids, ev.Instance.ID)
			if len(ids) == 0 {
				delete(remaining, app)
				m.logger.Info("app removed", zap.String("app", app))
				ch <- domain.Progress("app %s removed", app)
			}
			return len(remaining) == 0
		})
		if err != nil {
			ch <- domain.Failure(err)
			return
		}
		ch <- domain.Success("")
	}()

	return ch
}
