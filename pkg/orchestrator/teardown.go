package orchestrator

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/opst/knitops/pkg/aggregator"
	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/logsource"
	"github.com/opst/knitops/pkg/monitor"
	"go.uber.org/zap"
)

// Teardown removes every app and the network of the project, and unregisters it.
//
// Logs of instances are saved into the archive before they are removed.
// The returned channel yields "app X removed" once per app, then "completed",
// and the terminal event. Then it is closed.
func (o *Orchestrator) Teardown(ctx context.Context, key string) <-chan domain.Event {
	ch := make(chan domain.Event, 16)
	pub := o.publisher(ctx, OpTeardown, key, ch)

	go func() {
		defer close(ch)
		if err := o.teardown(ctx, key, pub); err != nil {
			o.logger.Warn("teardown failed", zap.String("project", key), zap.Error(err))
			pub.emit(domain.Failure(err))
			return
		}
		pub.emit(domain.Success(key))
	}()
	return ch
}

func (o *Orchestrator) teardown(ctx context.Context, key string, pub *publisher) error {
	logger := o.logger.With(zap.String("project", key))

	project, err := o.projects.Get(ctx, key)
	if err != nil {
		return err
	}

	network, ok, err := o.provisioner.Lookup(ctx, project)
	if err != nil {
		return err
	}
	if !ok {
		pub.progress("no network of project %s is found", key)
		return o.projects.Delete(ctx, key)
	}

	selector := cluster.SelectorOf(project.Selector())
	instances, err := o.platform.ListInstances(ctx, network, selector)
	if err != nil {
		return kerr.Platform("list instances", err)
	}

	o.archiveLogs(ctx, project, instances, pub)

	expected := map[string][]domain.Instance{}
	for _, app := range project.AppNames() {
		expected[app] = nil
	}
	maps.Copy(expected, domain.GroupByApp(instances))

	ctx, cancel := context.WithTimeout(ctx, o.teardownTimeout)
	defer cancel()

	mon := monitor.New(o.platform, network, selector, logger, o.monitorOpts...)
	removal := mon.AwaitRemoval(ctx, expected)

	errs := []error{}
	for _, app := range slices.Backward(slices.Sorted(maps.Keys(expected))) {
		if err := o.platform.RemoveApp(ctx, network, key, app); err != nil {
			logger.Error("cannot remove app", zap.String("app", app), zap.Error(err))
			errs = append(errs, kerr.Platform("remove app "+app, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		cancel()
		for range removal {
		}
		return err
	}

	for ev := range removal {
		if !ev.Terminal() {
			pub.emit(ev)
			continue
		}
		if ev.Result.Status != domain.Succeed {
			return ev.Result.Err
		}
	}
	pub.progress("completed")

	if err := o.provisioner.Release(ctx, network); err != nil {
		return err
	}
	pub.progress("network %s removed", network.Name)

	if err := o.projects.Delete(ctx, key); err != nil {
		return err
	}
	logger.Info("project torn down")
	return nil
}

// archiveLogs saves whole logs of the instances. Failures are reported, but do not stop teardown.
func (o *Orchestrator) archiveLogs(ctx context.Context, project domain.Project, instances []domain.Instance, pub *publisher) {
	if o.archive == nil || len(instances) == 0 {
		return
	}
	logger := o.logger.With(zap.String("project", project.Key))

	agg := aggregator.New(aggregator.Options{Tail: -1, Timestamps: true}, logger)
	defer agg.Release()
	for _, inst := range instances {
		if inst.Phase == domain.PhasePending {
			continue
		}
		if err := agg.Add(logsource.NewInstanceSource(o.platform, inst, logger)); err != nil {
			logger.Warn("cannot read logs", zap.String("instance", inst.Name), zap.Error(err))
		}
	}

	records := []domain.LogRecord{}
	for rec := range agg.Run(ctx) {
		if rec.Err != nil {
			pub.progress("cannot read logs: %s", rec.Err)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return
	}

	batch := uuid.NewString()
	if err := o.archive.Append(ctx, project.Key, batch, records); err != nil {
		logger.Warn("cannot archive logs", zap.Error(err))
		pub.progress("cannot archive logs: %s", err)
		return
	}
	pub.progress("%d log records are archived", len(records))
}
