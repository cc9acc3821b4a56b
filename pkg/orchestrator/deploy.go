package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"go.uber.org/zap"
)

// Deploy registers the project and launches its apps.
//
// When the project is registered already, apps not in the registry are launched,
// and others are left as they are. Labels of a registered project are not changed by Deploy.
//
// The returned channel yields progress events and one terminal event, then it is closed.
//
// # Args
//
// - exclusive: if true, a registered project (or its network) is ErrAlreadyExists.
func (o *Orchestrator) Deploy(ctx context.Context, project domain.Project, exclusive bool) <-chan domain.Event {
	ch := make(chan domain.Event, 16)
	pub := o.publisher(ctx, OpDeploy, project.Key, ch)

	go func() {
		defer close(ch)
		logger := o.logger.With(zap.String("project", project.Key))

		if err := project.Validate(); err != nil {
			pub.emit(domain.Failure(err))
			return
		}

		registered, created, err := o.register(ctx, project, exclusive)
		if err != nil {
			logger.Warn("cannot register project", zap.Error(err))
			pub.emit(domain.Failure(err))
			return
		}

		apps := map[string]domain.AppSpec{}
		for name, app := range project.Apps {
			if _, ok := registered.Apps[name]; created || !ok {
				apps[name] = app
			}
		}
		if len(apps) == 0 {
			pub.progress("every app is deployed already")
			pub.emit(domain.Success(project.Key))
			return
		}
		if !created {
			pub.progress("deploying new apps: %s", strings.Join(slices.Sorted(maps.Keys(apps)), ", "))
		}

		// apps of the request, on the identity and labels in the registry.
		target := domain.Project{Key: registered.Key, Labels: registered.Labels, Apps: apps}

		var result *domain.Result
		for ev := range o.scheduler.Launch(ctx, target, apps, exclusive) {
			if ev.Terminal() {
				result = ev.Result
				continue
			}
			pub.emit(ev)
		}

		cleanup := context.WithoutCancel(ctx)
		if result == nil || result.Status != domain.Succeed {
			err := kerr.ErrInternal
			if result != nil && result.Err != nil {
				err = result.Err
			}
			if created {
				if derr := o.projects.Delete(cleanup, project.Key); derr != nil {
					logger.Error("cannot unregister project", zap.Error(derr))
				}
			}
			pub.emit(domain.Failure(err))
			return
		}

		if !created {
			if _, err := o.projects.PutApps(cleanup, project.Key, apps); err != nil {
				logger.Error("cannot register apps", zap.Error(err))
				pub.emit(domain.Failure(err))
				return
			}
		}
		logger.Info("project deployed", zap.Int("apps", len(apps)))
		pub.emit(domain.Success(project.Key))
	}()

	return ch
}

// register creates the project record, or returns the registered one.
func (o *Orchestrator) register(ctx context.Context, project domain.Project, exclusive bool) (domain.Project, bool, error) {
	err := o.projects.Create(ctx, project)
	if err == nil {
		return project, true, nil
	}
	if !errors.Is(err, kerr.ErrAlreadyExists) {
		return domain.Project{}, false, err
	}
	if exclusive {
		return domain.Project{}, false, fmt.Errorf("project %s is deployed already: %w", project.Key, err)
	}
	registered, err := o.projects.Get(ctx, project.Key)
	if err != nil {
		return domain.Project{}, false, err
	}
	return registered, false, nil
}
