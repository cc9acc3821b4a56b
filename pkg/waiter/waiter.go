// Package waiter blocks until dependencies of an app get ready.
//
// It runs as an init container (or a wrapper process) of apps with dependencies,
// configured by environment variables:
//
//   - PROJECT_KEY: key of the project.
//   - DEPENDENCY_SPECS: json array of {"appName": "...", "condition": "Running"|"Succeeded"}.
//   - KNITOPS_API: base url of knitops server.
//   - KNITOPS_TOKEN: bearer token for the server.
package waiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/opst/knitops/pkg/api/types/projects"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/loop"
	"go.uber.org/zap"
)

const (
	EnvProjectKey      = "PROJECT_KEY"
	EnvDependencySpecs = "DEPENDENCY_SPECS"
	EnvAPI             = "KNITOPS_API"
	EnvToken           = "KNITOPS_TOKEN"

	DefaultInterval = 3 * time.Second

	// limit of a round of polling
	pollTimeout = 10 * time.Second
)

type Config struct {
	ProjectKey   string
	Dependencies []domain.DependencySpec
	API          string
	Token        string
}

// ConfigFromEnv reads Config with getenv (os.Getenv, usually).
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	c := Config{
		ProjectKey: getenv(EnvProjectKey),
		API:        getenv(EnvAPI),
		Token:      getenv(EnvToken),
	}
	if c.ProjectKey == "" {
		return Config{}, fmt.Errorf("%s is required", EnvProjectKey)
	}
	if c.API == "" {
		return Config{}, fmt.Errorf("%s is required", EnvAPI)
	}

	specs := getenv(EnvDependencySpecs)
	if specs == "" {
		return c, nil
	}
	deps := []struct {
		App       string `json:"appName"`
		Condition string `json:"condition"`
	}{}
	if err := json.Unmarshal([]byte(specs), &deps); err != nil {
		return Config{}, fmt.Errorf("%s: %w", EnvDependencySpecs, err)
	}
	for _, d := range deps {
		if d.App == "" {
			return Config{}, fmt.Errorf("%s: appName is required", EnvDependencySpecs)
		}
		cond, err := domain.AsCondition(d.Condition)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvDependencySpecs, err)
		}
		c.Dependencies = append(c.Dependencies, domain.DependencySpec{App: d.App, Condition: cond})
	}
	return c, nil
}

// Status tells the status of an app.
type Status interface {
	AppStatus(ctx context.Context, key string, app string) (projects.AppStatus, error)
}

type Option func(*waiter) *waiter

// WithInterval sets the interval of polling. Default: 3s
func WithInterval(d time.Duration) Option {
	return func(w *waiter) *waiter {
		w.interval = d
		return w
	}
}

type waiter struct {
	interval time.Duration
	logger   *zap.Logger
}

// Wait polls status of dependencies until all of them satisfy their conditions.
//
// An app without instances is not ready yet. Other errors are logged and retried.
// It returns an error only when ctx is done.
func Wait(ctx context.Context, status Status, key string, deps []domain.DependencySpec, logger *zap.Logger, options ...Option) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &waiter{interval: DefaultInterval, logger: logger.Named("waiter")}
	for _, opt := range options {
		w = opt(w)
	}

	pending := map[string]domain.DependencySpec{}
	for _, d := range deps {
		pending[d.String()] = d
	}

	_, err := loop.Start(ctx, pending, func(rctx context.Context, pending map[string]domain.DependencySpec) (map[string]domain.DependencySpec, loop.Next) {
		for _, name := range slices.Sorted(maps.Keys(pending)) {
			d := pending[name]
			ok, err := w.satisfied(rctx, status, key, d)
			if err != nil {
				if ctx.Err() != nil {
					return pending, loop.Break(ctx.Err())
				}
				w.logger.Warn("cannot get status", zap.String("app", d.App), zap.Error(err))
				continue
			}
			if ok {
				w.logger.Info("dependency is ready", zap.String("dependency", name))
				delete(pending, name)
			}
		}
		if len(pending) == 0 {
			return pending, loop.Break(nil)
		}
		w.logger.Debug("waiting", zap.Strings("dependencies", slices.Sorted(maps.Keys(pending))))
		return pending, loop.Continue(w.interval)
	}, loop.WithTimeout(pollTimeout))
	return err
}

func (w *waiter) satisfied(ctx context.Context, status Status, key string, d domain.DependencySpec) (bool, error) {
	s, err := status.AppStatus(ctx, key, d.App)
	if errors.Is(err, kerr.ErrAppNotRunning) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	instances := make([]domain.Instance, 0, len(s.Instances))
	for _, i := range s.Instances {
		instances = append(instances, i.Domain(key))
	}
	return d.SatisfiedBy(instances, s.Replicas), nil
}
