// Package memory is an in-process store. It forgets everything on exit.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/store"
)

type Projects struct {
	mu       sync.Mutex
	projects map[string]domain.Project
}

var _ store.Projects = &Projects{}

func NewProjects() *Projects {
	return &Projects{projects: map[string]domain.Project{}}
}

// clone copies maps in the project, so that callers cannot modify stored ones.
func clone(p domain.Project) domain.Project {
	return domain.Project{Key: p.Key, Labels: p.Labels.Clone(), Apps: maps.Clone(p.Apps)}
}

func (m *Projects) Create(ctx context.Context, project domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[project.Key]; ok {
		return fmt.Errorf("%w: project %s", kerr.ErrAlreadyExists, project.Key)
	}
	m.projects[project.Key] = clone(project)
	return nil
}

func (m *Projects) Get(ctx context.Context, key string) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[key]
	if !ok {
		return domain.Project{}, fmt.Errorf("%w: %s", kerr.ErrProjectNotFound, key)
	}
	return clone(p), nil
}

func (m *Projects) List(ctx context.Context) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]domain.Project, 0, len(m.projects))
	for _, k := range slices.Sorted(maps.Keys(m.projects)) {
		ret = append(ret, clone(m.projects[k]))
	}
	return ret, nil
}

func (m *Projects) UpdateLabels(ctx context.Context, key string, labels domain.Labels) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[key]
	if !ok {
		return domain.Project{}, fmt.Errorf("%w: %s", kerr.ErrProjectNotFound, key)
	}
	p = clone(p)
	for k, v := range labels {
		if v == "" {
			delete(p.Labels, k)
			continue
		}
		p.Labels[k] = v
	}
	m.projects[key] = p
	return clone(p), nil
}

func (m *Projects) PutApps(ctx context.Context, key string, apps map[string]domain.AppSpec) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[key]
	if !ok {
		return domain.Project{}, fmt.Errorf("%w: %s", kerr.ErrProjectNotFound, key)
	}
	p = clone(p)
	if p.Apps == nil {
		p.Apps = map[string]domain.AppSpec{}
	}
	maps.Copy(p.Apps, apps)
	m.projects[key] = p
	return clone(p), nil
}

func (m *Projects) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, key)
	return nil
}

type Archive struct {
	mu sync.Mutex

	// project key -> source -> records
	records map[string]map[string][]domain.LogRecord
}

var _ store.Archive = &Archive{}

func NewArchive() *Archive {
	return &Archive{records: map[string]map[string][]domain.LogRecord{}}
}

func (a *Archive) Append(ctx context.Context, key string, batch string, records []domain.LogRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	bySource, ok := a.records[key]
	if !ok {
		bySource = map[string][]domain.LogRecord{}
		a.records[key] = bySource
	}
	for _, r := range records {
		r.Payload = slices.Clone(r.Payload)
		r.Err = nil
		bySource[r.Source] = append(bySource[r.Source], r)
	}
	return nil
}

func (a *Archive) Fetch(ctx context.Context, key string, names []string, tail int) (map[string][]domain.LogRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ret := map[string][]domain.LogRecord{}
	for source, recs := range a.records[key] {
		if len(names) != 0 && !slices.Contains(names, source) {
			continue
		}
		if 0 <= tail && tail < len(recs) {
			recs = recs[len(recs)-tail:]
		}
		ret[source] = slices.Clone(recs)
	}
	return ret, nil
}
