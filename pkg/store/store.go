// Package store holds the registry of deployed projects and the archive of
// logs of removed instances.
package store

import (
	"context"

	"github.com/opst/knitops/pkg/domain"
)

// Projects is the registry of deployed projects.
type Projects interface {
	// Create registers a new project.
	//
	// # Returns
	//
	// - error: ErrAlreadyExists when a project with the same key is registered.
	Create(ctx context.Context, project domain.Project) error

	// Get returns the project of the key.
	//
	// # Returns
	//
	// - error: ErrProjectNotFound when there is no such project.
	Get(ctx context.Context, key string) (domain.Project, error)

	// List returns all projects, ordered by key.
	List(ctx context.Context) ([]domain.Project, error)

	// UpdateLabels merges labels into the labels of the project.
	// A label with empty value is removed.
	//
	// The project key is immutable.
	//
	// # Returns
	//
	// - domain.Project: updated project
	//
	// - error: ErrProjectNotFound when there is no such project.
	UpdateLabels(ctx context.Context, key string, labels domain.Labels) (domain.Project, error)

	// PutApps adds apps to the project, replacing ones with the same names.
	//
	// # Returns
	//
	// - domain.Project: updated project
	//
	// - error: ErrProjectNotFound when there is no such project.
	PutApps(ctx context.Context, key string, apps map[string]domain.AppSpec) (domain.Project, error)

	// Delete removes the project. Deleting a missing project is not an error.
	Delete(ctx context.Context, key string) error
}

// Archive keeps logs of instances of torn down projects.
type Archive interface {
	// Append saves records as a part of the batch.
	//
	// A batch is one teardown. Records are kept per source in given order.
	Append(ctx context.Context, key string, batch string, records []domain.LogRecord) error

	// Fetch returns archived records of the project, grouped by source.
	//
	// # Args
	//
	// - names: sources to be fetched. If empty, all sources are fetched.
	//
	// - tail: number of records from the end of each source. Negative means all.
	Fetch(ctx context.Context, key string, names []string, tail int) (map[string][]domain.LogRecord, error)
}
