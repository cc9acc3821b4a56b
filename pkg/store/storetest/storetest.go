// Package storetest checks behaviors common to store implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/store"
	"github.com/stretchr/testify/require"
)

func project(key string) domain.Project {
	return domain.Project{
		Key: key,
		Labels: domain.Labels{
			domain.LabelName:    "demo",
			domain.LabelOwner:   "someone@example.com",
			domain.LabelVersion: "1.0",
		},
		Apps: map[string]domain.AppSpec{
			"web": {Name: "web", Image: "nginx:1.27", Replicas: 2, Restart: domain.RestartAlways},
			"db": {
				Name: "db", Image: "postgres:16", Replicas: 1, Restart: domain.RestartAlways,
				Env: map[string]string{"POSTGRES_PASSWORD": "secret"},
			},
		},
	}
}

// Projects tests a Projects implementation. newStore should return an empty store.
func Projects(t *testing.T, newStore func(*testing.T) store.Projects) {
	ctx := context.Background()

	t.Run("when a project is created, it should be got and listed", func(t *testing.T) {
		testee := newStore(t)
		require.NoError(t, testee.Create(ctx, project("bbbb")))
		require.NoError(t, testee.Create(ctx, project("aaaa")))

		got, err := testee.Get(ctx, "aaaa")
		require.NoError(t, err)
		if diff := cmp.Diff(project("aaaa"), got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("project (-want +got):\n%s", diff)
		}

		list, err := testee.List(ctx)
		require.NoError(t, err)
		keys := []string{}
		for _, p := range list {
			keys = append(keys, p.Key)
		}
		if diff := cmp.Diff([]string{"aaaa", "bbbb"}, keys); diff != "" {
			t.Errorf("keys (-want +got):\n%s", diff)
		}
	})

	t.Run("when a project with the same key is created, it should be ErrAlreadyExists", func(t *testing.T) {
		testee := newStore(t)
		require.NoError(t, testee.Create(ctx, project("aaaa")))
		err := testee.Create(ctx, project("aaaa"))
		if !errors.Is(err, kerr.ErrAlreadyExists) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("when a missing project is got, it should be ErrProjectNotFound", func(t *testing.T) {
		testee := newStore(t)
		_, err := testee.Get(ctx, "missing")
		if !errors.Is(err, kerr.ErrProjectNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
		_, err = testee.UpdateLabels(ctx, "missing", domain.Labels{"x": "y"})
		if !errors.Is(err, kerr.ErrProjectNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("when labels are updated, it should merge them and drop empty ones", func(t *testing.T) {
		testee := newStore(t)
		require.NoError(t, testee.Create(ctx, project("aaaa")))

		got, err := testee.UpdateLabels(ctx, "aaaa", domain.Labels{
			domain.LabelVersion: "1.1",
			domain.LabelOwner:   "",
			"team":              "blue",
		})
		require.NoError(t, err)
		want := domain.Labels{
			domain.LabelName:    "demo",
			domain.LabelVersion: "1.1",
			"team":              "blue",
		}
		if diff := cmp.Diff(want, got.Labels); diff != "" {
			t.Errorf("labels (-want +got):\n%s", diff)
		}

		stored, err := testee.Get(ctx, "aaaa")
		require.NoError(t, err)
		if diff := cmp.Diff(want, stored.Labels); diff != "" {
			t.Errorf("stored labels (-want +got):\n%s", diff)
		}
		if stored.Key != "aaaa" {
			t.Errorf("key: %s", stored.Key)
		}
	})

	t.Run("when apps are put, it should add or replace them", func(t *testing.T) {
		testee := newStore(t)
		require.NoError(t, testee.Create(ctx, project("aaaa")))

		cache := domain.AppSpec{Name: "cache", Image: "redis:7", Replicas: 1, Restart: domain.RestartAlways}
		web := domain.AppSpec{Name: "web", Image: "nginx:1.28", Replicas: 3, Restart: domain.RestartAlways}
		got, err := testee.PutApps(ctx, "aaaa", map[string]domain.AppSpec{"cache": cache, "web": web})
		require.NoError(t, err)

		want := project("aaaa").Apps
		want["cache"] = cache
		want["web"] = web
		if diff := cmp.Diff(want, got.Apps, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("apps (-want +got):\n%s", diff)
		}

		stored, err := testee.Get(ctx, "aaaa")
		require.NoError(t, err)
		if diff := cmp.Diff(want, stored.Apps, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("stored apps (-want +got):\n%s", diff)
		}

		_, err = testee.PutApps(ctx, "missing", map[string]domain.AppSpec{"cache": cache})
		if !errors.Is(err, kerr.ErrProjectNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("when a project is deleted, it should not be found, and deleting again is not an error", func(t *testing.T) {
		testee := newStore(t)
		require.NoError(t, testee.Create(ctx, project("aaaa")))
		require.NoError(t, testee.Delete(ctx, "aaaa"))
		require.NoError(t, testee.Delete(ctx, "aaaa"))

		_, err := testee.Get(ctx, "aaaa")
		if !errors.Is(err, kerr.ErrProjectNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func record(source string, sec int, payload string) domain.LogRecord {
	return domain.LogRecord{
		Source:       source,
		Timestamp:    time.Date(2024, 5, 1, 12, 0, sec, 0, time.UTC),
		HasTimestamp: true,
		Payload:      []byte(payload),
	}
}

// Archive tests an Archive implementation. newStore should return an empty store.
func Archive(t *testing.T, newStore func(*testing.T) store.Archive) {
	ctx := context.Background()
	compare := cmp.Options{
		cmpopts.IgnoreFields(domain.LogRecord{}, "Seq", "Err"),
		cmpopts.EquateEmpty(),
	}

	t.Run("when records are appended, it should fetch them per source in order", func(t *testing.T) {
		testee := newStore(t)
		require.NoError(t, testee.Append(ctx, "aaaa", "batch-1", []domain.LogRecord{
			record("web.1", 1, "a"), record("db.1", 2, "b"), record("web.1", 3, "c"),
		}))
		require.NoError(t, testee.Append(ctx, "aaaa", "batch-2", []domain.LogRecord{
			record("web.1", 4, "d"),
			{Source: "raw.1", Payload: []byte("no timestamp"), IsError: true},
		}))
		require.NoError(t, testee.Append(ctx, "bbbb", "batch-3", []domain.LogRecord{
			record("web.1", 5, "other project"),
		}))

		got, err := testee.Fetch(ctx, "aaaa", nil, -1)
		require.NoError(t, err)
		want := map[string][]domain.LogRecord{
			"web.1": {record("web.1", 1, "a"), record("web.1", 3, "c"), record("web.1", 4, "d")},
			"db.1":  {record("db.1", 2, "b")},
			"raw.1": {{Source: "raw.1", Payload: []byte("no timestamp"), IsError: true}},
		}
		if diff := cmp.Diff(want, got, compare); diff != "" {
			t.Errorf("records (-want +got):\n%s", diff)
		}
	})

	t.Run("when names and tail are given, it should fetch the last records of named sources", func(t *testing.T) {
		testee := newStore(t)
		require.NoError(t, testee.Append(ctx, "aaaa", "batch-1", []domain.LogRecord{
			record("web.1", 1, "a"), record("web.1", 2, "b"), record("web.1", 3, "c"),
			record("db.1", 4, "d"),
		}))

		got, err := testee.Fetch(ctx, "aaaa", []string{"web.1", "missing"}, 2)
		require.NoError(t, err)
		want := map[string][]domain.LogRecord{
			"web.1": {record("web.1", 2, "b"), record("web.1", 3, "c")},
		}
		if diff := cmp.Diff(want, got, compare); diff != "" {
			t.Errorf("records (-want +got):\n%s", diff)
		}
	})

	t.Run("when nothing is archived, it should fetch nothing", func(t *testing.T) {
		testee := newStore(t)
		got, err := testee.Fetch(ctx, "aaaa", nil, -1)
		require.NoError(t, err)
		if len(got) != 0 {
			t.Errorf("unexpected records: %v", got)
		}
	})
}
