package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/opst/knitops/pkg/store"
	"github.com/opst/knitops/pkg/store/postgres"
	"github.com/opst/knitops/pkg/store/storetest"
)

// newStore connects to the database given by KNITOPS_TEST_DATABASE, and clears tables.
//
// Tests are skipped when it is not set.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("KNITOPS_TEST_DATABASE")
	if url == "" {
		t.Skip("KNITOPS_TEST_DATABASE is not set")
	}

	ctx := context.Background()
	s, err := postgres.New(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	// again, it should be no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	truncate := func() {
		if err := postgres.Truncate(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	truncate()
	t.Cleanup(truncate)
	return s
}

func TestProjects(t *testing.T) {
	storetest.Projects(t, func(t *testing.T) store.Projects { return newStore(t) })
}

func TestArchive(t *testing.T) {
	storetest.Archive(t, func(t *testing.T) store.Archive { return newStore(t) })
}
