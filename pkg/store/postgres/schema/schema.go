// Package schema upgrades tables of the postgres store.
//
// Each version is a directory named by its version number, holding ".sql" files.
// Files in a version are applied in lexical order.
package schema

import (
	"cmp"
	"context"
	"embed"
	"errors"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	kpool "github.com/opst/knitops/pkg/store/postgres/pool"
)

//go:embed versions
var builtin embed.FS

// Builtin returns the schema repository of knitops.
func Builtin() fs.FS {
	sub, err := fs.Sub(builtin, "versions")
	if err != nil {
		panic(err) // embedded directory should be there
	}
	return sub
}

type Schema struct {
	pool       kpool.Pool
	repository fs.FS
}

func New(pool kpool.Pool, repository fs.FS) *Schema {
	return &Schema{pool: pool, repository: repository}
}

type version struct {
	Version int
	Root    string
}

func (v version) Apply(ctx context.Context, repository fs.FS, conn kpool.Queryer) error {
	return fs.WalkDir(repository, v.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".sql") {
			return nil
		}
		query, err := fs.ReadFile(repository, p)
		if err != nil {
			return err
		}
		_, err = conn.Exec(ctx, string(query))
		return err
	})
}

// Version returns the current schema version. 0 means no tables are there.
func (s *Schema) Version(ctx context.Context) (int, error) {
	var version int
	if err := s.pool.QueryRow(
		ctx, `SELECT coalesce(max("version"), 0) FROM "schema_version"`,
	).Scan(&version); err != nil {
		if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
			if pgerr.Code == pgerrcode.UndefinedTable {
				return 0, nil
			}
		}
		return -1, err
	}
	return version, nil
}

// Upgrade applies versions newer than the current one in a transaction.
func (s *Schema) Upgrade(ctx context.Context) error {
	versions, err := s.versions()
	if err != nil {
		return err
	}

	current, err := s.Version(ctx)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, v := range versions {
		if v.Version <= current {
			continue
		}
		if err := v.Apply(ctx, s.repository, tx); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM "schema_version"`); err != nil {
			return err
		}
		if _, err := tx.Exec(
			ctx, `INSERT INTO "schema_version" ("version") VALUES ($1)`, v.Version,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// versions are sorted by version number.
func (s *Schema) versions() ([]version, error) {
	dir, err := fs.ReadDir(s.repository, ".")
	if err != nil {
		return nil, err
	}

	versions := make([]version, 0, len(dir))
	for _, entry := range dir {
		if !entry.IsDir() {
			continue
		}
		v, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		versions = append(versions, version{Version: v, Root: path.Clean(entry.Name())})
	}
	slices.SortFunc(versions, func(a, b version) int { return cmp.Compare(a.Version, b.Version) })
	return versions, nil
}
