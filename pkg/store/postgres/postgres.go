// Package postgres is the store on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/store"
	kpool "github.com/opst/knitops/pkg/store/postgres/pool"
	"github.com/opst/knitops/pkg/store/postgres/schema"
)

type Store struct {
	pool kpool.Pool
}

var (
	_ store.Projects = &Store{}
	_ store.Archive  = &Store{}
)

// New connects to the database at url.
func New(ctx context.Context, url string) (*Store, error) {
	p, err := kpool.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting database: %w", err)
	}
	return Wrap(p), nil
}

func Wrap(pool kpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates or upgrades tables.
func (s *Store) Migrate(ctx context.Context) error {
	return schema.New(s.pool, schema.Builtin()).Upgrade(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	pgerr := new(pgconn.PgError)
	return errors.As(err, &pgerr) && pgerr.Code == pgerrcode.UniqueViolation
}

func (s *Store) Create(ctx context.Context, project domain.Project) error {
	labels, err := json.Marshal(project.Labels.Clone())
	if err != nil {
		return err
	}
	apps, err := json.Marshal(project.Apps)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(
		ctx,
		`INSERT INTO "project" ("key", "labels", "apps") VALUES ($1, $2, $3)`,
		project.Key, labels, apps,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: project %s", kerr.ErrAlreadyExists, project.Key)
		}
		return err
	}
	return nil
}

func scanProject(row pgx.Row) (domain.Project, error) {
	var key string
	var labels, apps []byte
	if err := row.Scan(&key, &labels, &apps); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{Key: key, Labels: domain.Labels{}, Apps: map[string]domain.AppSpec{}}
	if err := json.Unmarshal(labels, &p.Labels); err != nil {
		return domain.Project{}, fmt.Errorf("broken labels of project %s: %w", key, err)
	}
	if err := json.Unmarshal(apps, &p.Apps); err != nil {
		return domain.Project{}, fmt.Errorf("broken apps of project %s: %w", key, err)
	}
	return p, nil
}

func (s *Store) Get(ctx context.Context, key string) (domain.Project, error) {
	p, err := scanProject(s.pool.QueryRow(
		ctx, `SELECT "key", "labels", "apps" FROM "project" WHERE "key" = $1`, key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Project{}, fmt.Errorf("%w: %s", kerr.ErrProjectNotFound, key)
	}
	return p, err
}

func (s *Store) List(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT "key", "labels", "apps" FROM "project" ORDER BY "key"`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := []domain.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, p)
	}
	return ret, rows.Err()
}

func (s *Store) UpdateLabels(ctx context.Context, key string, labels domain.Labels) (domain.Project, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback(ctx)

	p, err := scanProject(tx.QueryRow(
		ctx, `SELECT "key", "labels", "apps" FROM "project" WHERE "key" = $1 FOR UPDATE`, key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Project{}, fmt.Errorf("%w: %s", kerr.ErrProjectNotFound, key)
	} else if err != nil {
		return domain.Project{}, err
	}

	for k, v := range labels {
		if v == "" {
			delete(p.Labels, k)
			continue
		}
		p.Labels[k] = v
	}
	buf, err := json.Marshal(p.Labels)
	if err != nil {
		return domain.Project{}, err
	}
	if _, err := tx.Exec(
		ctx,
		`UPDATE "project" SET "labels" = $2, "updated_at" = now() WHERE "key" = $1`,
		key, buf,
	); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (s *Store) PutApps(ctx context.Context, key string, apps map[string]domain.AppSpec) (domain.Project, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback(ctx)

	p, err := scanProject(tx.QueryRow(
		ctx, `SELECT "key", "labels", "apps" FROM "project" WHERE "key" = $1 FOR UPDATE`, key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Project{}, fmt.Errorf("%w: %s", kerr.ErrProjectNotFound, key)
	} else if err != nil {
		return domain.Project{}, err
	}

	maps.Copy(p.Apps, apps)
	buf, err := json.Marshal(p.Apps)
	if err != nil {
		return domain.Project{}, err
	}
	if _, err := tx.Exec(
		ctx,
		`UPDATE "project" SET "apps" = $2, "updated_at" = now() WHERE "key" = $1`,
		key, buf,
	); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM "project" WHERE "key" = $1`, key)
	return err
}

func (s *Store) Append(ctx context.Context, key string, batch string, records []domain.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, r := range records {
		var ts *time.Time
		if r.HasTimestamp {
			t := r.Timestamp
			ts = &t
		}
		payload := r.Payload
		if payload == nil {
			payload = []byte{}
		}
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO "log_archive" ("project_key", "batch", "source", "timestamp", "payload", "is_error")
			VALUES ($1, $2, $3, $4, $5, $6)`,
			key, batch, r.Source, ts, payload, r.IsError,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) Fetch(ctx context.Context, key string, names []string, tail int) (map[string][]domain.LogRecord, error) {
	if names == nil {
		names = []string{}
	}
	rows, err := s.pool.Query(
		ctx,
		`
		SELECT "source", "timestamp", "payload", "is_error" FROM (
			SELECT
				"seq", "source", "timestamp", "payload", "is_error",
				row_number() OVER (PARTITION BY "source" ORDER BY "seq" DESC) AS "from_end"
			FROM "log_archive"
			WHERE "project_key" = $1 AND (cardinality($2::varchar[]) = 0 OR "source" = ANY($2::varchar[]))
		) AS "a"
		WHERE $3 < 0 OR "from_end" <= $3
		ORDER BY "seq"
		`,
		key, names, tail,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := map[string][]domain.LogRecord{}
	for rows.Next() {
		var r domain.LogRecord
		var ts *time.Time
		if err := rows.Scan(&r.Source, &ts, &r.Payload, &r.IsError); err != nil {
			return nil, err
		}
		if ts != nil {
			r.Timestamp = ts.UTC()
			r.HasTimestamp = true
		}
		ret[r.Source] = append(ret[r.Source], r)
	}
	return ret, rows.Err()
}
