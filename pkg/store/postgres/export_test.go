package postgres

import "context"

// Truncate empties tables.
func Truncate(ctx context.Context, s *Store) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE "project", "log_archive"`)
	return err
}
