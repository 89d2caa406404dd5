package store

import "github.com/jackc/pgx/v5/pgxpool"

// Pool exposes the unexported pool to the external test package.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }
