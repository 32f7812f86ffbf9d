package authz

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RoleStore abstracts the permission-table query for testability.
type RoleStore interface {
	LoadPermissions(ctx context.Context) (map[string][]string, error)
}

type sqlRoleStore struct {
	db *sql.DB
}

func (s *sqlRoleStore) LoadPermissions(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, tool_pattern
		FROM role_permissions
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	matrix := make(map[string][]string)
	for rows.Next() {
		var role, pattern string
		if err := rows.Scan(&role, &pattern); err != nil {
			return nil, err
		}
		matrix[role] = append(matrix[role], pattern)
	}
	return matrix, rows.Err()
}

// LoadPostgresGate reads the role_permissions table once and builds an
// immutable Gate from it. The matrix is not refreshed at runtime; a
// permission change requires a restart, which keeps authorization
// decisions reproducible for the lifetime of the process.
func LoadPostgresGate(ctx context.Context, db *sql.DB, logger *zap.Logger) (*Gate, error) {
	return loadGate(ctx, &sqlRoleStore{db: db}, logger)
}

func loadGate(ctx context.Context, store RoleStore, logger *zap.Logger) (*Gate, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	matrix, err := store.LoadPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load role permissions: %w", err)
	}
	if len(matrix) == 0 {
		return nil, fmt.Errorf("role_permissions table is empty; refusing to start with an all-deny matrix")
	}

	gate := NewGate(matrix)
	logger.Info("permission matrix loaded from postgres",
		zap.Int("roles", len(matrix)),
	)
	return gate, nil
}
