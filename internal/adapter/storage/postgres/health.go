package postgres

import (
	"context"
	"fmt"
)

// HealthCheck implements ports.HealthChecker. It reports unhealthy until the
// schema has been migrated, not only when the server is unreachable.
type HealthCheck struct {
	pool Pool
}

// NewHealthCheck creates a PostgreSQL health checker.
func NewHealthCheck(pool Pool) *HealthCheck {
	return &HealthCheck{pool: pool}
}

// Ping checks connectivity and that at least one migration is recorded.
func (h *HealthCheck) Ping(ctx context.Context) error {
	var applied int
	if err := h.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if applied == 0 {
		return fmt.Errorf("postgres: schema not migrated")
	}
	return nil
}

// Name returns the dependency name.
func (h *HealthCheck) Name() string {
	return "postgresql"
}
