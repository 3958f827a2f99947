// Package postgres persists door access grants in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/levelsim/internal/config"
)

// ErrSchemaMissing is returned by CheckSchema when the grants table has not been migrated.
var ErrSchemaMissing = errors.New("door_access_grants table missing; run cmd/migrate")

// Pool is the connection pool grant loading runs on.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects to the grant database and confirms the grants table exists.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a connected Pool, or ErrSchemaMissing (wrapped) when migrations have not
// run, or another non-nil error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "levelsim"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	p := &Pool{pool: pool}
	if err := p.CheckSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// CheckSchema verifies the database answers and holds the grants table.
func (p *Pool) CheckSchema(ctx context.Context) error {
	var table *string
	err := p.pool.QueryRow(ctx, `SELECT to_regclass('door_access_grants')::text`).Scan(&table)
	if err != nil {
		return fmt.Errorf("checking grant schema: %w", err)
	}
	if table == nil {
		return ErrSchemaMissing
	}
	return nil
}

// Health checks, within timeout, that the grants table is still reachable.
//
// Precondition: The pool must not be closed.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.CheckSchema(ctx)
}

// Close releases all pool resources.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pgxpool.Pool for use by repositories.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
