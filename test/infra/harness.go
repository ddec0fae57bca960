package infra

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoDatabase is returned when no DSN, Docker daemon or local Postgres is
// available to host the ledger store.
var ErrNoDatabase = errors.New("infra: no postgres available")

// Harness owns the lifecycle of the ledger database used by integration and
// stress tests.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness picks a database in order: overrideDSN or STRESS_TEST_PG_DSN, a
// Postgres 16 container, then a local server. Shared databases get a
// throwaway schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	var (
		container *PGContainer
		dsn       string
		err       error
	)
	switch {
	case overrideDSN != "" || hasDSNEnv():
		container, dsn, err = StartPostgres16(ctx, overrideDSN)
	case DockerAvailable(ctx):
		container, dsn, err = StartPostgres16(ctx, "")
	case LocalPostgresRunning():
		container = &PGContainer{}
		dsn, err = InitLocalDatabase(ctx)
	default:
		return nil, ErrNoDatabase
	}
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, container.Shared())
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Harness{container: container, pool: pool, dsn: dsn, teardown: teardown}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Reset truncates the ledger tables to give the next epoch a clean slate.
func (h *Harness) Reset(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE contract_events, contracts, users CASCADE"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var errs []error
	if h.teardown != nil {
		errs = append(errs, h.teardown(ctx))
	}
	errs = append(errs, h.container.Terminate(ctx))
	return errors.Join(errs...)
}
