package contractsync

import (
	"context"
	"log/slog"
	"time"

	"arbiterdash/contract"
)

// Fetcher is the single ledger operation the orchestrator consumes.
type Fetcher interface {
	FetchContractsForUser(ctx context.Context, account string) ([]contract.Record, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, account string) ([]contract.Record, error)

func (f FetcherFunc) FetchContractsForUser(ctx context.Context, account string) ([]contract.Record, error) {
	return f(ctx, account)
}

// Orchestrator drives fetch cycles against a Fetcher and projects their
// outcome onto a Store.
type Orchestrator struct {
	store   *Store
	fetcher Fetcher
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for cycle diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records cycle outcomes and latency.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator wires an orchestrator for store.
func NewOrchestrator(store *Store, fetcher Fetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		fetcher: fetcher,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store returns the store this orchestrator writes to.
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Refresh runs one fetch cycle. The store moves to Loading before the fetch
// and to Success or Failure afterwards; a fetch error is both recorded in the
// store and returned unchanged. No retries are attempted.
//
// If ctx is done by the time the fetch returns, the store is left alone and
// ctx.Err() is returned. Results from a cycle superseded by a newer Refresh
// are discarded.
func (o *Orchestrator) Refresh(ctx context.Context, account string) error {
	cycle := o.store.SetLoading()
	return o.settle(ctx, account, cycle)
}

// Start is the non-blocking form of Refresh. The store is already in Loading
// when Start returns; the cycle's result is delivered on the returned channel.
func (o *Orchestrator) Start(ctx context.Context, account string) <-chan error {
	cycle := o.store.SetLoading()
	done := make(chan error, 1)
	go func() {
		done <- o.settle(ctx, account, cycle)
	}()
	return done
}

func (o *Orchestrator) settle(ctx context.Context, account string, cycle uint64) error {
	start := o.now()
	records, err := o.fetcher.FetchContractsForUser(ctx, account)
	elapsed := o.now().Sub(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		o.observe(outcomeCancelled, elapsed)
		o.logger.WarnContext(ctx, "fetch cycle cancelled",
			"operation", "contracts_refresh",
			"outcome", outcomeCancelled,
			"account", account,
			"cycle", cycle,
		)
		return ctxErr
	}

	if err != nil {
		outcome := outcomeFailure
		if !o.store.CompleteFailure(cycle, err) {
			outcome = outcomeStale
		}
		o.observe(outcome, elapsed)
		o.logger.ErrorContext(ctx, "fetch cycle failed",
			"operation", "contracts_refresh",
			"outcome", outcome,
			"account", account,
			"cycle", cycle,
			"duration_ms", elapsed.Milliseconds(),
			"error", err.Error(),
		)
		return err
	}

	outcome := outcomeSuccess
	if !o.store.CompleteSuccess(cycle, records) {
		outcome = outcomeStale
	}
	o.observe(outcome, elapsed)
	o.logger.InfoContext(ctx, "fetch cycle settled",
		"operation", "contracts_refresh",
		"outcome", outcome,
		"account", account,
		"cycle", cycle,
		"records", len(records),
		"duration_ms", elapsed.Milliseconds(),
	)
	return nil
}

func (o *Orchestrator) observe(outcome string, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.observe(outcome, elapsed)
}
