package contractsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Session bundles the store, orchestrator and projector of one account.
type Session struct {
	Account      string
	Store        *Store
	Orchestrator *Orchestrator
	Projector    *Projector

	lastUsed time.Time
}

// Hub hands out one activated Session per account. Sessions outlive the
// requests that create them, so they run on the hub's own context.
type Hub struct {
	ctx     context.Context
	cancel  context.CancelFunc
	fetcher Fetcher
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub creates a hub whose sessions fetch through fetcher.
func NewHub(ctx context.Context, fetcher Fetcher, logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:      ctx,
		cancel:   cancel,
		fetcher:  fetcher,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Session returns the session for account, creating and activating it on
// first use.
func (h *Hub) Session(account string) *Session {
	sess, _ := h.session(account)
	return sess
}

// session also returns the activation result channel when this call created
// the session, and nil otherwise.
func (h *Hub) session(account string) (*Session, <-chan error) {
	h.mu.Lock()
	sess, ok := h.sessions[account]
	if !ok {
		store := NewStore()
		orch := NewOrchestrator(store, h.fetcher, WithLogger(h.logger), WithMetrics(h.metrics))
		sess = &Session{
			Account:      account,
			Store:        store,
			Orchestrator: orch,
			Projector:    NewProjector(orch, account, h.logger),
		}
		h.sessions[account] = sess
	}
	sess.lastUsed = h.now()
	h.mu.Unlock()

	return sess, sess.Projector.Activate(h.ctx)
}

// Refresh runs a blocking refresh for account on the hub's context, so a
// caller going away does not cancel the store write. On a cold session the
// activation fetch is the refresh.
func (h *Hub) Refresh(account string) error {
	sess, activation := h.session(account)
	if activation != nil {
		return <-activation
	}
	return sess.Orchestrator.Refresh(h.ctx, account)
}

// RefreshAsync starts a refresh for account and logs its failure.
func (h *Hub) RefreshAsync(account string) {
	sess, activation := h.session(account)
	if activation != nil {
		// the projector logs its own activation failure
		return
	}
	done := sess.Orchestrator.Start(h.ctx, account)
	go func() {
		if err := <-done; err != nil {
			h.logger.WarnContext(h.ctx, "background contract refresh failed",
				"operation", "hub_refresh_async",
				"outcome", "failure",
				"account", account,
				"error", err.Error(),
			)
		}
	}()
}

// EvictIdle drops sessions nobody has asked for within idle and returns how
// many were removed. Background resyncs do not count as use.
func (h *Hub) EvictIdle(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := h.now().Add(-idle)

	h.mu.Lock()
	var evicted []*Session
	for account, sess := range h.sessions {
		if sess.lastUsed.Before(cutoff) {
			evicted = append(evicted, sess)
			delete(h.sessions, account)
		}
	}
	h.mu.Unlock()

	for _, sess := range evicted {
		sess.Projector.Close()
	}
	return len(evicted)
}

// RefreshAll refreshes every known session concurrently. Individual
// failures are already reflected in each store, so they are only counted.
func (h *Hub) RefreshAll(ctx context.Context) int {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()

	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			if err := sess.Orchestrator.Refresh(gctx, sess.Account); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// Accounts lists the accounts with a live session.
func (h *Hub) Accounts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sessions))
	for account := range h.sessions {
		out = append(out, account)
	}
	return out
}

// Close tears down every session and cancels outstanding fetches.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for account, sess := range h.sessions {
		sess.Projector.Close()
		delete(h.sessions, account)
	}
}
