package contractsync

import (
	"context"
	"log/slog"
	"sync"

	"arbiterdash/contract"
)

// ErrorNotice is the static message shown when the last fetch failed.
const ErrorNotice = "Sorry! There was an error loading the contracts"

// SkeletonRows is the number of placeholder rows rendered while loading.
const SkeletonRows = 3

// ViewKind selects which of the three list renderings applies.
type ViewKind string

const (
	ViewLoading ViewKind = "loading"
	ViewError   ViewKind = "error"
	ViewList    ViewKind = "list"
)

// Row is the summary rendered for one contract.
type Row struct {
	Address    string
	Arbitrator string
	PartyA     string
	PartyB     string
	Link       string
}

// View is a rendered contract list.
type View struct {
	Kind     ViewKind
	Notice   string
	Skeleton int
	Rows     []Row
}

// Render projects a FetchState onto a View. Idle counts as loading since the
// first refresh is issued on activation.
func Render(state FetchState) View {
	switch state.Phase {
	case PhaseFailure:
		return View{Kind: ViewError, Notice: ErrorNotice}
	case PhaseSuccess:
		rows := make([]Row, 0, len(state.Records))
		for _, rec := range state.Records {
			rows = append(rows, rowFor(rec))
		}
		return View{Kind: ViewList, Rows: rows}
	default:
		return View{Kind: ViewLoading, Skeleton: SkeletonRows}
	}
}

// SummaryLink is the detail route for a contract address.
func SummaryLink(address string) string {
	return "contract-summary/" + address
}

func rowFor(rec contract.Record) Row {
	return Row{
		Address:    rec.Address,
		Arbitrator: rec.Arbitrator,
		PartyA:     rec.PartyA,
		PartyB:     rec.PartyB,
		Link:       SummaryLink(rec.Address),
	}
}

// Projector keeps a rendered View of one store up to date. It only reads the
// store; all writes go through the orchestrator.
type Projector struct {
	store   *Store
	orch    *Orchestrator
	account string
	logger  *slog.Logger

	activate sync.Once
	mu       sync.RWMutex
	view     View
	cycle    uint64
	renders  int
	unsub    func()
}

// NewProjector builds a projector for account. Nothing happens until Activate.
func NewProjector(orch *Orchestrator, account string, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{
		store:   orch.Store(),
		orch:    orch,
		account: account,
		logger:  logger,
		view:    Render(orch.Store().GetState()),
	}
}

// Activate subscribes to the store and triggers the initial refresh. Only the
// first call has any effect; it returns a channel that yields the initial
// refresh result once, and later calls return nil. A failure is also logged
// here since the store's failure phase is what the view reports.
func (p *Projector) Activate(ctx context.Context) <-chan error {
	var result chan error
	p.activate.Do(func() {
		unsub := p.store.Subscribe(p.render)
		p.mu.Lock()
		p.unsub = unsub
		p.mu.Unlock()
		p.render(p.store.GetState())

		result = make(chan error, 1)
		done := p.orch.Start(ctx, p.account)
		go func() {
			err := <-done
			if err != nil {
				p.logger.ErrorContext(ctx, "initial contract refresh failed",
					"operation", "projector_activate",
					"outcome", "failure",
					"account", p.account,
					"error", err.Error(),
				)
			}
			result <- err
			close(result)
		}()
	})
	return result
}

// View returns the most recent rendering.
func (p *Projector) View() View {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.view
}

// Renders reports how many times the view has been re-rendered.
func (p *Projector) Renders() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.renders
}

// Close removes the store subscription. It is safe to call more than once.
func (p *Projector) Close() {
	p.mu.Lock()
	unsub := p.unsub
	p.unsub = nil
	p.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (p *Projector) render(state FetchState) {
	view := Render(state)
	p.mu.Lock()
	defer p.mu.Unlock()
	// notifications from different goroutines may arrive out of order
	if state.Cycle < p.cycle {
		return
	}
	p.cycle = state.Cycle
	p.view = view
	p.renders++
}
