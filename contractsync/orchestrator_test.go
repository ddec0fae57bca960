package contractsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"arbiterdash/contract"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fetchResult struct {
	records []contract.Record
	err     error
}

// gatedFetcher blocks each call until the test replies to it.
type gatedFetcher struct {
	calls chan *pendingCall
}

type pendingCall struct {
	account string
	reply   chan fetchResult
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{calls: make(chan *pendingCall, 8)}
}

func (f *gatedFetcher) FetchContractsForUser(ctx context.Context, account string) ([]contract.Record, error) {
	call := &pendingCall{account: account, reply: make(chan fetchResult, 1)}
	f.calls <- call
	select {
	case res := <-call.reply:
		return res.records, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for refresh")
		return nil
	}
}

func waitCall(t *testing.T, f *gatedFetcher) *pendingCall {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fetch call")
		return nil
	}
}

func TestRefresh_SuccessPublishesRecords(t *testing.T) {
	record := contract.Record{Address: "0xAA", Arbitrator: "0x1", PartyA: "0x2", PartyB: "0x3", Timeout: 100, Status: contract.StatusPending}
	store := NewStore()
	orch := NewOrchestrator(store, FetcherFunc(func(ctx context.Context, account string) ([]contract.Record, error) {
		if account != "0x2" {
			t.Errorf("expected query 0x2, got %s", account)
		}
		return []contract.Record{record}, nil
	}), WithLogger(discardLogger()))

	if err := orch.Refresh(context.Background(), "0x2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state := store.GetState()
	if state.Phase != PhaseSuccess {
		t.Fatalf("expected success, got %s", state.Phase)
	}
	if !reflect.DeepEqual(state.Records, []contract.Record{record}) {
		t.Fatalf("unexpected records: %v", state.Records)
	}
}

func TestRefresh_FailureRecordedAndReturned(t *testing.T) {
	boom := errors.New("network down")
	store := NewStore()
	orch := NewOrchestrator(store, FetcherFunc(func(context.Context, string) ([]contract.Record, error) {
		return nil, boom
	}), WithLogger(discardLogger()))

	err := orch.Refresh(context.Background(), "0x2")
	if err != boom {
		t.Fatalf("expected the fetch error to be returned unchanged, got %v", err)
	}

	state := store.GetState()
	if state.Phase != PhaseFailure {
		t.Fatalf("expected failure, got %s", state.Phase)
	}
	if state.Err != boom || state.Err.Error() != "network down" {
		t.Fatalf("expected stored error %q, got %v", "network down", state.Err)
	}
}

func TestStart_LoadingBeforeSettle(t *testing.T) {
	fetcher := newGatedFetcher()
	store := NewStore()
	orch := NewOrchestrator(store, fetcher, WithLogger(discardLogger()))

	done := orch.Start(context.Background(), "0x2")
	if got := store.GetState().Phase; got != PhaseLoading {
		t.Fatalf("expected loading right after Start, got %s", got)
	}

	call := waitCall(t, fetcher)
	call.reply <- fetchResult{records: sampleRecords()}
	if err := waitErr(t, done); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.GetState().Phase; got != PhaseSuccess {
		t.Fatalf("expected success, got %s", got)
	}
}

func TestRefresh_OverlappingCyclesLastWins(t *testing.T) {
	fetcher := newGatedFetcher()
	store := NewStore()
	orch := NewOrchestrator(store, fetcher, WithLogger(discardLogger()))

	first := orch.Start(context.Background(), "0x2")
	firstCall := waitCall(t, fetcher)
	second := orch.Start(context.Background(), "0x2")
	secondCall := waitCall(t, fetcher)

	// first resolves success, second resolves failure
	firstCall.reply <- fetchResult{records: sampleRecords()}
	_ = waitErr(t, first)
	boom := errors.New("network down")
	secondCall.reply <- fetchResult{err: boom}
	if err := waitErr(t, second); err != boom {
		t.Fatalf("expected second refresh to reject with %v, got %v", boom, err)
	}

	state := store.GetState()
	if state.Phase != PhaseFailure {
		t.Fatalf("expected failure, got %s", state.Phase)
	}
}

func TestRefresh_StaleSuccessDoesNotOverwriteNewerFailure(t *testing.T) {
	fetcher := newGatedFetcher()
	store := NewStore()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	orch := NewOrchestrator(store, fetcher, WithLogger(discardLogger()), WithMetrics(metrics))

	first := orch.Start(context.Background(), "0x2")
	firstCall := waitCall(t, fetcher)
	second := orch.Start(context.Background(), "0x2")
	secondCall := waitCall(t, fetcher)

	// the newer cycle settles first
	boom := errors.New("network down")
	secondCall.reply <- fetchResult{err: boom}
	_ = waitErr(t, second)
	firstCall.reply <- fetchResult{records: sampleRecords()}
	if err := waitErr(t, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state := store.GetState(); state.Phase != PhaseFailure {
		t.Fatalf("expected stale success to be discarded, got %s", state.Phase)
	}
	if got := testutil.ToFloat64(metrics.cycles.WithLabelValues(outcomeStale)); got != 1 {
		t.Fatalf("expected 1 stale cycle, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.cycles.WithLabelValues(outcomeFailure)); got != 1 {
		t.Fatalf("expected 1 failed cycle, got %v", got)
	}
}

func TestRefresh_CancelledContextSkipsStoreWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewStore()
	orch := NewOrchestrator(store, FetcherFunc(func(context.Context, string) ([]contract.Record, error) {
		cancel()
		return sampleRecords(), nil
	}), WithLogger(discardLogger()))

	err := orch.Refresh(ctx, "0x2")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := store.GetState().Phase; got != PhaseLoading {
		t.Fatalf("expected store to stay loading, got %s", got)
	}
}

func TestRefresh_NoRetries(t *testing.T) {
	calls := 0
	store := NewStore()
	orch := NewOrchestrator(store, FetcherFunc(func(context.Context, string) ([]contract.Record, error) {
		calls++
		return nil, errors.New("boom")
	}), WithLogger(discardLogger()))

	_ = orch.Refresh(context.Background(), "0x2")
	if calls != 1 {
		t.Fatalf("expected exactly one fetch, got %d", calls)
	}
}

func TestMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	store := NewStore()
	orch := NewOrchestrator(store, FetcherFunc(func(context.Context, string) ([]contract.Record, error) {
		return sampleRecords(), nil
	}), WithLogger(discardLogger()), WithMetrics(metrics))

	_ = orch.Refresh(context.Background(), "0x2")

	if got := testutil.ToFloat64(metrics.cycles.WithLabelValues(outcomeSuccess)); got != 1 {
		t.Fatalf("expected 1 successful cycle, got %v", got)
	}
	if n := testutil.CollectAndCount(metrics.duration); n != 1 {
		t.Fatalf("expected duration histogram to be collected, got %d", n)
	}
}
