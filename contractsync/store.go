package contractsync

import (
	"sync"

	"arbiterdash/contract"
)

// Phase is the fetch status held by a Store.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseSuccess Phase = "success"
	PhaseFailure Phase = "failure"
)

// FetchState is a snapshot of a Store. Records is only populated in
// PhaseSuccess and Err only in PhaseFailure.
type FetchState struct {
	Phase   Phase
	Records []contract.Record
	Err     error
	Cycle   uint64
}

// Listener receives the state after every applied mutation.
type Listener func(FetchState)

// Store owns the last known FetchState for one account. It is safe for
// concurrent use; listeners run outside the lock in the mutating goroutine.
type Store struct {
	mu        sync.RWMutex
	phase     Phase
	records   []contract.Record
	err       error
	cycle     uint64
	listeners map[uint64]Listener
	nextID    uint64
}

// NewStore returns an idle store.
func NewStore() *Store {
	return &Store{
		phase:     PhaseIdle,
		listeners: make(map[uint64]Listener),
	}
}

// GetState returns a snapshot without side effects.
func (s *Store) GetState() FetchState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// SetLoading starts a new fetch cycle and returns its number. Records from
// an earlier success stay in memory until replaced but are not exposed.
func (s *Store) SetLoading() uint64 {
	s.mu.Lock()
	s.cycle++
	s.phase = PhaseLoading
	s.err = nil
	cycle := s.cycle
	state, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, state)
	return cycle
}

// SetSuccess replaces the records and moves to PhaseSuccess, regardless of
// which cycle produced them.
func (s *Store) SetSuccess(records []contract.Record) {
	s.mu.Lock()
	s.applySuccessLocked(records)
	state, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, state)
}

// SetFailure records err, drops the records and moves to PhaseFailure.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.applyFailureLocked(err)
	state, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, state)
}

// CompleteSuccess is SetSuccess guarded by cycle: results from a cycle older
// than the current one are discarded and false is returned.
func (s *Store) CompleteSuccess(cycle uint64, records []contract.Record) bool {
	s.mu.Lock()
	if cycle < s.cycle {
		s.mu.Unlock()
		return false
	}
	s.applySuccessLocked(records)
	state, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, state)
	return true
}

// CompleteFailure is SetFailure guarded by cycle.
func (s *Store) CompleteFailure(cycle uint64, err error) bool {
	s.mu.Lock()
	if cycle < s.cycle {
		s.mu.Unlock()
		return false
	}
	s.applyFailureLocked(err)
	state, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, state)
	return true
}

// Subscribe registers l and returns a function that removes it. Calling the
// returned function more than once is a no-op.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Listeners reports the number of active subscriptions.
func (s *Store) Listeners() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *Store) applySuccessLocked(records []contract.Record) {
	s.phase = PhaseSuccess
	s.records = cloneRecords(records)
	s.err = nil
}

func (s *Store) applyFailureLocked(err error) {
	s.phase = PhaseFailure
	s.records = nil
	s.err = err
}

func (s *Store) snapshotLocked() FetchState {
	state := FetchState{Phase: s.phase, Cycle: s.cycle}
	switch s.phase {
	case PhaseSuccess:
		state.Records = cloneRecords(s.records)
	case PhaseFailure:
		state.Err = s.err
	}
	return state
}

func (s *Store) listenersLocked() []Listener {
	if len(s.listeners) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []Listener, state FetchState) {
	for _, l := range listeners {
		l(state)
	}
}

func cloneRecords(records []contract.Record) []contract.Record {
	out := make([]contract.Record, len(records))
	copy(out, records)
	return out
}
