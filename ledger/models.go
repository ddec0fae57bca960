package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"arbiterdash/contract"
)

var (
	// ErrTransport wraps every failure talking to the backing store.
	ErrTransport = errors.New("ledger: transport failure")
	// ErrNotFound is returned when no contract exists at the address.
	ErrNotFound = errors.New("ledger: contract not found")
	// ErrNotParty signals the caller is neither party A nor party B.
	ErrNotParty = errors.New("ledger: caller is not a party in contract")
	// ErrNotArbitrator signals a ruling from someone other than the contract's arbitrator.
	ErrNotArbitrator = errors.New("ledger: caller is not the contract arbitrator")
	// ErrBadStatus signals a lifecycle transition the contract cannot take.
	ErrBadStatus = errors.New("ledger: invalid status transition")
	// ErrInvalidParams signals malformed write parameters.
	ErrInvalidParams = errors.New("ledger: invalid parameters")
)

// DefaultTimeout is the dispute timeout applied when a deploy omits one.
const DefaultTimeout = 100

// Ruling is the arbitrator's decision on a disputed contract.
type Ruling int

const (
	RulingRefused Ruling = 0
	RulingPartyA  Ruling = 1
	RulingPartyB  Ruling = 2
)

// Valid reports whether r is one of the known rulings.
func (r Ruling) Valid() bool {
	return r >= RulingRefused && r <= RulingPartyB
}

// Detail is the full view of one contract, used by the summary page.
type Detail struct {
	contract.Record
	Value               *big.Int
	HashContract        string
	ArbitratorExtraData string
	Email               string
	Description         string
	FeePaidBy           *string
	Ruling              *Ruling
	DeployedAt          time.Time
	DisputedAt          *time.Time
	ResolvedAt          *time.Time
}

// DeployParams describes a new arbitrable transaction. PartyA is the
// deploying account.
type DeployParams struct {
	PartyA              string
	PartyB              string
	Arbitrator          string
	Value               *big.Int
	HashContract        string
	Timeout             int64
	ArbitratorExtraData string
	Email               string
	Description         string
}

// Summary aggregates the contracts governed by one arbitrator.
type Summary struct {
	Arbitrator string
	Pending    int
	Disputed   int
	Resolved   int
}

// Total is the number of contracts across all statuses.
func (s Summary) Total() int {
	return s.Pending + s.Disputed + s.Resolved
}

// Client is the full set of ledger operations used by the dashboard.
type Client interface {
	FetchContractsForUser(ctx context.Context, account string) ([]contract.Record, error)
	GetContract(ctx context.Context, address string) (Detail, error)
	Deploy(ctx context.Context, params DeployParams) (Detail, error)
	RaiseDispute(ctx context.Context, address, caller string) (Detail, error)
	Resolve(ctx context.Context, address, arbitrator string, ruling Ruling) (Detail, error)
	ArbitratorSummary(ctx context.Context, arbitrator string) (Summary, error)
}
