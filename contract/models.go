package contract

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidStatus signals a status value outside the known lifecycle.
var ErrInvalidStatus = errors.New("contract: invalid status")

// Status represents the lifecycle of an arbitrable transaction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusDisputed Status = "disputed"
	StatusResolved Status = "resolved"
)

// ParseStatus maps a stored or wire value onto a Status.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusDisputed, StatusResolved:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Record is the locally held summary of one arbitrable contract. Records are
// replaced wholesale on every successful fetch and never patched in place.
type Record struct {
	Address    string
	Arbitrator string
	PartyA     string
	PartyB     string
	Timeout    int64
	Status     Status
}

// IsParty reports whether account is one of the two contract parties.
func (r Record) IsParty(account string) bool {
	return strings.EqualFold(r.PartyA, account) || strings.EqualFold(r.PartyB, account)
}
