package contract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress signals an identifier that is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("contract: invalid address")

// NormalizeAddress validates a hex account or contract address and returns its
// EIP-55 checksummed form so lookups are case-insensitive.
func NormalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return common.HexToAddress(raw).Hex(), nil
}

// MustAddress is NormalizeAddress for constants and fixtures.
func MustAddress(raw string) string {
	addr, err := NormalizeAddress(raw)
	if err != nil {
		panic(err)
	}
	return addr
}
