package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrZeroAddress    = errors.New("zero address")
)

// ParseAddress validates a 0x-prefixed 20-byte hex address. Checksum casing is
// not enforced; the returned value renders checksummed.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, ErrZeroAddress
	}
	return addr, nil
}

// ValidateDappInfo checks the invariants of a stored record.
func ValidateDappInfo(info DappInfo) error {
	canonical, err := CanonicalOrigin(info.Origin)
	if err != nil {
		return fmt.Errorf("origin %q: %w", info.Origin, err)
	}
	if canonical != info.Origin {
		return fmt.Errorf("origin %q is not canonical (want %q)", info.Origin, canonical)
	}
	seen := make(map[common.Address]struct{}, len(info.ConnectedAccounts))
	for _, a := range info.ConnectedAccounts {
		if a == (common.Address{}) {
			return fmt.Errorf("origin %s: %w", info.Origin, ErrZeroAddress)
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("origin %s: duplicate connected account %s", info.Origin, a.Hex())
		}
		seen[a] = struct{}{}
	}
	if info.HasActive() {
		if _, ok := seen[info.ActiveConnectedAddress]; !ok {
			return fmt.Errorf("origin %s: active address %s is not connected", info.Origin, info.ActiveConnectedAddress.Hex())
		}
	}
	return nil
}
