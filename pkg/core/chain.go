package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ChainID identifies an EVM chain. The zero value means "unset".
type ChainID uint64

// MainnetChainID is Ethereum mainnet.
const MainnetChainID ChainID = 1

// Hex returns the 0x-prefixed quantity encoding used on the wire.
func (c ChainID) Hex() string {
	return hexutil.EncodeUint64(uint64(c))
}

func (c ChainID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// IsSet reports whether c holds a chain.
func (c ChainID) IsSet() bool {
	return c != 0
}

// ParseChainID accepts 0x-prefixed hex quantities or decimal strings.
func ParseChainID(s string) (ChainID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("missing chain id")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := hexutil.DecodeUint64(strings.ToLower(s))
		if err != nil {
			return 0, fmt.Errorf("invalid chain id %q: %w", s, err)
		}
		if v == 0 {
			return 0, fmt.Errorf("invalid chain id %q", s)
		}
		return ChainID(v), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid chain id %q", s)
	}
	return ChainID(v), nil
}

// MarshalJSON encodes the chain id as a hex quantity.
func (c ChainID) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Hex())
}

// UnmarshalJSON accepts a hex string, decimal string or a JSON number.
// null, "0x0" and 0 decode to the unset chain.
func (c *ChainID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*c = 0
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "0x0" || s == "0" {
			*c = 0
			return nil
		}
		v, err := ParseChainID(s)
		if err != nil {
			return err
		}
		*c = v
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid chain id %s", string(b))
	}
	*c = ChainID(n)
	return nil
}
