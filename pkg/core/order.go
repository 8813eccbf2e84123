package core

import "github.com/ethereum/go-ethereum/common"

// OrderedConnectedAddresses returns the dapp's connected addresses with the
// active one first. The remaining addresses keep their stored order.
func OrderedConnectedAddresses(info DappInfo) []common.Address {
	out := make([]common.Address, 0, len(info.ConnectedAccounts))
	if info.HasActive() && containsAddress(info.ConnectedAccounts, info.ActiveConnectedAddress) {
		out = append(out, info.ActiveConnectedAddress)
	}
	for _, addr := range info.ConnectedAccounts {
		if len(out) > 0 && addr == out[0] {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// PromoteAddress returns accounts with addr moved (or inserted) at the front.
func PromoteAddress(accounts []common.Address, addr common.Address) []common.Address {
	out := make([]common.Address, 0, len(accounts)+1)
	out = append(out, addr)
	for _, a := range accounts {
		if a == addr {
			continue
		}
		out = append(out, a)
	}
	return out
}

// RemoveAddress drops addr from accounts, keeping order.
func RemoveAddress(accounts []common.Address, addr common.Address) []common.Address {
	out := make([]common.Address, 0, len(accounts))
	for _, a := range accounts {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

// AddressStrings renders checksummed hex strings for the wire.
func AddressStrings(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
