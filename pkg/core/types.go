package core

import "github.com/ethereum/go-ethereum/common"

// Account is a wallet account as seen by dapps.
type Account struct {
	Address common.Address `json:"address"`
	Name    string         `json:"name,omitempty"`
}

// DappInfo is the persisted authorization record for one dapp origin.
// ConnectedAccounts is ordered most-recently-active first.
type DappInfo struct {
	Origin                 string           `json:"origin"`
	ConnectedAccounts      []common.Address `json:"connectedAccounts"`
	ActiveConnectedAddress common.Address   `json:"activeConnectedAddress"`
	LastChainID            ChainID          `json:"lastChainId"`
	CreatedAt              int64            `json:"createdAt"`
	UpdatedAt              int64            `json:"updatedAt"`
}

// HasActive reports whether an active address is set.
func (d DappInfo) HasActive() bool {
	return d.ActiveConnectedAddress != (common.Address{})
}

// Clone returns a copy that shares no slice storage with d.
func (d DappInfo) Clone() DappInfo {
	out := d
	out.ConnectedAccounts = append([]common.Address(nil), d.ConnectedAccounts...)
	return out
}

// SenderTabInfo identifies the tab a request came from. It is attached by the
// trusted messaging layer, never taken from the page.
type SenderTabInfo struct {
	ID         int    `json:"id"`
	URL        string `json:"url"`
	FavIconURL string `json:"favIconUrl,omitempty"`
}

// Origin returns the canonical origin of the tab URL, or "" when it has none.
func (t SenderTabInfo) Origin() string {
	origin, err := CanonicalOrigin(t.URL)
	if err != nil {
		return ""
	}
	return origin
}

// Notification is a user-facing notification payload.
type Notification struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	DappURL string `json:"dappUrl,omitempty"`
	IconURL string `json:"iconUrl,omitempty"`
	Address string `json:"address,omitempty"`
}

// NotificationDappConnected is pushed on the first connection of a dapp.
const NotificationDappConnected = "dapp_connected"

// ChainProvider is a chain-specific RPC provider handle.
type ChainProvider struct {
	ChainID    ChainID    `json:"chainId"`
	Name       string     `json:"name"`
	Connection Connection `json:"connection"`
}

// Connection describes how to reach a chain's RPC endpoint.
type Connection struct {
	URL string `json:"url"`
}
