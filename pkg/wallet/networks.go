// Package wallet provides the daemon's implementations of the background
// collaborators: chain lookup from config, the active account from SQLite,
// and log- or hub-backed analytics and notifications.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rexliu/dappbridge/pkg/config"
	"github.com/rexliu/dappbridge/pkg/core"
)

var ErrUnknownChain = errors.New("unknown chain")

// Networks resolves chain ids against the configured registry.
type Networks struct {
	byID map[core.ChainID]core.ChainProvider
}

// NewNetworks indexes networks by chain id.
func NewNetworks(networks []config.Network) *Networks {
	n := &Networks{byID: make(map[core.ChainID]core.ChainProvider, len(networks))}
	for _, net := range networks {
		id := core.ChainID(net.ChainID)
		n.byID[id] = core.ChainProvider{ChainID: id, Name: net.Name, Connection: core.Connection{URL: net.RPCURL}}
	}
	return n
}

// GetProvider returns the provider for chainID.
func (n *Networks) GetProvider(_ context.Context, chainID core.ChainID) (core.ChainProvider, error) {
	p, ok := n.byID[chainID]
	if !ok {
		return core.ChainProvider{}, fmt.Errorf("%w: %s", ErrUnknownChain, chainID.Hex())
	}
	return p, nil
}

// List returns the registry ordered by chain id.
func (n *Networks) List() []core.ChainProvider {
	out := make([]core.ChainProvider, 0, len(n.byID))
	for _, p := range n.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}
