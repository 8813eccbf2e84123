// Package background holds the privileged request handlers: account
// connection flows, chain queries and the router that dispatches validated
// dapp requests to them.
package background

import (
	"context"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/transport"
)

// Analytics event names.
const (
	EventDappConnect        = "DappConnect"
	EventDappConnectRequest = "DappConnectRequest"
	EventDappChangeChain    = "DappChangeChain"
	EventDappDisconnect     = "DappDisconnect"
)

// ProviderLookup resolves a chain to its RPC provider.
type ProviderLookup interface {
	GetProvider(ctx context.Context, chainID core.ChainID) (core.ChainProvider, error)
}

// AccountSelector returns the wallet's active account, or nil when there is
// none.
type AccountSelector interface {
	SelectActiveAccount(ctx context.Context) (*core.Account, error)
}

// Analytics is a fire-and-forget telemetry sink.
type Analytics interface {
	SendAnalyticsEvent(name string, props map[string]any)
}

// Notifier dispatches user-facing notifications.
type Notifier interface {
	PushNotification(n core.Notification)
}

// TabSender routes a message to one tab.
type TabSender interface {
	SendToTab(tabID int, msg transport.Message) error
}

// Broadcaster pushes a message to every tab of an origin.
type Broadcaster interface {
	Broadcast(origin string, msg transport.Message) int
}

// Logger is the subset of the zap sugared logger handlers use.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
}
