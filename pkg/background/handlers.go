package background

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/dapps"
	"github.com/rexliu/dappbridge/pkg/logging"
	"github.com/rexliu/dappbridge/pkg/protocol"
	"github.com/rexliu/dappbridge/pkg/transport"
)

// Deps wires the handlers to their collaborators. Analytics, Notifier and
// Logger may be nil.
type Deps struct {
	Store        *dapps.Store
	Providers    ProviderLookup
	Accounts     AccountSelector
	Analytics    Analytics
	Notifier     Notifier
	Tabs         TabSender
	DefaultChain core.ChainID
	Logger       Logger
}

// Handlers implements the account connection flows.
type Handlers struct {
	store        *dapps.Store
	providers    ProviderLookup
	accounts     AccountSelector
	analytics    Analytics
	notifier     Notifier
	tabs         TabSender
	defaultChain core.ChainID
	log          Logger
}

func NewHandlers(d Deps) *Handlers {
	h := &Handlers{
		store:        d.Store,
		providers:    d.Providers,
		accounts:     d.Accounts,
		analytics:    d.Analytics,
		notifier:     d.Notifier,
		tabs:         d.Tabs,
		defaultChain: d.DefaultChain,
		log:          d.Logger,
	}
	if h.analytics == nil {
		h.analytics = nopAnalytics{}
	}
	if h.notifier == nil {
		h.notifier = nopNotifier{}
	}
	if h.log == nil {
		h.log = logging.Nop()
	}
	if !h.defaultChain.IsSet() {
		h.defaultChain = core.MainnetChainID
	}
	return h
}

// AccountSnapshot is what SaveAccount hands back for shaping a response.
type AccountSnapshot struct {
	DappURL            string
	ActiveAccount      core.Account
	ConnectedAddresses []common.Address
	ChainID            core.ChainID
	ProviderURL        string
}

// GetAccount answers with the dapp's stored connection. Callers only reach
// it once an active wallet account exists. A provider lookup failure is
// sent as an ErrorResponse and returned.
func (h *Handlers) GetAccount(ctx context.Context, req protocol.DappRequest, tab core.SenderTabInfo, info core.DappInfo) error {
	chainID := h.chainFor(info)
	provider, err := h.providers.GetProvider(ctx, chainID)
	if err != nil {
		h.sendError(tab, req.RequestID, err)
		return fmt.Errorf("get provider for chain %s: %w", chainID, err)
	}
	addresses := core.AddressStrings(core.OrderedConnectedAddresses(info))
	h.analytics.SendAnalyticsEvent(EventDappConnect, map[string]any{
		"dappUrl":                info.Origin,
		"chainId":                chainID.Hex(),
		"activeConnectedAddress": info.ActiveConnectedAddress.Hex(),
		"connectedAddresses":     addresses,
	})
	h.send(tab, protocol.TypeAccountResponse,
		protocol.NewAccountResponse(req.RequestID, addresses, chainID, provider.Connection.URL))
	return nil
}

// SaveAccount connects the wallet's active account to the tab's origin. It
// returns nil, nil when the origin or the active account is missing; the
// caller must treat that as "cannot proceed". The first connection of an
// origin pushes a dapp-connected notification.
func (h *Handlers) SaveAccount(ctx context.Context, tab core.SenderTabInfo) (*AccountSnapshot, error) {
	origin := tab.Origin()
	if origin == "" {
		return nil, nil
	}
	account, err := h.accounts.SelectActiveAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("select active account: %w", err)
	}
	if account == nil || account.Address == (common.Address{}) {
		return nil, nil
	}
	info, created, err := h.store.SaveDappConnection(ctx, origin, account.Address)
	if err != nil {
		return nil, fmt.Errorf("save connection: %w", err)
	}
	if created {
		h.notifier.PushNotification(core.Notification{
			ID:      core.NewNotificationID(),
			Type:    core.NotificationDappConnected,
			DappURL: origin,
			IconURL: tab.FavIconURL,
			Address: account.Address.Hex(),
		})
		h.log.Infow("dapp connected", "origin", origin, "address", account.Address.Hex())
	}
	chainID := h.chainFor(info)
	provider, err := h.providers.GetProvider(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("get provider for chain %s: %w", chainID, err)
	}
	return &AccountSnapshot{
		DappURL:            origin,
		ActiveAccount:      *account,
		ConnectedAddresses: core.OrderedConnectedAddresses(info),
		ChainID:            chainID,
		ProviderURL:        provider.Connection.URL,
	}, nil
}

// GetAccountRequest handles eth_requestAccounts.
func (h *Handlers) GetAccountRequest(ctx context.Context, req protocol.DappRequest, tab core.SenderTabInfo) {
	snap, err := h.SaveAccount(ctx, tab)
	if err != nil {
		h.log.Warnw("account request failed", "requestId", req.RequestID, "origin", tab.Origin(), "error", err)
		h.sendError(tab, req.RequestID, err)
		return
	}
	if snap == nil {
		h.sendError(tab, req.RequestID, protocol.UnauthorizedError())
		return
	}
	addresses := core.AddressStrings(snap.ConnectedAddresses)
	h.send(tab, protocol.TypeAccountResponse,
		protocol.NewAccountResponse(req.RequestID, addresses, snap.ChainID, snap.ProviderURL))
	h.analytics.SendAnalyticsEvent(EventDappConnectRequest, map[string]any{
		"dappUrl":                snap.DappURL,
		"chainId":                snap.ChainID.Hex(),
		"activeConnectedAddress": snap.ActiveAccount.Address.Hex(),
		"connectedAddresses":     addresses,
	})
}

func (h *Handlers) chainFor(info core.DappInfo) core.ChainID {
	if info.LastChainID.IsSet() {
		return info.LastChainID
	}
	return h.defaultChain
}

func (h *Handlers) sendError(tab core.SenderTabInfo, requestID string, err error) {
	h.send(tab, protocol.TypeErrorResponse, protocol.NewErrorResponse(requestID, protocol.ToRPCError(err)))
}

// send delivers v to the tab. A tab that went away is not an error.
func (h *Handlers) send(tab core.SenderTabInfo, typ string, v any) {
	msg, err := transport.NewMessage(typ, v)
	if err != nil {
		h.log.Warnw("encode response", "type", typ, "error", err)
		return
	}
	if err := h.tabs.SendToTab(tab.ID, msg); err != nil {
		h.log.Debugw("send to tab failed", "tabId", tab.ID, "type", typ, "error", err)
	}
}

type nopAnalytics struct{}

func (nopAnalytics) SendAnalyticsEvent(string, map[string]any) {}

type nopNotifier struct{}

func (nopNotifier) PushNotification(core.Notification) {}
