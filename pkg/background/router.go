package background

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/dapps"
	"github.com/rexliu/dappbridge/pkg/protocol"
	"github.com/rexliu/dappbridge/pkg/transport"
)

// Router dispatches validated dapp requests by method.
type Router struct {
	h           *Handlers
	broadcaster Broadcaster
}

// NewRouter builds a router. broadcaster may be nil, in which case chain and
// permission changes are not pushed to other tabs.
func NewRouter(h *Handlers, broadcaster Broadcaster) *Router {
	return &Router{h: h, broadcaster: broadcaster}
}

// HandleMessage is the background entry point for one tab message. Its
// signature matches extension.Handler.
func (r *Router) HandleMessage(ctx context.Context, msg transport.Message, tab core.SenderTabInfo) {
	h := r.h
	if msg.Type != protocol.TypeDappRequest {
		h.log.Debugw("ignoring message", "type", msg.Type, "tabId", tab.ID)
		return
	}
	req, err := transport.Decode[protocol.DappRequest](msg, protocol.TypeDappRequest)
	if err != nil {
		h.log.Debugw("invalid dapp request", "tabId", tab.ID, "error", err)
		if id := requestIDOf(msg); id != "" {
			h.sendError(tab, id, err)
		}
		return
	}
	origin := tab.Origin()
	if origin == "" {
		h.sendError(tab, req.RequestID, protocol.UnauthorizedError())
		return
	}
	h.log.Debugw("dapp request", "requestId", req.RequestID, "method", req.Request.Method, "origin", origin)

	switch req.Request.Method {
	case protocol.MethodRequestAccounts:
		h.GetAccountRequest(ctx, req, tab)
	case protocol.MethodAccounts:
		r.accounts(ctx, req, tab, origin)
	case protocol.MethodChainID, protocol.MethodNetVersion:
		r.chainID(ctx, req, tab, origin)
	case protocol.MethodSwitchChain:
		r.switchChain(ctx, req, tab, origin)
	case protocol.MethodRevoke:
		r.revoke(ctx, req, tab, origin)
	default:
		h.sendError(tab, req.RequestID, protocol.UnsupportedMethodError(req.Request.Method))
	}
}

// accounts answers eth_accounts from the stored connection. Without an
// active wallet account or a stored connection the dapp is unauthorized.
func (r *Router) accounts(ctx context.Context, req protocol.DappRequest, tab core.SenderTabInfo, origin string) {
	h := r.h
	account, err := h.accounts.SelectActiveAccount(ctx)
	if err != nil {
		h.sendError(tab, req.RequestID, err)
		return
	}
	info, found, err := h.store.GetDappInfo(ctx, origin)
	if err != nil {
		h.sendError(tab, req.RequestID, err)
		return
	}
	if account == nil || !found || len(info.ConnectedAccounts) == 0 {
		h.sendError(tab, req.RequestID, protocol.UnauthorizedError())
		return
	}
	if err := h.GetAccount(ctx, req, tab, info); err != nil {
		h.log.Warnw("get account failed", "requestId", req.RequestID, "origin", origin, "error", err)
	}
}

func (r *Router) chainID(ctx context.Context, req protocol.DappRequest, tab core.SenderTabInfo, origin string) {
	h := r.h
	info, _, err := h.store.GetDappInfo(ctx, origin)
	if err != nil {
		h.sendError(tab, req.RequestID, err)
		return
	}
	chainID := h.chainFor(info)
	if req.Request.Method == protocol.MethodNetVersion {
		result, _ := json.Marshal(strconv.FormatUint(uint64(chainID), 10))
		h.send(tab, protocol.TypeResultResponse, protocol.NewResultResponse(req.RequestID, result))
		return
	}
	h.send(tab, protocol.TypeChainIDResponse, protocol.NewChainIDResponse(req.RequestID, chainID))
}

type switchChainParam struct {
	ChainID string `json:"chainId"`
}

func (r *Router) switchChain(ctx context.Context, req protocol.DappRequest, tab core.SenderTabInfo, origin string) {
	h := r.h
	params, ok := req.Request.ParamsArray()
	if !ok || len(params) != 1 {
		h.sendError(tab, req.RequestID, protocol.InvalidParamsError("expected [{chainId}]"))
		return
	}
	var p switchChainParam
	if err := json.Unmarshal(params[0], &p); err != nil {
		h.sendError(tab, req.RequestID, protocol.InvalidParamsError("expected [{chainId}]"))
		return
	}
	chainID, err := core.ParseChainID(p.ChainID)
	if err != nil {
		h.sendError(tab, req.RequestID, protocol.InvalidParamsError("chainId must be a hex quantity"))
		return
	}
	if _, err := h.providers.GetProvider(ctx, chainID); err != nil {
		h.sendError(tab, req.RequestID, protocol.UnrecognizedChainError(chainID.Hex()))
		return
	}
	info, err := h.store.SaveLastChain(ctx, origin, chainID)
	if errors.Is(err, dapps.ErrNotFound) {
		h.sendError(tab, req.RequestID, protocol.UnauthorizedError())
		return
	}
	if err != nil {
		h.sendError(tab, req.RequestID, err)
		return
	}
	h.send(tab, protocol.TypeResultResponse, protocol.NewResultResponse(req.RequestID, nil))
	h.analytics.SendAnalyticsEvent(EventDappChangeChain, map[string]any{
		"dappUrl": info.Origin,
		"chainId": chainID.Hex(),
	})
	r.broadcast(origin, protocol.EventChainChanged, chainID.Hex())
}

func (r *Router) revoke(ctx context.Context, req protocol.DappRequest, tab core.SenderTabInfo, origin string) {
	if _, err := r.Disconnect(ctx, origin); err != nil {
		r.h.sendError(tab, req.RequestID, err)
		return
	}
	r.h.send(tab, protocol.TypeResultResponse, protocol.NewResultResponse(req.RequestID, nil))
}

// Disconnect forgets origin and tells its open tabs that no account is
// exposed any more. It reports whether the dapp was connected.
func (r *Router) Disconnect(ctx context.Context, origin string) (bool, error) {
	key, err := core.CanonicalOrigin(origin)
	if err != nil {
		return false, err
	}
	removed, err := r.h.store.RemoveDappConnection(ctx, key)
	if err != nil || !removed {
		return false, err
	}
	r.h.analytics.SendAnalyticsEvent(EventDappDisconnect, map[string]any{"dappUrl": key})
	r.broadcast(key, protocol.EventAccountsChanged, []string{})
	return true, nil
}

func (r *Router) broadcast(origin, event string, data any) {
	if r.broadcaster == nil {
		return
	}
	ev, err := protocol.NewProviderEvent(event, data)
	if err != nil {
		return
	}
	msg, err := transport.NewMessage(protocol.TypeProviderEvent, ev)
	if err != nil {
		return
	}
	n := r.broadcaster.Broadcast(origin, msg)
	r.h.log.Debugw("broadcast provider event", "origin", origin, "event", event, "tabs", n)
}

func requestIDOf(msg transport.Message) string {
	var head struct {
		RequestID string `json:"requestId"`
	}
	if json.Unmarshal(msg.Data, &head) != nil {
		return ""
	}
	return head.RequestID
}
