package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/extension"
	"github.com/rexliu/dappbridge/pkg/history"
	"github.com/rexliu/dappbridge/pkg/ipc"
	"github.com/rexliu/dappbridge/pkg/relay"
	"github.com/rexliu/dappbridge/pkg/transport"
)

func (d *daemon) registerHandlers(srv *ipc.Server) {
	srv.Register("ping", pingHandler(d.logger))
	srv.Register(relay.MethodConnectTab, d.handleConnectTab)
	srv.Register(relay.MethodDappMessage, d.handleDappMessage)
	srv.Register("subscribe", d.handleSubscribe)
	srv.Register("list_dapps", d.handleListDapps)
	srv.Register("get_dapp", d.handleGetDapp)
	srv.Register("disconnect_dapp", d.handleDisconnectDapp)
	srv.Register("accounts", d.handleAccounts)
	srv.Register("set_active_account", d.handleSetActiveAccount)
	srv.Register("tabs", d.handleTabs)
	srv.Register("networks", d.handleNetworks)
	srv.Register("vcs_status", d.handleVCSStatus)
	srv.Register("vcs_push", d.handleVCSPush)
	srv.Register("vcs_pull", d.handleVCSPull)
}

func pingHandler(logger interface {
	Debugw(string, ...any)
}) ipc.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
		now := time.Now().UnixMilli()
		logger.Debugw("received ping", "now", now)
		return map[string]any{"now": now}, nil
	}
}

func decodeParams(params json.RawMessage, v any) *ipc.Error {
	if len(params) == 0 {
		return ipc.Errorf(ipc.CodeInvalidRequest, "params required", nil)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return ipc.Errorf(ipc.CodeInvalidRequest, "invalid params", map[string]any{"error": err.Error()})
	}
	return nil
}

// handleConnectTab opens a runtime port for a tab owned by the calling
// connection. Background replies to the tab are pushed back as tab_message.
func (d *daemon) handleConnectTab(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	conn, ok := ipc.ConnFromContext(ctx)
	if !ok {
		return nil, ipc.Errorf(ipc.CodeInternal, "no connection", nil)
	}
	var p relay.ConnectTabParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Tab.ID < 0 || p.Tab.URL == "" {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, "tab id and url required", nil)
	}
	port := d.runtime.Connect(p.Tab)
	tabID := p.Tab.ID
	sub := port.Subscribe(func(msg transport.Message) {
		if err := conn.Push(relay.TopicTabMessage, relay.TabMessage{TabID: tabID, Message: msg}); err != nil {
			d.logger.Debugw("push to tab failed", "tabId", tabID, "error", err)
		}
	})
	key := portKey{conn: conn.ID(), tab: tabID}
	d.portMu.Lock()
	old := d.ports[key]
	d.ports[key] = port
	d.portMu.Unlock()
	if old != nil {
		old.Close()
	}
	conn.OnClose(func() {
		sub.Unsubscribe()
		d.portMu.Lock()
		if d.ports[key] == port {
			delete(d.ports, key)
		}
		d.portMu.Unlock()
		port.Close()
	})
	d.logger.Debugw("tab connected", "tabId", tabID, "origin", p.Tab.Origin(), "conn", conn.ID())
	return relay.ConnectTabResult{TabID: tabID, Origin: p.Tab.Origin()}, nil
}

func (d *daemon) handleDappMessage(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	conn, ok := ipc.ConnFromContext(ctx)
	if !ok {
		return nil, ipc.Errorf(ipc.CodeInternal, "no connection", nil)
	}
	var p relay.TabMessage
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	d.portMu.Lock()
	port := d.ports[portKey{conn: conn.ID(), tab: p.TabID}]
	d.portMu.Unlock()
	if port == nil {
		return nil, ipc.Errorf(ipc.CodeNotFound, "tab not connected", map[string]any{"tabId": p.TabID})
	}
	if err := port.Send(p.Message); err != nil {
		code := ipc.CodeUnavailable
		if errors.Is(err, extension.ErrNoHandler) {
			code = ipc.CodeInternal
		}
		return nil, ipc.Errorf(code, err.Error(), nil)
	}
	return map[string]any{"accepted": true}, nil
}

// handleSubscribe streams hub events to the caller until it disconnects.
func (d *daemon) handleSubscribe(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	conn, ok := ipc.ConnFromContext(ctx)
	if !ok {
		return nil, ipc.Errorf(ipc.CodeInternal, "no connection", nil)
	}
	var p struct {
		Topics []string `json:"topics"`
	}
	if len(params) > 0 {
		if rpcErr := decodeParams(params, &p); rpcErr != nil {
			return nil, rpcErr
		}
	}
	client := d.hub.register(p.Topics)
	conn.OnClose(func() { d.hub.unregister(client) })
	go func() {
		for {
			select {
			case <-conn.Context().Done():
				return
			case ev, ok := <-client.send:
				if !ok {
					return
				}
				if err := conn.Push(ev.topic, ev.data); err != nil {
					return
				}
			}
		}
	}()
	return map[string]any{"topics": p.Topics}, nil
}

func (d *daemon) handleListDapps(ctx context.Context, _ json.RawMessage) (any, *ipc.Error) {
	infos, err := d.store.List(ctx)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeStorage, err.Error(), nil)
	}
	if infos == nil {
		infos = []core.DappInfo{}
	}
	return map[string]any{"dapps": infos}, nil
}

type originParams struct {
	Origin string `json:"origin"`
}

func (d *daemon) handleGetDapp(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p originParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	info, found, err := d.store.GetDappInfo(ctx, p.Origin)
	if errors.Is(err, core.ErrInvalidOrigin) {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, err.Error(), nil)
	}
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeStorage, err.Error(), nil)
	}
	if !found {
		return nil, ipc.Errorf(ipc.CodeNotFound, "dapp not connected", map[string]any{"origin": p.Origin})
	}
	return map[string]any{
		"dapp":    info,
		"ordered": core.AddressStrings(core.OrderedConnectedAddresses(info)),
	}, nil
}

func (d *daemon) handleDisconnectDapp(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p originParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	removed, err := d.router.Disconnect(ctx, p.Origin)
	if errors.Is(err, core.ErrInvalidOrigin) {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, err.Error(), nil)
	}
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeStorage, err.Error(), nil)
	}
	return map[string]any{"removed": removed}, nil
}

func (d *daemon) handleAccounts(ctx context.Context, _ json.RawMessage) (any, *ipc.Error) {
	accounts, err := d.db.Accounts(ctx)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeStorage, err.Error(), nil)
	}
	active, err := d.db.ActiveAccount(ctx)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeStorage, err.Error(), nil)
	}
	if accounts == nil {
		accounts = []core.Account{}
	}
	return map[string]any{"accounts": accounts, "active": active}, nil
}

func (d *daemon) handleSetActiveAccount(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := core.ParseAddress(p.Address)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, err.Error(), nil)
	}
	acct := core.Account{Address: addr, Name: p.Name}
	if err := d.db.SetActiveAccount(ctx, acct); err != nil {
		return nil, ipc.Errorf(ipc.CodeStorage, err.Error(), nil)
	}
	d.hub.Publish(topicAccountChanged, acct)
	return map[string]any{"active": acct}, nil
}

func (d *daemon) handleTabs(context.Context, json.RawMessage) (any, *ipc.Error) {
	return map[string]any{"tabs": d.runtime.Tabs()}, nil
}

func (d *daemon) handleNetworks(context.Context, json.RawMessage) (any, *ipc.Error) {
	return map[string]any{
		"networks":     d.networks.List(),
		"defaultChain": core.ChainID(d.cfg.Wallet.DefaultChainID),
	}, nil
}

func (d *daemon) handleVCSStatus(ctx context.Context, _ json.RawMessage) (any, *ipc.Error) {
	if d.repo == nil {
		return map[string]any{"enabled": false}, nil
	}
	head, err := d.repo.Head()
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeVCS, err.Error(), nil)
	}
	return map[string]any{"enabled": true, "head": head, "remote": d.cfg.VCS.Remote.URL}, nil
}

func (d *daemon) handleVCSPush(ctx context.Context, _ json.RawMessage) (any, *ipc.Error) {
	if d.repo == nil {
		return nil, ipc.Errorf(ipc.CodeVCS, "git repo unavailable", nil)
	}
	if err := d.repo.Push(ctx); err != nil {
		return nil, ipc.Errorf(ipc.CodeVCS, err.Error(), nil)
	}
	return map[string]any{"status": "ok"}, nil
}

// handleVCSPull fast-forwards the history repo and loads the pulled snapshot
// into the store.
func (d *daemon) handleVCSPull(ctx context.Context, _ json.RawMessage) (any, *ipc.Error) {
	if d.repo == nil {
		return nil, ipc.Errorf(ipc.CodeVCS, "git repo unavailable", nil)
	}
	if err := d.repo.Pull(ctx); err != nil {
		return nil, ipc.Errorf(ipc.CodeVCS, err.Error(), nil)
	}
	snap, err := history.ReadSnapshot(d.historyDir)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeVCS, err.Error(), nil)
	}
	if err := d.store.Restore(ctx, snap.Dapps); err != nil {
		return nil, ipc.Errorf(ipc.CodeStorage, err.Error(), nil)
	}
	return map[string]any{"dapps": snap.Dapps}, nil
}
