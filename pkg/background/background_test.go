package background

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/dapps"
	"github.com/rexliu/dappbridge/pkg/protocol"
	"github.com/rexliu/dappbridge/pkg/transport"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

const mainnetURL = "https://mainnet.rpc.example"

type fakeProviders struct {
	fail error
}

func (f fakeProviders) GetProvider(_ context.Context, chainID core.ChainID) (core.ChainProvider, error) {
	if f.fail != nil {
		return core.ChainProvider{}, f.fail
	}
	switch chainID {
	case core.MainnetChainID:
		return core.ChainProvider{ChainID: chainID, Connection: core.Connection{URL: mainnetURL}}, nil
	case 137:
		return core.ChainProvider{ChainID: chainID, Connection: core.Connection{URL: "https://polygon.rpc.example"}}, nil
	}
	return core.ChainProvider{}, errors.New("unknown chain")
}

type fakeAccounts struct {
	mu      sync.Mutex
	account *core.Account
}

func (f *fakeAccounts) SelectActiveAccount(context.Context) (*core.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account, nil
}

func (f *fakeAccounts) set(addr common.Address) {
	f.mu.Lock()
	f.account = &core.Account{Address: addr}
	f.mu.Unlock()
}

type recorder struct {
	mu            sync.Mutex
	sent          []transport.Message
	events        map[string]int
	notifications []core.Notification
	broadcasts    []transport.Message
}

func newRecorder() *recorder {
	return &recorder{events: map[string]int{}}
}

func (r *recorder) SendToTab(_ int, msg transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) SendAnalyticsEvent(name string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[name]++
}

func (r *recorder) PushNotification(n core.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recorder) Broadcast(_ string, msg transport.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, msg)
	return 1
}

func (r *recorder) last(t *testing.T) transport.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		t.Fatal("nothing sent to tab")
	}
	return r.sent[len(r.sent)-1]
}

type fixture struct {
	store    *dapps.Store
	accounts *fakeAccounts
	rec      *recorder
	h        *Handlers
	router   *Router
}

func newFixture(providers ProviderLookup) *fixture {
	f := &fixture{
		store:    dapps.NewStore(dapps.NewMemoryBackend()),
		accounts: &fakeAccounts{},
		rec:      newRecorder(),
	}
	f.h = NewHandlers(Deps{
		Store:     f.store,
		Providers: providers,
		Accounts:  f.accounts,
		Analytics: f.rec,
		Notifier:  f.rec,
		Tabs:      f.rec,
	})
	f.router = NewRouter(f.h, f.rec)
	return f
}

var tab = core.SenderTabInfo{ID: 4, URL: "https://app.example/swap", FavIconURL: "https://app.example/icon.png"}

func dappRequest(t *testing.T, id, method string, params any) protocol.DappRequest {
	t.Helper()
	req, err := protocol.NewRequest(method, params)
	if err != nil {
		t.Fatal(err)
	}
	return protocol.DappRequest{RequestID: id, Request: req}
}

func TestSaveAccountFirstConnectionNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fakeProviders{})
	f.accounts.set(addrA)

	snap, err := f.h.SaveAccount(ctx, tab)
	if err != nil || snap == nil {
		t.Fatalf("save account: %v / %v", snap, err)
	}
	if snap.DappURL != "https://app.example" || snap.ChainID != core.MainnetChainID || snap.ProviderURL != mainnetURL {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(f.rec.notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(f.rec.notifications))
	}
	n := f.rec.notifications[0]
	if n.Type != core.NotificationDappConnected || n.DappURL != "https://app.example" || n.IconURL != tab.FavIconURL {
		t.Fatalf("unexpected notification %+v", n)
	}

	if _, err := f.h.SaveAccount(ctx, tab); err != nil {
		t.Fatal(err)
	}
	f.accounts.set(addrB)
	snap, err = f.h.SaveAccount(ctx, tab)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.rec.notifications) != 1 {
		t.Fatalf("repeat connections must not notify, got %d", len(f.rec.notifications))
	}
	if len(snap.ConnectedAddresses) != 2 || snap.ConnectedAddresses[0] != addrB {
		t.Fatalf("active account must lead: %v", snap.ConnectedAddresses)
	}
}

func TestSaveAccountMissingInputs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fakeProviders{})
	if snap, err := f.h.SaveAccount(ctx, tab); snap != nil || err != nil {
		t.Fatalf("no active account must yield nil, nil; got %v / %v", snap, err)
	}
	f.accounts.set(addrA)
	if snap, err := f.h.SaveAccount(ctx, core.SenderTabInfo{ID: 1}); snap != nil || err != nil {
		t.Fatalf("no origin must yield nil, nil; got %v / %v", snap, err)
	}
	if all, _ := f.store.List(ctx); len(all) != 0 {
		t.Fatalf("nothing should be stored: %+v", all)
	}
}

func TestGetAccountRequestUnauthorized(t *testing.T) {
	f := newFixture(fakeProviders{})
	f.h.GetAccountRequest(context.Background(), dappRequest(t, "r1", protocol.MethodRequestAccounts, nil), tab)

	resp, err := transport.Decode[protocol.ErrorResponse](f.rec.last(t), protocol.TypeErrorResponse)
	if err != nil {
		t.Fatalf("expected ErrorResponse: %v", err)
	}
	if resp.RequestID != "r1" || resp.Error.Code != protocol.CodeUnauthorized {
		t.Fatalf("unexpected response %+v", resp)
	}
	if f.rec.events[EventDappConnectRequest] != 0 {
		t.Fatal("analytics must not fire on failure")
	}
}

func TestGetAccountRequestSuccess(t *testing.T) {
	f := newFixture(fakeProviders{})
	f.accounts.set(addrA)
	f.h.GetAccountRequest(context.Background(), dappRequest(t, "r1", protocol.MethodRequestAccounts, nil), tab)

	resp, err := transport.Decode[protocol.AccountResponse](f.rec.last(t), protocol.TypeAccountResponse)
	if err != nil {
		t.Fatalf("expected AccountResponse: %v", err)
	}
	if len(resp.ConnectedAddresses) != 1 || resp.ConnectedAddresses[0] != addrA.Hex() {
		t.Fatalf("unexpected addresses %v", resp.ConnectedAddresses)
	}
	if resp.ChainID != "0x1" || resp.ProviderURL != mainnetURL {
		t.Fatalf("unexpected chain info %+v", resp)
	}
	if f.rec.events[EventDappConnectRequest] != 1 || len(f.rec.notifications) != 1 {
		t.Fatalf("expected one analytics event and one notification, got %v / %d", f.rec.events, len(f.rec.notifications))
	}
}

func TestProviderFailurePropagates(t *testing.T) {
	f := newFixture(fakeProviders{fail: errors.New("dial tcp 10.0.0.1:8545: refused")})
	f.accounts.set(addrA)

	f.h.GetAccountRequest(context.Background(), dappRequest(t, "r1", protocol.MethodRequestAccounts, nil), tab)
	resp, err := transport.Decode[protocol.ErrorResponse](f.rec.last(t), protocol.TypeErrorResponse)
	if err != nil {
		t.Fatalf("expected ErrorResponse: %v", err)
	}
	if resp.Error.Code != protocol.CodeInternal || resp.Error.Message != "Internal error" {
		t.Fatalf("collaborator failure must be sanitized, got %+v", resp.Error)
	}

	info := core.DappInfo{Origin: "https://app.example", ConnectedAccounts: []common.Address{addrA}, ActiveConnectedAddress: addrA}
	if err := f.h.GetAccount(context.Background(), dappRequest(t, "r2", protocol.MethodAccounts, nil), tab, info); err == nil {
		t.Fatal("GetAccount must report provider failure")
	}
	if _, err := transport.Decode[protocol.ErrorResponse](f.rec.last(t), protocol.TypeErrorResponse); err != nil {
		t.Fatalf("GetAccount must send ErrorResponse: %v", err)
	}
}

func TestGetAccountUsesLastChainAndOrder(t *testing.T) {
	f := newFixture(fakeProviders{})
	info := core.DappInfo{
		Origin:                 "https://app.example",
		ConnectedAccounts:      []common.Address{addrA, addrB},
		ActiveConnectedAddress: addrB,
		LastChainID:            137,
	}
	if err := f.h.GetAccount(context.Background(), dappRequest(t, "r1", protocol.MethodAccounts, nil), tab, info); err != nil {
		t.Fatal(err)
	}
	resp, err := transport.Decode[protocol.AccountResponse](f.rec.last(t), protocol.TypeAccountResponse)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ChainID != "0x89" || resp.ConnectedAddresses[0] != addrB.Hex() || resp.ConnectedAddresses[1] != addrA.Hex() {
		t.Fatalf("unexpected response %+v", resp)
	}
	if f.rec.events[EventDappConnect] != 1 {
		t.Fatalf("expected DappConnect event, got %v", f.rec.events)
	}
}

func TestRouterDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fakeProviders{})
	route := func(id, method string, params any) transport.Message {
		t.Helper()
		f.router.HandleMessage(ctx, transport.MustMessage(protocol.TypeDappRequest, dappRequest(t, id, method, params)), tab)
		return f.rec.last(t)
	}
	errCode := func(msg transport.Message) int {
		t.Helper()
		resp, err := transport.Decode[protocol.ErrorResponse](msg, protocol.TypeErrorResponse)
		if err != nil {
			t.Fatalf("expected ErrorResponse, got %s: %v", msg.Type, err)
		}
		return resp.Error.Code
	}

	if code := errCode(route("1", protocol.MethodAccounts, nil)); code != protocol.CodeUnauthorized {
		t.Fatalf("eth_accounts before connecting: expected 4100, got %d", code)
	}
	if msg := route("2", protocol.MethodChainID, nil); msg.Type != protocol.TypeChainIDResponse {
		t.Fatalf("eth_chainId: unexpected %s", msg.Type)
	}

	f.accounts.set(addrA)
	if msg := route("3", protocol.MethodRequestAccounts, nil); msg.Type != protocol.TypeAccountResponse {
		t.Fatalf("eth_requestAccounts: unexpected %s", msg.Type)
	}
	if msg := route("4", protocol.MethodAccounts, nil); msg.Type != protocol.TypeAccountResponse {
		t.Fatalf("eth_accounts after connecting: unexpected %s", msg.Type)
	}

	switchParams := []any{map[string]string{"chainId": "0x89"}}
	if msg := route("5", protocol.MethodSwitchChain, switchParams); msg.Type != protocol.TypeResultResponse {
		t.Fatalf("switch chain: unexpected %s", msg.Type)
	}
	if len(f.rec.broadcasts) != 1 {
		t.Fatalf("expected chainChanged broadcast, got %d", len(f.rec.broadcasts))
	}
	chainResp, _ := transport.Decode[protocol.ChainIDResponse](route("6", protocol.MethodChainID, nil), protocol.TypeChainIDResponse)
	if chainResp.ChainID != "0x89" {
		t.Fatalf("expected switched chain, got %s", chainResp.ChainID)
	}
	netResp, _ := transport.Decode[protocol.ResultResponse](route("6b", protocol.MethodNetVersion, nil), protocol.TypeResultResponse)
	if string(netResp.Result) != `"137"` {
		t.Fatalf("unexpected net_version %s", netResp.Result)
	}

	if code := errCode(route("7", protocol.MethodSwitchChain, []any{map[string]string{"chainId": "0x5"}})); code != protocol.CodeUnrecognizedChain {
		t.Fatalf("unknown chain: expected 4902, got %d", code)
	}
	if code := errCode(route("8", protocol.MethodSwitchChain, []any{})); code != protocol.CodeInvalidParams {
		t.Fatalf("bad params: expected -32602, got %d", code)
	}
	if code := errCode(route("9", "eth_sendTransaction", []any{})); code != protocol.CodeUnsupportedMethod {
		t.Fatalf("unsupported: expected 4200, got %d", code)
	}

	if msg := route("10", protocol.MethodRevoke, []any{map[string]any{"eth_accounts": map[string]any{}}}); msg.Type != protocol.TypeResultResponse {
		t.Fatalf("revoke: unexpected %s", msg.Type)
	}
	if code := errCode(route("11", protocol.MethodAccounts, nil)); code != protocol.CodeUnauthorized {
		t.Fatalf("eth_accounts after revoke: expected 4100, got %d", code)
	}
}

func TestRouterRejectsInvalidPayload(t *testing.T) {
	f := newFixture(fakeProviders{})
	f.router.HandleMessage(context.Background(), transport.Message{
		Type: protocol.TypeDappRequest,
		Data: json.RawMessage(`{"requestId":"bad","request":{"method":42}}`),
	}, tab)
	resp, err := transport.Decode[protocol.ErrorResponse](f.rec.last(t), protocol.TypeErrorResponse)
	if err != nil {
		t.Fatal(err)
	}
	if resp.RequestID != "bad" || resp.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("unexpected response %+v", resp)
	}

	f.router.HandleMessage(context.Background(), transport.Message{Type: "Other"}, tab)
	if len(f.rec.sent) != 1 {
		t.Fatal("unknown message types must be ignored")
	}
}

func TestClosedTabIsTolerated(t *testing.T) {
	f := newFixture(fakeProviders{})
	f.h.tabs = closedTabs{}
	f.accounts.set(addrA)
	f.h.GetAccountRequest(context.Background(), dappRequest(t, "r1", protocol.MethodRequestAccounts, nil), tab)
	if info, found, _ := f.store.GetDappInfo(context.Background(), tab.URL); !found || info.ActiveConnectedAddress != addrA {
		t.Fatal("connection should still be stored when the tab is gone")
	}
}

type closedTabs struct{}

func (closedTabs) SendToTab(int, transport.Message) error { return errors.New("tab closed") }

func TestDisconnectBroadcastsEmptyAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fakeProviders{})
	if removed, err := f.router.Disconnect(ctx, "https://app.example"); err != nil || removed {
		t.Fatalf("disconnect unknown dapp: %v / %v", removed, err)
	}
	if len(f.rec.broadcasts) != 0 {
		t.Fatal("nothing to broadcast for an unknown dapp")
	}

	f.store.SaveDappConnection(ctx, "https://app.example", addrA)
	removed, err := f.router.Disconnect(ctx, "HTTPS://APP.example:443/settings")
	if err != nil || !removed {
		t.Fatalf("disconnect: %v / %v", removed, err)
	}
	if f.rec.events[EventDappDisconnect] != 1 {
		t.Fatalf("expected DappDisconnect event, got %v", f.rec.events)
	}
	ev, err := transport.Decode[protocol.ProviderEvent](f.rec.broadcasts[0], protocol.TypeProviderEvent)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Event != protocol.EventAccountsChanged || string(ev.Data) != "[]" {
		t.Fatalf("unexpected broadcast %+v", ev)
	}
	if _, err := f.router.Disconnect(ctx, "not a url"); err == nil {
		t.Fatal("expected invalid origin error")
	}
}
