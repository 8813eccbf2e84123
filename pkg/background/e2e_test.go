package background_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rexliu/dappbridge/pkg/background"
	"github.com/rexliu/dappbridge/pkg/config"
	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/dapps"
	"github.com/rexliu/dappbridge/pkg/extension"
	"github.com/rexliu/dappbridge/pkg/protocol"
	"github.com/rexliu/dappbridge/pkg/provider"
	"github.com/rexliu/dappbridge/pkg/relay"
	"github.com/rexliu/dappbridge/pkg/transport"
	"github.com/rexliu/dappbridge/pkg/wallet"
)

const mainnetRPC = "https://mainnet.rpc.example"

type activeAccount struct {
	mu   sync.Mutex
	acct *core.Account
}

func (a *activeAccount) ActiveAccount(context.Context) (*core.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acct, nil
}

type counters struct {
	mu            sync.Mutex
	events        map[string]int
	notifications []core.Notification
}

func (c *counters) SendAnalyticsEvent(name string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[name]++
}

func (c *counters) PushNotification(n core.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, n)
}

type stack struct {
	provider *provider.Provider
	accounts *activeAccount
	counters *counters
	store    *dapps.Store
	runtime  *extension.Runtime
}

// newStack wires page provider, relay, extension runtime and background
// router the way a browser tab is wired.
func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{
		accounts: &activeAccount{},
		counters: &counters{events: map[string]int{}},
		store:    dapps.NewStore(dapps.NewMemoryBackend()),
		runtime:  extension.NewRuntime(nil),
	}
	networks := wallet.NewNetworks([]config.Network{{Name: "mainnet", ChainID: 1, RPCURL: mainnetRPC}})
	h := background.NewHandlers(background.Deps{
		Store:     s.store,
		Providers: networks,
		Accounts:  wallet.StoredAccounts{Store: s.accounts},
		Analytics: s.counters,
		Notifier:  s.counters,
		Tabs:      s.runtime,
	})
	router := background.NewRouter(h, s.runtime)
	s.runtime.OnMessage(router.HandleMessage)

	page := transport.NewWindow()
	port := s.runtime.Connect(core.SenderTabInfo{ID: 1, URL: "https://dapp.example/app", FavIconURL: "https://dapp.example/favicon.ico"})
	r := relay.New(page, port, nil)
	r.Start()
	s.provider = provider.New(page, provider.WithTimeout(2*time.Second))
	t.Cleanup(func() {
		s.provider.Close()
		r.Stop()
		s.runtime.Close()
	})
	return s
}

func TestEndToEndRequestAccountsUnauthorized(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := s.provider.Request(ctx, map[string]any{"method": protocol.MethodRequestAccounts})
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPC error, got %v", err)
	}
	if rpcErr.Code != protocol.CodeUnauthorized {
		t.Fatalf("expected 4100, got %d", rpcErr.Code)
	}
	msg := strings.ToLower(rpcErr.Message)
	if !strings.Contains(msg, "unauthorized") && !strings.Contains(msg, "not connected") {
		t.Fatalf("message does not mention authorization: %q", rpcErr.Message)
	}
	if list, _ := s.store.List(ctx); len(list) != 0 {
		t.Fatalf("nothing should be stored, got %+v", list)
	}
}

func TestEndToEndRequestAccountsFirstConnection(t *testing.T) {
	s := newStack(t)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	s.accounts.acct = &core.Account{Address: addr}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	connects := make(chan provider.Event, 1)
	sub := s.provider.On(protocol.EventConnect, connects)
	defer sub.Unsubscribe()

	accounts, err := s.provider.Enable(ctx)
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if len(accounts) != 1 || !strings.EqualFold(accounts[0], addr.Hex()) {
		t.Fatalf("unexpected accounts %v", accounts)
	}
	if s.provider.ChainID() != "0x1" || s.provider.ProviderURL() != mainnetRPC {
		t.Fatalf("provider state chain=%s url=%s", s.provider.ChainID(), s.provider.ProviderURL())
	}
	select {
	case ev := <-connects:
		var info protocol.ConnectInfo
		if err := json.Unmarshal(ev.Data, &info); err != nil || info.ChainID != "0x1" {
			t.Fatalf("unexpected connect event %s (%v)", ev.Data, err)
		}
	case <-time.After(time.Second):
		t.Fatal("no connect event")
	}

	s.runtime.Wait()
	s.counters.mu.Lock()
	if len(s.counters.notifications) != 1 || s.counters.notifications[0].Type != core.NotificationDappConnected {
		t.Fatalf("expected one dapp connected notification, got %+v", s.counters.notifications)
	}
	if n := s.counters.events[background.EventDappConnectRequest]; n != 1 {
		t.Fatalf("expected one DappConnectRequest event, got %d", n)
	}
	s.counters.mu.Unlock()

	if _, err := s.provider.Enable(ctx); err != nil {
		t.Fatalf("second enable: %v", err)
	}
	s.runtime.Wait()
	s.counters.mu.Lock()
	defer s.counters.mu.Unlock()
	if len(s.counters.notifications) != 1 {
		t.Fatalf("reconnecting must not notify again, got %d", len(s.counters.notifications))
	}
}

func TestEndToEndUndrainedConnectListener(t *testing.T) {
	s := newStack(t)
	s.accounts.acct = &core.Account{Address: common.HexToAddress("0x00000000000000000000000000000000000000a1")}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	connects := make(chan provider.Event)
	sub := s.provider.On(protocol.EventConnect, connects)
	defer sub.Unsubscribe()

	if _, err := s.provider.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	select {
	case <-connects:
	case <-time.After(time.Second):
		t.Fatal("connect event never delivered")
	}
	s.runtime.Wait()
}
