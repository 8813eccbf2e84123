package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/dapps"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	addrC = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"), WithJournalMode("wal"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestSaveLoadPreservesOrder(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	info := core.DappInfo{
		Origin:                 "https://app.example",
		ConnectedAccounts:      []common.Address{addrC, addrA, addrB},
		ActiveConnectedAddress: addrC,
		LastChainID:            137,
		CreatedAt:              1,
		UpdatedAt:              2,
	}
	if err := store.Save(ctx, info); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, found, err := store.Load(ctx, info.Origin)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got.ActiveConnectedAddress != addrC || got.LastChainID != 137 || got.CreatedAt != 1 {
		t.Fatalf("unexpected record %+v", got)
	}
	want := []common.Address{addrC, addrA, addrB}
	for i := range want {
		if got.ConnectedAccounts[i] != want[i] {
			t.Fatalf("order lost: %v", got.ConnectedAccounts)
		}
	}

	info.ConnectedAccounts = []common.Address{addrB}
	info.ActiveConnectedAddress = addrB
	if err := store.Save(ctx, info); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, _, _ = store.Load(ctx, info.Origin)
	if len(got.ConnectedAccounts) != 1 || got.ConnectedAccounts[0] != addrB {
		t.Fatalf("stale accounts after resave: %v", got.ConnectedAccounts)
	}

	if _, found, err := store.Load(ctx, "https://missing.example"); found || err != nil {
		t.Fatalf("expected not found, got found=%v err=%v", found, err)
	}
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	for _, origin := range []string{"https://b.example", "https://a.example"} {
		store.Save(ctx, core.DappInfo{Origin: origin, ConnectedAccounts: []common.Address{addrA}, ActiveConnectedAddress: addrA})
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Origin != "https://a.example" {
		t.Fatalf("unexpected list %+v", all)
	}
	removed, err := store.Delete(ctx, "https://a.example")
	if err != nil || !removed {
		t.Fatalf("delete: %v / %v", removed, err)
	}
	removed, err = store.Delete(ctx, "https://a.example")
	if err != nil || removed {
		t.Fatalf("second delete: %v / %v", removed, err)
	}
}

func TestBacksDappStore(t *testing.T) {
	ctx := context.Background()
	s := dapps.NewStore(openStore(t))
	s.SaveDappConnection(ctx, "https://app.example", addrA)
	s.SaveDappConnection(ctx, "https://app.example", addrB)
	s.SaveDappConnection(ctx, "https://app.example", addrA)
	got, err := s.GetDappOrderedConnectedAddresses(ctx, "https://app.example")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != addrA || got[1] != addrB {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestActiveAccount(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	acct, err := store.ActiveAccount(ctx)
	if err != nil || acct != nil {
		t.Fatalf("expected no active account, got %v / %v", acct, err)
	}
	if err := store.SetActiveAccount(ctx, core.Account{Address: addrA, Name: "main"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetActiveAccount(ctx, core.Account{Address: addrB}); err != nil {
		t.Fatalf("set: %v", err)
	}
	acct, err = store.ActiveAccount(ctx)
	if err != nil || acct == nil || acct.Address != addrB {
		t.Fatalf("unexpected active account %v / %v", acct, err)
	}
	accounts, err := store.Accounts(ctx)
	if err != nil || len(accounts) != 2 {
		t.Fatalf("unexpected accounts %v / %v", accounts, err)
	}
	if err := store.ClearActiveAccount(ctx); err != nil {
		t.Fatal(err)
	}
	if acct, _ := store.ActiveAccount(ctx); acct != nil {
		t.Fatalf("expected cleared, got %v", acct)
	}
	if err := store.SetActiveAccount(ctx, core.Account{}); err == nil {
		t.Fatal("expected error for zero address")
	}
}
