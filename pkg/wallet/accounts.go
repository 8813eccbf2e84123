package wallet

import (
	"context"

	"github.com/rexliu/dappbridge/pkg/core"
)

// ActiveAccountStore is implemented by storage/sqlite.Store.
type ActiveAccountStore interface {
	ActiveAccount(ctx context.Context) (*core.Account, error)
}

// StoredAccounts selects the active account persisted in the profile.
type StoredAccounts struct {
	Store ActiveAccountStore
}

func (a StoredAccounts) SelectActiveAccount(ctx context.Context) (*core.Account, error) {
	return a.Store.ActiveAccount(ctx)
}
