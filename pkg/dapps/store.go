// Package dapps is the per-origin connection store. Every operation
// canonicalizes its origin first, and read-modify-write sequences for one
// origin never interleave.
package dapps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rexliu/dappbridge/pkg/core"
)

var ErrNotFound = errors.New("dapp not connected")

// ChangeKind names a committed mutation.
type ChangeKind string

const (
	ChangeConnected    ChangeKind = "connected"
	ChangeChain        ChangeKind = "chain"
	ChangeDisconnected ChangeKind = "disconnected"
)

// Change describes a committed mutation.
type Change struct {
	Kind ChangeKind
	Info core.DappInfo
}

// Store wraps a Backend with per-origin serialization.
type Store struct {
	backend Backend
	locks   keyedMutex
	now     func() time.Time

	hookMu sync.RWMutex
	hooks  []func(Change)
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

// OnChange registers fn to run after every committed mutation, outside the
// origin lock.
func (s *Store) OnChange(fn func(Change)) {
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

// GetDappInfo returns the record for origin. It never creates one.
func (s *Store) GetDappInfo(ctx context.Context, origin string) (core.DappInfo, bool, error) {
	key, err := core.CanonicalOrigin(origin)
	if err != nil {
		return core.DappInfo{}, false, err
	}
	unlock := s.locks.lock(key)
	defer unlock()
	return s.backend.Load(ctx, key)
}

// SaveDappConnection records that account is connected to origin and makes
// it the active, most recent account. created reports whether the record
// did not exist before.
func (s *Store) SaveDappConnection(ctx context.Context, origin string, account common.Address) (info core.DappInfo, created bool, err error) {
	if account == (common.Address{}) {
		return core.DappInfo{}, false, core.ErrZeroAddress
	}
	key, err := core.CanonicalOrigin(origin)
	if err != nil {
		return core.DappInfo{}, false, err
	}
	unlock := s.locks.lock(key)
	info, found, err := s.backend.Load(ctx, key)
	if err != nil {
		unlock()
		return core.DappInfo{}, false, fmt.Errorf("load %s: %w", key, err)
	}
	now := s.now().UnixMilli()
	if !found {
		info = core.DappInfo{Origin: key, CreatedAt: now}
	} else if info.ActiveConnectedAddress == account && len(info.ConnectedAccounts) > 0 && info.ConnectedAccounts[0] == account {
		unlock()
		return info, false, nil
	}
	info.ConnectedAccounts = core.PromoteAddress(info.ConnectedAccounts, account)
	info.ActiveConnectedAddress = account
	info.UpdatedAt = now
	if err := core.ValidateDappInfo(info); err != nil {
		unlock()
		return core.DappInfo{}, false, err
	}
	if err := s.backend.Save(ctx, info); err != nil {
		unlock()
		return core.DappInfo{}, false, fmt.Errorf("save %s: %w", key, err)
	}
	unlock()
	s.notify(Change{Kind: ChangeConnected, Info: info.Clone()})
	return info, !found, nil
}

// GetDappOrderedConnectedAddresses returns the connected addresses with the
// active one first. An unknown origin yields an empty list.
func (s *Store) GetDappOrderedConnectedAddresses(ctx context.Context, origin string) ([]common.Address, error) {
	info, found, err := s.GetDappInfo(ctx, origin)
	if err != nil || !found {
		return nil, err
	}
	return core.OrderedConnectedAddresses(info), nil
}

// SaveLastChain records the chain a connected dapp last switched to.
func (s *Store) SaveLastChain(ctx context.Context, origin string, chainID core.ChainID) (core.DappInfo, error) {
	if !chainID.IsSet() {
		return core.DappInfo{}, errors.New("missing chain id")
	}
	key, err := core.CanonicalOrigin(origin)
	if err != nil {
		return core.DappInfo{}, err
	}
	unlock := s.locks.lock(key)
	info, found, err := s.backend.Load(ctx, key)
	if err != nil {
		unlock()
		return core.DappInfo{}, fmt.Errorf("load %s: %w", key, err)
	}
	if !found {
		unlock()
		return core.DappInfo{}, ErrNotFound
	}
	if info.LastChainID == chainID {
		unlock()
		return info, nil
	}
	info.LastChainID = chainID
	info.UpdatedAt = s.now().UnixMilli()
	if err := s.backend.Save(ctx, info); err != nil {
		unlock()
		return core.DappInfo{}, fmt.Errorf("save %s: %w", key, err)
	}
	unlock()
	s.notify(Change{Kind: ChangeChain, Info: info.Clone()})
	return info, nil
}

// RemoveDappConnection forgets origin. It reports whether a record existed.
func (s *Store) RemoveDappConnection(ctx context.Context, origin string) (bool, error) {
	key, err := core.CanonicalOrigin(origin)
	if err != nil {
		return false, err
	}
	unlock := s.locks.lock(key)
	removed, err := s.backend.Delete(ctx, key)
	unlock()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	if removed {
		s.notify(Change{Kind: ChangeDisconnected, Info: core.DappInfo{Origin: key}})
	}
	return removed, nil
}

// List returns every stored record ordered by origin.
func (s *Store) List(ctx context.Context) ([]core.DappInfo, error) {
	return s.backend.List(ctx)
}

func (s *Store) notify(c Change) {
	s.hookMu.RLock()
	hooks := append([]func(Change){}, s.hooks...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}
}

// Restore makes the store hold exactly infos. Every record is validated
// before anything is written. Restore emits no changes.
func (s *Store) Restore(ctx context.Context, infos []core.DappInfo) error {
	want := make(map[string]core.DappInfo, len(infos))
	for _, info := range infos {
		if err := core.ValidateDappInfo(info); err != nil {
			return err
		}
		if _, dup := want[info.Origin]; dup {
			return fmt.Errorf("duplicate origin %s", info.Origin)
		}
		want[info.Origin] = info
	}
	existing, err := s.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	for _, info := range existing {
		if _, keep := want[info.Origin]; keep {
			continue
		}
		unlock := s.locks.lock(info.Origin)
		_, err := s.backend.Delete(ctx, info.Origin)
		unlock()
		if err != nil {
			return fmt.Errorf("delete %s: %w", info.Origin, err)
		}
	}
	for origin, info := range want {
		unlock := s.locks.lock(origin)
		err := s.backend.Save(ctx, info.Clone())
		unlock()
		if err != nil {
			return fmt.Errorf("save %s: %w", origin, err)
		}
	}
	return nil
}
