package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rexliu/dappbridge/pkg/background"
	"github.com/rexliu/dappbridge/pkg/config"
	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/dapps"
	"github.com/rexliu/dappbridge/pkg/extension"
	"github.com/rexliu/dappbridge/pkg/history"
	"github.com/rexliu/dappbridge/pkg/logging"
	"github.com/rexliu/dappbridge/pkg/storage/sqlite"
	"github.com/rexliu/dappbridge/pkg/wallet"
)

// historyDirName holds connections.json and, when vcs is enabled, its git
// repository.
const historyDirName = "history"

type daemon struct {
	cfg        *config.ProfileConfig
	historyDir string
	db         *sqlite.Store
	store      *dapps.Store
	networks   *wallet.Networks
	runtime    *extension.Runtime
	router     *background.Router
	hub        *eventHub
	repo       *history.Repo
	logger     *logging.Logger

	dirty   chan struct{}
	pendMu  sync.Mutex
	pending []dapps.Change

	portMu sync.Mutex
	ports  map[portKey]*extension.Port
}

type portKey struct {
	conn string
	tab  int
}

func newDaemon(profileDir string, cfg *config.ProfileConfig, db *sqlite.Store, logger *logging.Logger) (*daemon, error) {
	d := &daemon{
		cfg:        cfg,
		historyDir: filepath.Join(profileDir, historyDirName),
		db:         db,
		store:      dapps.NewStore(db),
		networks:   wallet.NewNetworks(cfg.Wallet.Networks),
		runtime:    extension.NewRuntime(logger),
		hub:        newEventHub(logger),
		logger:     logger,
		dirty:      make(chan struct{}, 1),
		ports:      make(map[portKey]*extension.Port),
	}
	d.runtime.SetHandlerTimeout(cfg.Wallet.RequestTimeout.Duration)
	if cfg.VCS.Enabled {
		repo, err := history.Open(d.historyDir, cfg.VCS)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		d.repo = repo
	}

	handlers := background.NewHandlers(background.Deps{
		Store:        d.store,
		Providers:    d.networks,
		Accounts:     wallet.StoredAccounts{Store: db},
		Analytics:    wallet.LogAnalytics{Log: logger},
		Notifier:     wallet.HubNotifier{Hub: d.hub, Log: logger},
		Tabs:         d.runtime,
		DefaultChain: core.ChainID(cfg.Wallet.DefaultChainID),
		Logger:       logger,
	})
	d.router = background.NewRouter(handlers, d.runtime)
	d.runtime.OnMessage(d.router.HandleMessage)
	d.store.OnChange(d.onChange)
	return d, nil
}

func (d *daemon) onChange(c dapps.Change) {
	d.hub.Publish(topicDappChanged, map[string]any{"kind": c.Kind, "dapp": c.Info})
	d.pendMu.Lock()
	d.pending = append(d.pending, c)
	d.pendMu.Unlock()
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}

// recordHistory writes a snapshot after store changes and commits it when
// vcs is enabled. Bursts of changes coalesce into one commit.
func (d *daemon) recordHistory(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.dirty:
		}
		d.pendMu.Lock()
		changes := d.pending
		d.pending = nil
		d.pendMu.Unlock()
		if len(changes) == 0 {
			continue
		}
		if _, err := d.snapshot(ctx, commitMessage(changes)); err != nil {
			d.logger.Warnw("history snapshot failed", "error", err)
		}
	}
}

func (d *daemon) snapshot(ctx context.Context, message string) (history.Status, error) {
	infos, err := d.store.List(ctx)
	if err != nil {
		return history.Status{Pending: true}, err
	}
	path, err := history.WriteSnapshot(d.historyDir, infos)
	if err != nil {
		return history.Status{Pending: true}, err
	}
	if d.repo == nil {
		return history.Status{Pending: true}, nil
	}
	status, err := d.repo.Commit(ctx, message, []string{path})
	if err != nil {
		return status, err
	}
	if status.Committed {
		d.logger.Infow("history committed", "hash", status.Hash, "message", message)
		if d.cfg.VCS.AutoPush {
			if err := d.repo.Push(ctx); err != nil {
				d.logger.Warnw("auto push failed", "error", err)
			}
		}
	}
	return status, nil
}

func commitMessage(changes []dapps.Change) string {
	first := changes[0]
	msg := fmt.Sprintf("%s %s", first.Kind, first.Info.Origin)
	if len(changes) > 1 {
		msg += fmt.Sprintf(" (+%d more)", len(changes)-1)
	}
	return msg
}
