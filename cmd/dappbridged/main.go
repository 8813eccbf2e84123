package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rexliu/dappbridge/pkg/config"
	"github.com/rexliu/dappbridge/pkg/ipc"
	"github.com/rexliu/dappbridge/pkg/logging"
	"github.com/rexliu/dappbridge/pkg/storage/sqlite"
)

func main() {
	profile := flag.String("profile", "./_dev_profile", "Path to profile directory")
	socket := flag.String("socket", "", "Override IPC socket path (optional)")
	flag.Parse()

	logger := logging.New("dappbridged")
	logger.Infow("starting daemon", "profile", *profile)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *profile, *socket, logger); err != nil {
		logger.Errorw("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, profileDir, socketOverride string, logger *logging.Logger) error {
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return err
	}
	cfg, err := config.LoadProfile(profileDir)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warnw("no config found, using defaults", "profile", profileDir)
		cfg = config.DefaultProfile(filepath.Base(profileDir))
	} else if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logCfg := cfg.Logging
	logCfg.FilePath = config.ResolvePath(profileDir, logCfg.FilePath)
	if err := logger.Configure(logCfg); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	db, err := sqlite.Open(config.ResolvePath(profileDir, cfg.Storage.DBPath),
		sqlite.WithJournalMode(cfg.Storage.JournalMode),
		sqlite.WithSynchronous(cfg.Storage.Synchronous),
	)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		return fmt.Errorf("init sqlite: %w", err)
	}

	d, err := newDaemon(profileDir, cfg, db, logger)
	if err != nil {
		return err
	}

	socketPath := socketOverride
	if socketPath == "" {
		socketPath = config.ResolvePath(profileDir, cfg.IPC.SocketPath)
	}
	if err := cleanupSocket(socketPath); err != nil {
		return err
	}

	srv := ipc.NewServer(logger)
	d.registerHandlers(srv)
	if err := srv.Start(ctx, socketPath); err != nil {
		return fmt.Errorf("start ipc: %w", err)
	}
	logger.Infow("daemon ready", "socket", socketPath, "vcs", d.repo != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.recordHistory(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("shutting down")
		srv.Stop()
		d.runtime.Close()
		return cleanupSocket(socketPath)
	})
	return g.Wait()
}

func cleanupSocket(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
