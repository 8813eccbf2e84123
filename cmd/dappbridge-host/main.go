// Command dappbridge-host is the native messaging host the browser launches
// for a tab. It speaks length-prefixed JSON on stdin/stdout and relays
// validated dapp requests to the daemon over its Unix socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rexliu/dappbridge/pkg/config"
	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/ipc"
	"github.com/rexliu/dappbridge/pkg/logging"
	"github.com/rexliu/dappbridge/pkg/relay"
	"github.com/rexliu/dappbridge/pkg/transport"
)

// typeHello is the first frame the extension sends; it names the tab the
// host serves. Requests that arrive before it are dropped.
const typeHello = "hello"

type hello struct {
	Tab core.SenderTabInfo `json:"tab"`
}

func (h hello) Validate() error {
	if h.Tab.ID < 0 || h.Tab.URL == "" {
		return errors.New("hello: tab id and url required")
	}
	return nil
}

func main() {
	profile := flag.String("profile", "./_dev_profile", "Profile directory")
	socket := flag.String("socket", "", "Override socket path")
	flag.Parse()

	logger := logging.New("dappbridge-host")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *profile, *socket, os.Stdin, os.Stdout, logger); err != nil {
		logger.Errorw("host exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, profile, socketOverride string, in io.Reader, out io.Writer, logger *logging.Logger) error {
	socketPath, err := resolveSocketPath(profile, socketOverride)
	if err != nil {
		return err
	}
	client, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-client.Done():
			logger.Warnw("daemon connection lost")
			cancel()
		case <-ctx.Done():
		}
	}()

	h := &host{ctx: ctx, client: client, logger: logger, stream: transport.NewStream(in, out)}
	helloSub := h.stream.Subscribe(h.onHello)
	defer helloSub.Unsubscribe()
	defer h.stop()

	err = h.stream.Run(ctx, func(raw []byte, err error) {
		logger.Debugw("dropping undecodable frame", "size", len(raw), "error", err)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type host struct {
	ctx    context.Context
	client *ipc.Client
	stream *transport.Stream
	logger *logging.Logger

	mu    sync.Mutex
	relay *relay.Relay
}

func (h *host) onHello(msg transport.Message) {
	if msg.Type != typeHello {
		return
	}
	hi, err := transport.Decode[hello](msg, typeHello)
	if err != nil {
		h.logger.Warnw("invalid hello", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.relay != nil {
		h.logger.Warnw("ignoring repeated hello", "tabId", hi.Tab.ID)
		return
	}
	port, err := relay.DialRemotePort(h.ctx, h.client, hi.Tab)
	if err != nil {
		h.logger.Warnw("connect tab failed", "tabId", hi.Tab.ID, "error", err)
		return
	}
	h.relay = relay.New(h.stream, port, h.logger)
	h.relay.Start()
	h.logger.Infow("relaying tab", "tabId", hi.Tab.ID, "origin", hi.Tab.Origin())
}

func (h *host) stop() {
	h.mu.Lock()
	r := h.relay
	h.relay = nil
	h.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}

func resolveSocketPath(profile, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.LoadProfile(profile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("config not found in %s (run 'dappctl init --profile %s')", profile, profile)
		}
		return "", fmt.Errorf("load config: %w", err)
	}
	return config.ResolvePath(profile, cfg.IPC.SocketPath), nil
}
