package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/ipc"
	"github.com/rexliu/dappbridge/pkg/logging"
	"github.com/rexliu/dappbridge/pkg/protocol"
	"github.com/rexliu/dappbridge/pkg/relay"
	"github.com/rexliu/dappbridge/pkg/transport"
)

// fakeDaemon answers every dapp request with chain id 0x1.
func fakeDaemon(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hst")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "d.sock")

	srv := ipc.NewServer(nil)
	srv.Register(relay.MethodConnectTab, func(_ context.Context, params json.RawMessage) (any, *ipc.Error) {
		var p relay.ConnectTabParams
		json.Unmarshal(params, &p)
		return relay.ConnectTabResult{TabID: p.Tab.ID, Origin: p.Tab.Origin()}, nil
	})
	srv.Register(relay.MethodDappMessage, func(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
		conn, _ := ipc.ConnFromContext(ctx)
		var tm relay.TabMessage
		if err := json.Unmarshal(params, &tm); err != nil {
			return nil, ipc.Errorf(ipc.CodeInvalidRequest, err.Error(), nil)
		}
		req, err := transport.Decode[protocol.DappRequest](tm.Message, protocol.TypeDappRequest)
		if err != nil {
			return nil, ipc.Errorf(ipc.CodeInvalidRequest, err.Error(), nil)
		}
		reply := transport.MustMessage(protocol.TypeChainIDResponse, protocol.NewChainIDResponse(req.RequestID, core.MainnetChainID))
		go conn.Push(relay.TopicTabMessage, relay.TabMessage{TabID: tm.TabID, Message: reply})
		return map[string]any{"accepted": true}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx, sock); err != nil {
		cancel()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	return sock
}

func writeMessage(t *testing.T, w io.Writer, typ string, v any) {
	t.Helper()
	raw, err := json.Marshal(transport.MustMessage(typ, v))
	if err != nil {
		t.Fatal(err)
	}
	if err := ipc.WriteFrame(w, raw); err != nil {
		t.Fatal(err)
	}
}

func TestHostRelaysAfterHello(t *testing.T) {
	sock := fakeDaemon(t)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, "", sock, inR, outW, logging.Nop()) }()

	early := protocol.RequestEnvelope{RequestID: "early"}
	early.Method = protocol.MethodChainID
	writeMessage(t, inW, protocol.TypeRequest, early)

	writeMessage(t, inW, typeHello, hello{Tab: core.SenderTabInfo{ID: 3, URL: "https://app.example"}})

	req := protocol.RequestEnvelope{RequestID: "r1"}
	req.Method = protocol.MethodChainID
	writeMessage(t, inW, protocol.TypeRequest, req)

	frames := make(chan []byte, 1)
	go func() {
		frame, err := ipc.ReadFrame(outR)
		if err == nil {
			frames <- frame
		}
	}()
	select {
	case frame := <-frames:
		var msg transport.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatal(err)
		}
		var env protocol.ResponseEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.Fatal(err)
		}
		if msg.Type != protocol.TypeResponse || env.RequestID != "r1" || string(env.Result) != `"0x1"` {
			t.Fatalf("unexpected reply %s %+v", msg.Type, env)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply from host")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("host did not stop")
	}
}

func TestHelloValidation(t *testing.T) {
	if (hello{Tab: core.SenderTabInfo{ID: 1}}).Validate() == nil {
		t.Fatal("hello without url must be rejected")
	}
	if err := (hello{Tab: core.SenderTabInfo{ID: 1, URL: "https://app.example"}}).Validate(); err != nil {
		t.Fatal(err)
	}
}
