package extension

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/transport"
)

func TestRuntimeAttachesSenderTab(t *testing.T) {
	rt := NewRuntime(nil)
	defer rt.Close()

	got := make(chan core.SenderTabInfo, 1)
	rt.OnMessage(func(_ context.Context, msg transport.Message, tab core.SenderTabInfo) {
		got <- tab
	})
	port := rt.Connect(core.SenderTabInfo{ID: 7, URL: "https://app.example/swap"})
	if err := port.Send(transport.Message{Type: "DappRequest"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case tab := <-got:
		if tab.ID != 7 || tab.Origin() != "https://app.example" {
			t.Fatalf("unexpected sender %+v", tab)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestSendToTab(t *testing.T) {
	rt := NewRuntime(nil)
	defer rt.Close()

	port := rt.Connect(core.SenderTabInfo{ID: 1, URL: "https://a.example"})
	var received []string
	port.Subscribe(func(m transport.Message) { received = append(received, m.Type) })

	if err := rt.SendToTab(1, transport.Message{Type: "hello"}); err != nil {
		t.Fatalf("send to tab: %v", err)
	}
	if len(received) != 1 || received[0] != "hello" {
		t.Fatalf("unexpected delivery %v", received)
	}
	if err := rt.SendToTab(2, transport.Message{Type: "x"}); !errors.Is(err, ErrTabClosed) {
		t.Fatalf("expected ErrTabClosed, got %v", err)
	}

	port.Close()
	if err := rt.SendToTab(1, transport.Message{Type: "late"}); !errors.Is(err, ErrTabClosed) {
		t.Fatalf("expected ErrTabClosed after close, got %v", err)
	}
	if err := port.Send(transport.Message{Type: "x"}); !errors.Is(err, ErrPortClosed) {
		t.Fatalf("expected ErrPortClosed, got %v", err)
	}
}

func TestReconnectReplacesPort(t *testing.T) {
	rt := NewRuntime(nil)
	defer rt.Close()

	old := rt.Connect(core.SenderTabInfo{ID: 3, URL: "https://a.example"})
	fresh := rt.Connect(core.SenderTabInfo{ID: 3, URL: "https://b.example"})
	if err := old.Send(transport.Message{Type: "x"}); !errors.Is(err, ErrPortClosed) {
		t.Fatalf("old port should be closed, got %v", err)
	}
	old.Close()
	if len(rt.Tabs()) != 1 || rt.Tabs()[0].URL != "https://b.example" {
		t.Fatalf("closing the replaced port removed the new one: %+v", rt.Tabs())
	}
	_ = fresh
}

func TestBroadcastByOrigin(t *testing.T) {
	rt := NewRuntime(nil)
	defer rt.Close()

	var mu sync.Mutex
	hits := map[int]int{}
	for id, url := range map[int]string{1: "https://a.example/x", 2: "https://A.example/y", 3: "https://b.example"} {
		id := id
		rt.Connect(core.SenderTabInfo{ID: id, URL: url}).Subscribe(func(transport.Message) {
			mu.Lock()
			hits[id]++
			mu.Unlock()
		})
	}
	if n := rt.Broadcast("https://a.example", transport.Message{Type: "event"}); n != 2 {
		t.Fatalf("expected 2 tabs reached, got %d", n)
	}
	if hits[1] != 1 || hits[2] != 1 || hits[3] != 0 {
		t.Fatalf("unexpected hits %v", hits)
	}
}

func TestHandlerPanicContained(t *testing.T) {
	rt := NewRuntime(nil)
	rt.OnMessage(func(context.Context, transport.Message, core.SenderTabInfo) { panic("boom") })
	port := rt.Connect(core.SenderTabInfo{ID: 1, URL: "https://a.example"})
	if err := port.Send(transport.Message{Type: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	rt.Wait()
	rt.Close()
}

func TestSendWithoutHandler(t *testing.T) {
	rt := NewRuntime(nil)
	defer rt.Close()
	port := rt.Connect(core.SenderTabInfo{ID: 1, URL: "https://a.example"})
	if err := port.Send(transport.Message{Type: "x"}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestHandlerTimeoutBoundsContext(t *testing.T) {
	rt := NewRuntime(nil)
	defer rt.Close()
	rt.SetHandlerTimeout(20 * time.Millisecond)
	done := make(chan error, 1)
	rt.OnMessage(func(ctx context.Context, _ transport.Message, _ core.SenderTabInfo) {
		<-ctx.Done()
		done <- ctx.Err()
	})
	port := rt.Connect(core.SenderTabInfo{ID: 1, URL: "https://a.example"})
	if err := port.Send(transport.Message{Type: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler context never expired")
	}
}
