package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/protocol"
	"github.com/rexliu/dappbridge/pkg/transport"
)

// fakePort records what the relay sends and lets tests push replies.
type fakePort struct {
	transport.Window
	mu      sync.Mutex
	sent    []transport.Message
	sendErr error
}

func (p *fakePort) Send(msg transport.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePort) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type pageRecorder struct {
	responses []protocol.ResponseEnvelope
	events    []protocol.ProviderEvent
}

func setup(t *testing.T) (*transport.Window, *fakePort, *pageRecorder) {
	t.Helper()
	page := transport.NewWindow()
	port := &fakePort{}
	rec := &pageRecorder{}
	page.Subscribe(func(msg transport.Message) {
		switch msg.Type {
		case protocol.TypeResponse:
			var env protocol.ResponseEnvelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				t.Errorf("bad response on page: %v", err)
			}
			rec.responses = append(rec.responses, env)
		case protocol.TypeEvent:
			var ev protocol.ProviderEvent
			json.Unmarshal(msg.Data, &ev)
			rec.events = append(rec.events, ev)
		}
	})
	r := New(page, port, nil)
	r.Start()
	t.Cleanup(r.Stop)
	return page, port, rec
}

func TestInboundValidationGate(t *testing.T) {
	page, port, _ := setup(t)

	invalid := []transport.Message{
		{Type: protocol.TypeRequest, Data: json.RawMessage(`["eth_accounts"]`)},
		{Type: protocol.TypeRequest, Data: json.RawMessage(`{"method":1,"requestId":"a"}`)},
		{Type: protocol.TypeRequest, Data: json.RawMessage(`{"method":"eth_accounts"}`)},
		{Type: protocol.TypeRequest, Data: json.RawMessage(`{"method":"eth_accounts","requestId":"a","params":7}`)},
		{Type: protocol.TypeRequest, Data: json.RawMessage(`not json`)},
		{Type: "something-else", Data: json.RawMessage(`{"method":"eth_accounts","requestId":"a"}`)},
	}
	for _, msg := range invalid {
		page.Post(msg)
	}
	if n := port.sentCount(); n != 0 {
		t.Fatalf("invalid messages crossed the boundary: %d", n)
	}

	page.Post(transport.Message{Type: protocol.TypeRequest, Data: json.RawMessage(`{"method":"eth_accounts","requestId":"abc","params":[]}`)})
	if n := port.sentCount(); n != 1 {
		t.Fatalf("expected 1 forwarded request, got %d", n)
	}
	req, err := transport.Decode[protocol.DappRequest](port.sent[0], protocol.TypeDappRequest)
	if err != nil {
		t.Fatalf("decode forwarded: %v", err)
	}
	if req.RequestID != "abc" || req.Request.Method != "eth_accounts" {
		t.Fatalf("unexpected forwarded request %+v", req)
	}
}

func TestForwardFailureSettlesPage(t *testing.T) {
	page, port, rec := setup(t)
	port.sendErr = errors.New("port closed")
	page.Post(transport.Message{Type: protocol.TypeRequest, Data: json.RawMessage(`{"method":"eth_accounts","requestId":"x"}`)})
	if len(rec.responses) != 1 || rec.responses[0].Error == nil || rec.responses[0].Error.Code != protocol.CodeDisconnected {
		t.Fatalf("expected disconnected response, got %+v", rec.responses)
	}
}

func TestOutboundTranslation(t *testing.T) {
	_, port, rec := setup(t)
	addr := "0x00000000000000000000000000000000000000A1"

	port.Post(transport.MustMessage(protocol.TypeAccountResponse,
		protocol.NewAccountResponse("r1", []string{addr}, core.MainnetChainID, "https://rpc.example")))
	port.Post(transport.MustMessage(protocol.TypeChainIDResponse, protocol.NewChainIDResponse("r2", 137)))
	port.Post(transport.MustMessage(protocol.TypeErrorResponse, protocol.NewErrorResponse("r3", protocol.UnauthorizedError())))
	port.Post(transport.MustMessage(protocol.TypeResultResponse, protocol.NewResultResponse("r4", nil)))
	ev, _ := protocol.NewProviderEvent(protocol.EventChainChanged, "0x89")
	port.Post(transport.MustMessage(protocol.TypeProviderEvent, ev))
	port.Post(transport.Message{Type: "Mystery", Data: json.RawMessage(`{}`)})

	if len(rec.responses) != 4 {
		t.Fatalf("expected 4 responses, got %d", len(rec.responses))
	}
	if got := string(rec.responses[0].Result); got != `["`+addr+`"]` {
		t.Fatalf("account result: %s", got)
	}
	if got := string(rec.responses[1].Result); got != `"0x89"` {
		t.Fatalf("chain result: %s", got)
	}
	if rec.responses[2].Error == nil || rec.responses[2].Error.Code != protocol.CodeUnauthorized {
		t.Fatalf("error response: %+v", rec.responses[2])
	}
	if got := string(rec.responses[3].Result); got != "null" {
		t.Fatalf("null result: %s", got)
	}
	for _, resp := range rec.responses {
		if err := resp.Validate(); err != nil {
			t.Fatalf("relay produced invalid response %+v: %v", resp, err)
		}
	}

	if len(rec.events) != 2 || rec.events[0].Event != protocol.EventConnect || rec.events[1].Event != protocol.EventChainChanged {
		t.Fatalf("unexpected events %+v", rec.events)
	}
	var info protocol.ConnectInfo
	json.Unmarshal(rec.events[0].Data, &info)
	if info.ChainID != "0x1" || info.ProviderURL != "https://rpc.example" {
		t.Fatalf("unexpected connect info %+v", info)
	}
}

func TestMalformedReplyRejectsRequest(t *testing.T) {
	_, port, rec := setup(t)
	port.Post(transport.Message{Type: protocol.TypeAccountResponse, Data: json.RawMessage(`{"type":"AccountResponse","requestId":"r9","chainId":"bogus"}`)})
	if len(rec.responses) != 1 || rec.responses[0].RequestID != "r9" || rec.responses[0].Error == nil {
		t.Fatalf("expected error for r9, got %+v", rec.responses)
	}
	if rec.responses[0].Error.Code != protocol.CodeInternal {
		t.Fatalf("expected internal error, got %d", rec.responses[0].Error.Code)
	}
}

func TestRelaySurvivesPanickingListener(t *testing.T) {
	page := transport.NewWindow()
	port := &fakePort{}
	r := New(page, port, nil)
	r.Start()
	defer r.Stop()
	page.Subscribe(func(msg transport.Message) {
		if msg.Type == protocol.TypeResponse {
			panic("page handler exploded")
		}
	})
	func() {
		defer func() {
			if v := recover(); v != nil {
				t.Fatalf("panic escaped relay: %v", v)
			}
		}()
		port.Post(transport.MustMessage(protocol.TypeResultResponse, protocol.NewResultResponse("r1", nil)))
	}()
}

func TestStopDetaches(t *testing.T) {
	page := transport.NewWindow()
	port := &fakePort{}
	r := New(page, port, nil)
	r.Start()
	r.Start()
	if page.ListenerCount() != 1 || port.ListenerCount() != 1 {
		t.Fatalf("unexpected listener counts %d/%d", page.ListenerCount(), port.ListenerCount())
	}
	r.Stop()
	r.Stop()
	if page.ListenerCount() != 0 || port.ListenerCount() != 0 {
		t.Fatalf("listeners left after stop: %d/%d", page.ListenerCount(), port.ListenerCount())
	}
}
