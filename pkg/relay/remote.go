package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/ipc"
	"github.com/rexliu/dappbridge/pkg/transport"
)

// Daemon methods and push topics used by RemotePort.
const (
	MethodConnectTab  = "connect_tab"
	MethodDappMessage = "dapp_message"
	TopicTabMessage   = "tab_message"
)

// DefaultSendTimeout bounds one hand-off to the daemon.
const DefaultSendTimeout = 5 * time.Second

// Caller is the part of *ipc.Client a RemotePort uses.
type Caller interface {
	Call(ctx context.Context, method string, params, out any) error
	OnPush(fn func(ipc.Push))
}

// ConnectTabParams registers a tab with the daemon.
type ConnectTabParams struct {
	Tab core.SenderTabInfo `json:"tab"`
}

// ConnectTabResult is the daemon's answer to connect_tab.
type ConnectTabResult struct {
	TabID  int    `json:"tabId"`
	Origin string `json:"origin"`
}

// TabMessage carries one message to or from a tab.
type TabMessage struct {
	TabID   int               `json:"tabId"`
	Message transport.Message `json:"message"`
}

// RemotePort is a Port whose background side lives in the daemon.
type RemotePort struct {
	client  Caller
	tab     core.SenderTabInfo
	inbox   *transport.Window
	timeout time.Duration
}

// DialRemotePort registers tab with the daemon and returns its port.
func DialRemotePort(ctx context.Context, client Caller, tab core.SenderTabInfo) (*RemotePort, error) {
	p := &RemotePort{client: client, tab: tab, inbox: transport.NewWindow(), timeout: DefaultSendTimeout}
	client.OnPush(p.onPush)
	if err := client.Call(ctx, MethodConnectTab, ConnectTabParams{Tab: tab}, nil); err != nil {
		return nil, err
	}
	return p, nil
}

// Tab returns the registered tab.
func (p *RemotePort) Tab() core.SenderTabInfo { return p.tab }

func (p *RemotePort) Send(msg transport.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.client.Call(ctx, MethodDappMessage, TabMessage{TabID: p.tab.ID, Message: msg}, nil)
}

func (p *RemotePort) Subscribe(l transport.Listener) transport.Subscription {
	return p.inbox.Subscribe(l)
}

func (p *RemotePort) onPush(push ipc.Push) {
	if push.Topic != TopicTabMessage {
		return
	}
	var tm TabMessage
	if err := json.Unmarshal(push.Data, &tm); err != nil || tm.TabID != p.tab.ID {
		return
	}
	_ = p.inbox.Post(tm.Message)
}
