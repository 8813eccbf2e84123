package wallet

import (
	"sort"

	"github.com/rexliu/dappbridge/pkg/core"
)

// InfoLogger is the subset of the zap sugared logger the sinks use.
type InfoLogger interface {
	Infow(msg string, keysAndValues ...any)
}

// LogAnalytics writes analytics events as structured log lines.
type LogAnalytics struct {
	Log InfoLogger
}

func (a LogAnalytics) SendAnalyticsEvent(name string, props map[string]any) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]any, 0, 2+2*len(keys))
	kv = append(kv, "event", name)
	for _, k := range keys {
		kv = append(kv, k, props[k])
	}
	a.Log.Infow("analytics", kv...)
}

// Publisher fans a payload out to subscribers under a topic.
type Publisher interface {
	Publish(topic string, payload any)
}

// NotificationTopic is the hub topic notifications are published under.
const NotificationTopic = "notification"

// HubNotifier publishes notifications to the daemon event hub and logs them.
type HubNotifier struct {
	Hub Publisher
	Log InfoLogger
}

func (n HubNotifier) PushNotification(note core.Notification) {
	if n.Log != nil {
		n.Log.Infow("notification", "id", note.ID, "type", note.Type, "dappUrl", note.DappURL)
	}
	if n.Hub != nil {
		n.Hub.Publish(NotificationTopic, note)
	}
}
