package main

import (
	"encoding/json"
	"sync"

	"github.com/rexliu/dappbridge/pkg/logging"
)

// Hub topics.
const (
	topicDappChanged    = "dapp_changed"
	topicAccountChanged = "account_changed"
)

// eventHub fans daemon events out to subscribed IPC clients.
type eventHub struct {
	logger  *logging.Logger
	mu      sync.Mutex
	clients map[*eventClient]struct{}
}

type hubEvent struct {
	topic string
	data  json.RawMessage
}

type eventClient struct {
	topics map[string]bool
	send   chan hubEvent
}

func (c *eventClient) wants(topic string) bool {
	return len(c.topics) == 0 || c.topics[topic]
}

func newEventHub(logger *logging.Logger) *eventHub {
	return &eventHub{
		logger:  logger,
		clients: make(map[*eventClient]struct{}),
	}
}

// register subscribes to topics; an empty list means every topic.
func (h *eventHub) register(topics []string) *eventClient {
	client := &eventClient{topics: make(map[string]bool, len(topics)), send: make(chan hubEvent, 16)}
	for _, t := range topics {
		client.topics[t] = true
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	return client
}

func (h *eventHub) unregister(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Publish implements wallet.Publisher. Slow clients lose events rather than
// stalling the publisher.
func (h *eventHub) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warnw("event marshal error", "topic", topic, "error", err)
		return
	}
	ev := hubEvent{topic: topic, data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(topic) {
			continue
		}
		select {
		case client.send <- ev:
		default:
			h.logger.Warnw("dropping event for slow client", "topic", topic)
		}
	}
}
