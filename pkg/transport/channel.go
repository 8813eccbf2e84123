package transport

import "sync"

// Listener receives messages from a channel.
type Listener func(Message)

// Subscription detaches a listener. Unsubscribe may be called more than once.
type Subscription interface {
	Unsubscribe()
}

// Channel is a bidirectional untyped message bus: anything posted reaches
// every current subscriber, including those registered by the poster.
type Channel interface {
	Post(Message) error
	Subscribe(Listener) Subscription
}

type listenerSet struct {
	mu     sync.Mutex
	nextID uint64
	items  map[uint64]Listener
	order  []uint64
}

func (s *listenerSet) add(l Listener) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[uint64]Listener)
	}
	s.nextID++
	id := s.nextID
	s.items[id] = l
	s.order = append(s.order, id)
	return &subscription{set: s, id: id}
}

func (s *listenerSet) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *listenerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// dispatch calls every listener still registered at the moment it is
// reached. A listener removed earlier in the same dispatch is skipped.
func (s *listenerSet) dispatch(msg Message) {
	s.mu.Lock()
	ids := append([]uint64(nil), s.order...)
	s.mu.Unlock()
	for _, id := range ids {
		s.mu.Lock()
		l, ok := s.items[id]
		s.mu.Unlock()
		if ok {
			l(msg)
		}
	}
}

type subscription struct {
	set  *listenerSet
	id   uint64
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.set.remove(s.id) })
}

// Window models window.postMessage within one page realm. Delivery is
// synchronous and in registration order.
type Window struct {
	listeners listenerSet
}

// NewWindow returns an empty page channel.
func NewWindow() *Window {
	return &Window{}
}

// Post delivers msg to every listener.
func (w *Window) Post(msg Message) error {
	w.listeners.dispatch(msg)
	return nil
}

// Subscribe registers l for all future posts.
func (w *Window) Subscribe(l Listener) Subscription {
	return w.listeners.add(l)
}

// ListenerCount returns the number of live listeners.
func (w *Window) ListenerCount() int {
	return w.listeners.len()
}
