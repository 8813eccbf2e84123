package provider

import (
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/event"
)

// Event is delivered to On subscribers.
type Event struct {
	Name string
	Data json.RawMessage
}

// registry holds one feed per event name.
type registry struct {
	mu    sync.Mutex
	feeds map[string]*event.Feed
	scope event.SubscriptionScope
}

func (r *registry) feed(name string) *event.Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.feeds == nil {
		r.feeds = make(map[string]*event.Feed)
	}
	f, ok := r.feeds[name]
	if !ok {
		f = new(event.Feed)
		r.feeds[name] = f
	}
	return f
}

func (r *registry) subscribe(name string, ch chan<- Event) event.Subscription {
	return r.scope.Track(r.feed(name).Subscribe(ch))
}

// send blocks until every subscriber of name has received the event.
func (r *registry) send(name string, data json.RawMessage) int {
	r.mu.Lock()
	f, ok := r.feeds[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return f.Send(Event{Name: name, Data: data})
}

// dispatcher delivers events on its own goroutine, in arrival order, so a
// subscriber that is slow to drain never holds up the transport.
type dispatcher struct {
	deliver func(Event)

	mu     sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newDispatcher(deliver func(Event)) *dispatcher {
	d := &dispatcher{
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) enqueue(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
		case <-d.quit:
			return
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 || d.closed {
				d.mu.Unlock()
				break
			}
			ev := d.queue[0]
			d.queue[0] = Event{}
			d.queue = d.queue[1:]
			d.mu.Unlock()
			d.deliver(ev)
		}
	}
}

// stop discards queued events. unblock must release a delivery in
// progress; stop returns once the loop has exited.
func (d *dispatcher) stop(unblock func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.mu.Unlock()
	close(d.quit)
	unblock()
	<-d.done
}

func (r *registry) count() int {
	return r.scope.Count()
}

func (r *registry) close() {
	r.scope.Close()
}
