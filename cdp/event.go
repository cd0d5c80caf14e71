package cdp

import (
	"sync"

	"github.com/mailru/easyjson"

	"github.com/grafana/cdpdriver/log"
)

// Event is an unsolicited CDP message, i.e. one with a method and no id.
type Event struct {
	Name   string
	Params easyjson.RawMessage
}

// Decode unmarshals the event parameters into v, usually a cdproto event
// type such as *page.EventLoadEventFired.
func (e *Event) Decode(v easyjson.Unmarshaler) error {
	if len(e.Params) == 0 {
		return nil
	}
	return easyjson.Unmarshal(e.Params, v)
}

// Listener receives events. It runs on the connection's receive goroutine
// and must not block.
type Listener func(*Event)

type listener struct {
	id uint64
	fn Listener
}

// eventRegistry holds the durable listeners and the one-shot waiters of a
// connection, both keyed by event name.
type eventRegistry struct {
	logger *log.Logger

	mu      sync.Mutex
	nextID  uint64
	subs    map[string][]listener
	waiters map[string][]chan *Event
}

func newEventRegistry(logger *log.Logger) *eventRegistry {
	return &eventRegistry{
		logger:  logger,
		subs:    make(map[string][]listener),
		waiters: make(map[string][]chan *Event),
	}
}

// on registers fn for every occurrence of the named event until the
// returned function is called.
func (r *eventRegistry) on(name string, fn Listener) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.subs[name] = append(r.subs[name], listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { r.off(name, id) })
	}
}

func (r *eventRegistry) off(name string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[name]
	for i, l := range subs {
		if l.id != id {
			continue
		}
		// Copy instead of reslicing in place, dispatch may be iterating
		// over a snapshot of the old slice.
		updated := make([]listener, 0, len(subs)-1)
		updated = append(updated, subs[:i]...)
		updated = append(updated, subs[i+1:]...)
		if len(updated) == 0 {
			delete(r.subs, name)
		} else {
			r.subs[name] = updated
		}
		return
	}
}

// once returns a channel that receives the next occurrence of the named
// event. Waiters are served oldest first, one per occurrence.
func (r *eventRegistry) once(name string) <-chan *Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan *Event, 1)
	r.waiters[name] = append(r.waiters[name], ch)
	return ch
}

// forget removes a one-shot waiter that is no longer interesting.
func (r *eventRegistry) forget(name string, ch <-chan *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters := r.waiters[name]
	for i, w := range waiters {
		if w != ch {
			continue
		}
		r.waiters[name] = append(waiters[:i:i], waiters[i+1:]...)
		if len(r.waiters[name]) == 0 {
			delete(r.waiters, name)
		}
		return
	}
}

// dispatch delivers evt to the oldest pending waiter and to every listener
// registered for its name. A panicking listener is logged and does not keep
// the others from running. It reports whether anybody was interested.
func (r *eventRegistry) dispatch(evt *Event) bool {
	r.mu.Lock()
	subs := r.subs[evt.Name]
	var waiter chan *Event
	if waiters := r.waiters[evt.Name]; len(waiters) > 0 {
		waiter = waiters[0]
		if len(waiters) == 1 {
			delete(r.waiters, evt.Name)
		} else {
			r.waiters[evt.Name] = waiters[1:]
		}
	}
	r.mu.Unlock()

	// Waiter channels are buffered and only ever get one event.
	if waiter != nil {
		waiter <- evt
	}
	for _, l := range subs {
		r.call(l, evt)
	}

	return len(subs) > 0 || waiter != nil
}

func (r *eventRegistry) call(l listener, evt *Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("cdp", "recovered from listener of %q: %v", evt.Name, rec)
		}
	}()
	l.fn(evt)
}
