package sync

import (
	stdsync "sync"

	"github.com/planforge/mindsync/internal/logging"
	"github.com/planforge/mindsync/internal/schema"
)

// SyncEvent is delivered to handlers after a pass writes the mindmap.
type SyncEvent struct {
	Name      string               `json:"name"`
	MindmapID string               `json:"mindmapId"`
	ProjectID string               `json:"projectId"`
	Nodes     []schema.MindmapNode `json:"nodes"`
}

// Handler receives sync events.
type Handler func(SyncEvent)

type subscriber struct {
	id      uint64
	handler Handler
}

// Emitter is a named-event fan-out. Delivery is synchronous, in
// subscription order. A panicking handler is logged and does not stop the
// others.
type Emitter struct {
	mu     stdsync.RWMutex
	subs   map[string][]subscriber
	nextID uint64
	log    *logging.Logger
}

// NewEmitter returns an empty emitter.
func NewEmitter(log *logging.Logger) *Emitter {
	return &Emitter{
		subs: make(map[string][]subscriber),
		log:  logging.OrNop(log),
	}
}

// Subscribe registers handler for name. The returned function removes it and
// is safe to call more than once.
func (e *Emitter) Subscribe(name string, handler Handler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[name] = append(e.subs[name], subscriber{id: id, handler: handler})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.subs[name]
		for i, s := range list {
			if s.id == id {
				e.subs[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(e.subs[name]) == 0 {
			delete(e.subs, name)
		}
	}
}

// Emit delivers ev to the handlers registered for ev.Name.
func (e *Emitter) Emit(ev SyncEvent) {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.subs[ev.Name]))
	for _, s := range e.subs[ev.Name] {
		handlers = append(handlers, s.handler)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		e.call(h, ev)
	}
}

func (e *Emitter) call(h Handler, ev SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in sync event handler", "event", ev.Name, "panic", r)
		}
	}()
	h(ev)
}

// Count returns the number of handlers registered for name.
func (e *Emitter) Count(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[name])
}
