package multiplex

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeSource records registrations and lets tests fire events.
type fakeSource struct {
	mu       sync.Mutex
	handlers map[int]func(Event)
	next     int
	cancels  atomic.Int32
	err      error
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[int]func(Event))}
}

func (s *fakeSource) Subscribe(projectID string, fn func(Event)) (func(), error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	id := s.next
	s.next++
	s.handlers[id] = fn
	s.mu.Unlock()

	return func() {
		s.cancels.Add(1)
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}, nil
}

func (s *fakeSource) fire(e Event) {
	s.mu.Lock()
	handlers := make([]func(Event), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

func TestSubscribe_TagsEvents(t *testing.T) {
	mindmaps, features := newFakeSource(), newFakeSource()

	var got []Event
	sub, err := Subscribe("p1", mindmaps, features, func(e Event) { got = append(got, e) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	mindmaps.fire(Event{ProjectID: "p1", Action: ActionUpdate, RecordID: "m1"})
	features.fire(Event{ProjectID: "p1", Action: ActionInsert, RecordID: "f1"})

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != KindMindmap || got[1].Type != KindFeatures {
		t.Errorf("events not tagged: %+v", got)
	}
	if got[0].At.IsZero() {
		t.Error("expected At to be stamped")
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	tests := []struct {
		name string
		fire func(m, f *fakeSource)
	}{
		{"neither fired", func(m, f *fakeSource) {}},
		{"mindmap fired", func(m, f *fakeSource) { m.fire(Event{}) }},
		{"features fired", func(m, f *fakeSource) { f.fire(Event{}) }},
		{"both fired", func(m, f *fakeSource) { f.fire(Event{}); m.fire(Event{}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mindmaps, features := newFakeSource(), newFakeSource()
			sub, err := Subscribe("p1", mindmaps, features, func(Event) {})
			if err != nil {
				t.Fatal(err)
			}

			tt.fire(mindmaps, features)

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					sub.Unsubscribe()
				}()
			}
			wg.Wait()
			sub.Unsubscribe()

			if n := mindmaps.cancels.Load(); n != 1 {
				t.Errorf("mindmap cancel called %d times, want 1", n)
			}
			if n := features.cancels.Load(); n != 1 {
				t.Errorf("features cancel called %d times, want 1", n)
			}
		})
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	mindmaps, features := newFakeSource(), newFakeSource()

	var count atomic.Int32
	sub, err := Subscribe("p1", mindmaps, features, func(Event) { count.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	sub.Unsubscribe()

	mindmaps.fire(Event{})
	features.fire(Event{})

	if count.Load() != 0 {
		t.Errorf("received %d events after unsubscribe", count.Load())
	}
}

func TestSubscribe_SecondFailureReleasesFirst(t *testing.T) {
	mindmaps, features := newFakeSource(), newFakeSource()
	features.err = errors.New("feed unavailable")

	if _, err := Subscribe("p1", mindmaps, features, func(Event) {}); err == nil {
		t.Fatal("expected error")
	}
	if n := mindmaps.cancels.Load(); n != 1 {
		t.Errorf("first subscription not released (cancels=%d)", n)
	}
}

func TestSubscribe_RequiresArgs(t *testing.T) {
	if _, err := Subscribe("p1", nil, newFakeSource(), func(Event) {}); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := Subscribe("p1", newFakeSource(), newFakeSource(), nil); err == nil {
		t.Error("expected error for nil callback")
	}
}
