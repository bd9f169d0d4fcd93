package sync

import (
	"testing"
)

func TestEmitter(t *testing.T) {
	em := NewEmitter(nil)

	var calls []string
	em.Subscribe(EventMindmapToFeatures, func(SyncEvent) { panic("boom") })
	unsubscribe := em.Subscribe(EventMindmapToFeatures, func(ev SyncEvent) { calls = append(calls, "a:"+ev.ProjectID) })
	em.Subscribe(EventFeaturesToMindmap, func(ev SyncEvent) { calls = append(calls, "b:"+ev.ProjectID) })

	em.Emit(SyncEvent{Name: EventMindmapToFeatures, ProjectID: "p1"})
	em.Emit(SyncEvent{Name: EventFeaturesToMindmap, ProjectID: "p2"})

	unsubscribe()
	unsubscribe()
	em.Emit(SyncEvent{Name: EventMindmapToFeatures, ProjectID: "p3"})

	want := []string{"a:p1", "b:p2"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
	if n := em.Count(EventMindmapToFeatures); n != 1 {
		t.Errorf("expected 1 remaining handler, got %d", n)
	}
}
