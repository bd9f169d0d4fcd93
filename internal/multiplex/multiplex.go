// Package multiplex merges the mindmap change feed and the feature change
// feed of one project into a single callback.
package multiplex

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Kind tags which feed an event came from.
type Kind string

const (
	KindMindmap  Kind = "mindmap"
	KindFeatures Kind = "features"
)

// Change actions carried by events.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Event is one change notification. Events are advisory: consumers re-read
// state rather than trusting Payload as the record of truth.
type Event struct {
	Type      Kind            `json:"type"`
	ProjectID string          `json:"project_id"`
	Action    string          `json:"action"`
	RecordID  string          `json:"record_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// Source is a single change feed.
type Source interface {
	// Subscribe registers fn for changes in projectID and returns a cancel
	// function that deregisters it.
	Subscribe(projectID string, fn func(Event)) (cancel func(), err error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(projectID string, fn func(Event)) (func(), error)

// Subscribe implements Source.
func (f SourceFunc) Subscribe(projectID string, fn func(Event)) (func(), error) {
	return f(projectID, fn)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once    sync.Once
	cancels []func()
}

// Subscribe registers onChange on both feeds for projectID. Events from the
// mindmap feed arrive tagged KindMindmap, events from the feature feed
// KindFeatures. If the second registration fails the first is released.
func Subscribe(projectID string, mindmaps, features Source, onChange func(Event)) (*Subscription, error) {
	if mindmaps == nil || features == nil {
		return nil, fmt.Errorf("both sources are required")
	}
	if onChange == nil {
		return nil, fmt.Errorf("onChange cannot be nil")
	}

	cancelMindmaps, err := mindmaps.Subscribe(projectID, tagged(KindMindmap, onChange))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to mindmap changes: %w", err)
	}

	cancelFeatures, err := features.Subscribe(projectID, tagged(KindFeatures, onChange))
	if err != nil {
		if cancelMindmaps != nil {
			cancelMindmaps()
		}
		return nil, fmt.Errorf("failed to subscribe to feature changes: %w", err)
	}

	return &Subscription{cancels: []func(){cancelMindmaps, cancelFeatures}}, nil
}

// Unsubscribe deregisters both feeds. Only the first call has any effect.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		for _, cancel := range s.cancels {
			if cancel != nil {
				cancel()
			}
		}
	})
}

func tagged(kind Kind, fn func(Event)) func(Event) {
	return func(e Event) {
		e.Type = kind
		if e.At.IsZero() {
			e.At = time.Now()
		}
		fn(e)
	}
}
