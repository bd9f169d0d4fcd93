package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/planforge/mindsync/internal/logging"
	"github.com/planforge/mindsync/internal/multiplex"
	"github.com/planforge/mindsync/internal/store"
	mindsync "github.com/planforge/mindsync/internal/sync"
	"github.com/planforge/mindsync/internal/syncstate"
)

// SyncEventData describes one committed reconciliation pass
type SyncEventData struct {
	Name      string `json:"name"`
	ProjectID string `json:"project_id"`
	MindmapID string `json:"mindmap_id"`
	Nodes     int    `json:"nodes"`
}

// ChangeData describes one store change
type ChangeData struct {
	Type      multiplex.Kind `json:"type"`
	ProjectID string         `json:"project_id"`
	Action    string         `json:"action"`
	RecordID  string         `json:"record_id"`
}

// ProjectStats holds the stored counts of one project
type ProjectStats struct {
	Features       int   `json:"features"`
	UserStories    int   `json:"user_stories"`
	PendingOps     int   `json:"pending_ops"`
	MindmapNodes   int   `json:"mindmap_nodes"`
	MindmapVersion int64 `json:"mindmap_version"`
}

// StatsData contains aggregate dashboard counters
type StatsData struct {
	Passes   int                     `json:"passes"`
	Changes  int                     `json:"changes"`
	ByStatus map[string]int          `json:"by_status"`
	Projects map[string]ProjectStats `json:"projects,omitempty"`
}

// Handler formats engine, controller, and change-feed events as dashboard
// messages and broadcasts them on a Server.
type Handler struct {
	server *Server
	log    *logging.Logger

	mu       sync.Mutex
	passes   int
	changes  int
	statuses map[string]syncstate.Status
	projects map[string]ProjectStats
}

// NewHandler creates a new event handler connected to a dashboard server.
// New clients receive the current stats as their welcome message.
func NewHandler(server *Server, log *logging.Logger) *Handler {
	h := &Handler{
		server:   server,
		log:      logging.OrNop(log).Named("dashboard"),
		statuses: make(map[string]syncstate.Status),
		projects: make(map[string]ProjectStats),
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// Attach subscribes to both pass directions of syncer. The returned function
// removes the subscriptions.
func (h *Handler) Attach(syncer mindsync.Syncer) func() {
	offA := syncer.Subscribe(mindsync.EventMindmapToFeatures, h.OnSyncEvent)
	offB := syncer.Subscribe(mindsync.EventFeaturesToMindmap, h.OnSyncEvent)
	return func() {
		offA()
		offB()
	}
}

// Watch broadcasts every status change of ctl.
func (h *Handler) Watch(ctl *syncstate.Controller) func() {
	h.OnStatus(ctl.Snapshot())
	return ctl.OnChange(h.OnStatus)
}

// OnSyncEvent handles a committed pass
func (h *Handler) OnSyncEvent(ev mindsync.SyncEvent) {
	h.log.Debug("sync event", "name", ev.Name, "project_id", ev.ProjectID, "nodes", len(ev.Nodes))

	h.mu.Lock()
	h.passes++
	h.mu.Unlock()

	h.send(MessageTypeSyncEvent, SyncEventData{
		Name:      ev.Name,
		ProjectID: ev.ProjectID,
		MindmapID: ev.MindmapID,
		Nodes:     len(ev.Nodes),
	})
}

// OnStatus handles a controller state change
func (h *Handler) OnStatus(s syncstate.Snapshot) {
	h.mu.Lock()
	prev, seen := h.statuses[s.ProjectID]
	h.statuses[s.ProjectID] = s.Status
	h.mu.Unlock()

	if seen && prev != s.Status {
		h.log.Info("status changed", "project_id", s.ProjectID, "from", prev, "to", s.Status)
	}

	h.send(MessageTypeStatus, s)
}

// OnChange handles a store change event
func (h *Handler) OnChange(e multiplex.Event) {
	h.mu.Lock()
	h.changes++
	h.mu.Unlock()

	h.send(MessageTypeChange, ChangeData{
		Type:      e.Type,
		ProjectID: e.ProjectID,
		Action:    e.Action,
		RecordID:  e.RecordID,
	})
}

// UpdateStats records stored counts for a project and broadcasts the stats.
func (h *Handler) UpdateStats(st *store.Stats) {
	if st == nil {
		return
	}
	h.mu.Lock()
	h.projects[st.ProjectID] = ProjectStats{
		Features:       st.Features,
		UserStories:    st.UserStories,
		PendingOps:     st.PendingOps,
		MindmapNodes:   st.MindmapNodes,
		MindmapVersion: st.MindmapVersion,
	}
	h.mu.Unlock()

	h.server.Broadcast(h.statsMessage())
}

// GetStats returns a copy of the current counters
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := StatsData{
		Passes:   h.passes,
		Changes:  h.changes,
		ByStatus: make(map[string]int),
		Projects: make(map[string]ProjectStats, len(h.projects)),
	}
	for _, s := range h.statuses {
		out.ByStatus[string(s)]++
	}
	for id, p := range h.projects {
		out.Projects[id] = p
	}
	return out
}

func (h *Handler) statsMessage() Message {
	data, err := json.Marshal(h.GetStats())
	if err != nil {
		h.log.Error("failed to marshal stats", "error", err)
		return Message{Type: MessageTypeStats, Timestamp: time.Now()}
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to marshal message", "type", typ, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
