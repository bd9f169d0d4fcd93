package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// MindmapBody is the persisted JSON body of a mindmap document.
//
// Two shapes exist in stored data: a flat nodes array, and a nodes array with
// a separate rootNode. ParseBody accepts both and returns the canonical form,
// where the root appears in Nodes exactly once and RootNode mirrors it.
type MindmapBody struct {
	RootNode    *MindmapNode  `json:"rootNode,omitempty" yaml:"root_node,omitempty"`
	Nodes       []MindmapNode `json:"nodes" yaml:"nodes"`
	Connections []Connection  `json:"connections" yaml:"connections"`
}

// MindmapDocument is the single mindmap record of a project.
type MindmapDocument struct {
	ID        string      `json:"id" yaml:"id"`
	ProjectID string      `json:"project_id" yaml:"project_id"`
	Title     string      `json:"title" yaml:"title"`
	Body      MindmapBody `json:"body" yaml:"body"`
	Version   int64       `json:"version" yaml:"version"`
	CreatedAt time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" yaml:"updated_at"`
}

// ParseBody decodes and normalizes a stored mindmap body.
// An empty input yields an empty body.
func ParseBody(data []byte) (MindmapBody, error) {
	var body MindmapBody
	if len(data) == 0 {
		return NewBody(nil, nil), nil
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return MindmapBody{}, fmt.Errorf("failed to parse mindmap body: %w", err)
	}
	body.Normalize()
	return body, nil
}

// NewBody builds a canonical body from a node list and connections.
func NewBody(nodes []MindmapNode, connections []Connection) MindmapBody {
	body := MindmapBody{Nodes: nodes, Connections: connections}
	body.Normalize()
	return body
}

// Normalize brings the body into canonical form in place.
func (b *MindmapBody) Normalize() {
	if b.Nodes == nil {
		b.Nodes = []MindmapNode{}
	}
	if b.Connections == nil {
		b.Connections = []Connection{}
	}

	idx := b.IndexOf(RootNodeID)
	switch {
	case idx >= 0:
		root := b.Nodes[idx].Clone()
		b.RootNode = &root
	case b.RootNode != nil:
		root := b.RootNode.Clone()
		root.ID = RootNodeID
		root.ParentID = ""
		b.Nodes = append([]MindmapNode{root}, b.Nodes...)
		b.RootNode = &root
	}
}

// Marshal encodes the body in canonical form.
func (b MindmapBody) Marshal() ([]byte, error) {
	b.Normalize()
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mindmap body: %w", err)
	}
	return data, nil
}

// IndexOf returns the index of the node with the given id, or -1.
func (b *MindmapBody) IndexOf(id string) int {
	for i := range b.Nodes {
		if b.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// HasRoot reports whether the body contains the root node.
func (b *MindmapBody) HasRoot() bool {
	return b.IndexOf(RootNodeID) >= 0
}

// LinkedFeatureIDs returns the set of feature ids referenced by nodes.
func (b *MindmapBody) LinkedFeatureIDs() map[string]string {
	links := make(map[string]string)
	for i := range b.Nodes {
		if id, ok := b.Nodes[i].LinkedFeature(); ok {
			links[id] = b.Nodes[i].ID
		}
	}
	return links
}

// PruneConnections returns the connections whose endpoints both exist in nodes,
// with duplicates removed.
func PruneConnections(connections []Connection, nodes []MindmapNode) []Connection {
	ids := make(map[string]bool, len(nodes))
	for i := range nodes {
		ids[nodes[i].ID] = true
	}
	seen := make(map[Connection]bool, len(connections))
	out := make([]Connection, 0, len(connections))
	for _, c := range connections {
		if !ids[c.From] || !ids[c.To] || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Validate checks every node, id uniqueness, and the root invariants.
func (b *MindmapBody) Validate() error {
	seen := make(map[string]bool, len(b.Nodes))
	for i := range b.Nodes {
		n := &b.Nodes[i]
		if err := n.Validate(); err != nil {
			return err
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}
