// Package generate validates AI generation responses and imports them into
// a project as linked features, mindmap nodes, and user stories.
package generate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planforge/mindsync/internal/schema"
)

// RequiredKeys are the top-level keys every generation response must carry.
var RequiredKeys = []string{"mindmap", "features", "userStories"}

// ValidationError reports a generation response that cannot be applied.
// Nothing is written when it is returned.
type ValidationError struct {
	Missing  []string
	Problems []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	parts = append(parts, e.Problems...)
	return "invalid generation response: " + strings.Join(parts, "; ")
}

// Response is the document returned by the generation service.
type Response struct {
	Mindmap     Mindmap            `json:"mindmap"`
	Features    []GeneratedFeature `json:"features"`
	UserStories []GeneratedStory   `json:"userStories"`
}

// Mindmap is the generated mindmap structure. Its nodes only supply layout
// and nesting for the features that reference them.
type Mindmap struct {
	Title string          `json:"title"`
	Nodes []GeneratedNode `json:"nodes"`
}

type GeneratedNode struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	ParentID string           `json:"parentId,omitempty"`
	Position *schema.Position `json:"position,omitempty"`
}

// GeneratedFeature is one feature of the response. Ref is the correlation
// id stories point at; NodeID names the originating mindmap node.
type GeneratedFeature struct {
	Ref         string            `json:"ref,omitempty"`
	NodeID      string            `json:"nodeId,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Priority    schema.Priority   `json:"priority,omitempty"`
	Complexity  schema.Complexity `json:"complexity,omitempty"`
	Category    schema.Category   `json:"category,omitempty"`
}

// GeneratedStory is one user story. FeatureRef joins it to a feature's Ref;
// Feature (a title) is only consulted when no ref is given.
type GeneratedStory struct {
	FeatureRef         string          `json:"featureRef,omitempty"`
	Feature            string          `json:"feature,omitempty"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	AcceptanceCriteria []string        `json:"acceptanceCriteria,omitempty"`
	Priority           schema.Priority `json:"priority,omitempty"`
}

// Validate decodes raw and checks it can be imported: the three required
// keys are present, every feature and story is well formed, and every story
// joins to exactly one feature.
func Validate(raw []byte) (*Response, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("response is not a JSON object: %v", err)}}
	}

	verr := &ValidationError{}
	for _, key := range RequiredKeys {
		if v, ok := top[key]; !ok || string(v) == "null" {
			verr.Missing = append(verr.Missing, key)
		}
	}
	if len(verr.Missing) > 0 {
		return nil, verr
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("malformed response: %v", err)}}
	}
	if _, err := resp.Join(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Join resolves each story to the index of its feature. It fails with a
// *ValidationError listing every malformed entry and every story that
// references no feature or more than one.
func (r *Response) Join() ([]int, error) {
	verr := &ValidationError{}

	byRef := make(map[string]int, len(r.Features))
	byTitle := make(map[string][]int, len(r.Features))
	for i, f := range r.Features {
		if strings.TrimSpace(f.Title) == "" {
			verr.Problems = append(verr.Problems, fmt.Sprintf("feature %d has no title", i))
		}
		if !f.Priority.Valid() || !f.Complexity.Valid() || !f.Category.Valid() {
			verr.Problems = append(verr.Problems, fmt.Sprintf("feature %q has an invalid priority, complexity, or category", f.Title))
		}
		if f.Ref != "" {
			if _, dup := byRef[f.Ref]; dup {
				verr.Problems = append(verr.Problems, fmt.Sprintf("duplicate feature ref %q", f.Ref))
			}
			byRef[f.Ref] = i
		}
		key := strings.TrimSpace(f.Title)
		byTitle[key] = append(byTitle[key], i)
	}

	joined := make([]int, len(r.UserStories))
	for i, s := range r.UserStories {
		if strings.TrimSpace(s.Title) == "" {
			verr.Problems = append(verr.Problems, fmt.Sprintf("user story %d has no title", i))
		}
		if !s.Priority.Valid() {
			verr.Problems = append(verr.Problems, fmt.Sprintf("user story %q has invalid priority %q", s.Title, s.Priority))
		}

		switch {
		case s.FeatureRef != "":
			idx, ok := byRef[s.FeatureRef]
			if !ok {
				verr.Problems = append(verr.Problems, fmt.Sprintf("user story %q references unknown feature ref %q", s.Title, s.FeatureRef))
				continue
			}
			joined[i] = idx
		case strings.TrimSpace(s.Feature) != "":
			matches := byTitle[strings.TrimSpace(s.Feature)]
			switch len(matches) {
			case 0:
				verr.Problems = append(verr.Problems, fmt.Sprintf("user story %q references unknown feature %q", s.Title, s.Feature))
			case 1:
				joined[i] = matches[0]
			default:
				verr.Problems = append(verr.Problems, fmt.Sprintf("user story %q matches %d features titled %q", s.Title, len(matches), s.Feature))
			}
		default:
			verr.Problems = append(verr.Problems, fmt.Sprintf("user story %q has no feature reference", s.Title))
		}
	}

	if len(verr.Problems) > 0 {
		return nil, verr
	}
	return joined, nil
}

// extractJSON returns the JSON object in a model reply, dropping Markdown
// code fences and any prose around the object.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.Contains(rest[:nl], "{") {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		text = strings.TrimSpace(rest)
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
