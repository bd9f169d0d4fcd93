package generate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/planforge/mindsync/internal/schema"
	"github.com/planforge/mindsync/internal/store"
	"github.com/planforge/mindsync/internal/sync"
)

const validResponse = `{
  "mindmap": {"title": "Recipe App", "nodes": [
    {"id": "m1", "title": "Accounts"},
    {"id": "m2", "title": "Login", "parentId": "m1", "position": {"x": 220, "y": 480}}
  ]},
  "features": [
    {"ref": "acc", "nodeId": "m1", "title": "Accounts", "priority": "medium", "category": "core"},
    {"ref": "login", "nodeId": "m2", "title": "Login", "priority": "high", "complexity": "low"}
  ],
  "userStories": [
    {"featureRef": "login", "title": "Sign in with email", "acceptanceCriteria": ["valid email accepted"]},
    {"feature": "Accounts", "title": "Delete my account", "priority": "low"}
  ]
}`

func testStore(t *testing.T) *store.SQLStore {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "mindsync.db"), store.Options{})
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestValidate_MissingKeys(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		missing []string
	}{
		{"no user stories", `{"mindmap": {}, "features": []}`, []string{"userStories"}},
		{"null features", `{"mindmap": {}, "features": null, "userStories": []}`, []string{"features"}},
		{"empty object", `{}`, []string{"mindmap", "features", "userStories"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate([]byte(tt.raw))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if strings.Join(verr.Missing, ",") != strings.Join(tt.missing, ",") {
				t.Errorf("missing = %v, want %v", verr.Missing, tt.missing)
			}
		})
	}

	if _, err := Validate([]byte(`[1, 2]`)); err == nil {
		t.Error("expected error for non-object response")
	}
}

func TestImportRaw_RejectsWithoutWrites(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	raw := `{"mindmap": {"title": "App"}, "features": [{"ref": "a", "title": "Login"}]}`
	_, err := ImportRaw(ctx, st, "p1", []byte(raw), ImportOptions{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}

	features, err := st.ListFeatures(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(features) != 0 {
		t.Errorf("expected no features written, got %d", len(features))
	}
	if _, err := st.GetMindmapDocument(ctx, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no mindmap written, got %v", err)
	}
}

func TestJoin(t *testing.T) {
	features := []GeneratedFeature{
		{Ref: "a", Title: "Login"},
		{Ref: "b", Title: "Search"},
		{Ref: "c", Title: "Search"},
	}

	tests := []struct {
		name    string
		story   GeneratedStory
		want    int
		wantErr string
	}{
		{"by ref", GeneratedStory{FeatureRef: "c", Title: "s"}, 2, ""},
		{"ref wins over title", GeneratedStory{FeatureRef: "a", Feature: "Search", Title: "s"}, 0, ""},
		{"unique title fallback", GeneratedStory{Feature: " Login ", Title: "s"}, 0, ""},
		{"ambiguous title", GeneratedStory{Feature: "Search", Title: "s"}, 0, "matches 2 features"},
		{"unknown ref", GeneratedStory{FeatureRef: "zz", Title: "s"}, 0, "unknown feature ref"},
		{"no reference", GeneratedStory{Title: "s"}, 0, "no feature reference"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Response{Features: features, UserStories: []GeneratedStory{tt.story}}
			joined, err := r.Join()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if joined[0] != tt.want {
				t.Errorf("joined to %d, want %d", joined[0], tt.want)
			}
		})
	}
}

func TestImport(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	res, err := ImportRaw(ctx, st, "p1", []byte(validResponse), ImportOptions{})
	if err != nil {
		t.Fatalf("ImportRaw() failed: %v", err)
	}
	if len(res.Features) != 2 || res.Stories != 2 || res.Nodes != 3 {
		t.Errorf("unexpected result: %+v", res)
	}

	doc, err := st.GetMindmapDocument(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Body.RootNode == nil || doc.Body.RootNode.Title != "Recipe App" {
		t.Errorf("expected root titled from the response, got %+v", doc.Body.RootNode)
	}

	features, err := st.ListFeatures(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	byTitle := make(map[string]*schema.Feature)
	for _, f := range features {
		byTitle[f.Title] = f
		if !f.Metadata.AIGenerated || f.Metadata.GeneratedAt == nil || f.Metadata.CorrelationID == "" {
			t.Errorf("feature %s missing generation metadata: %+v", f.ID, f.Metadata)
		}
		i := doc.Body.IndexOf(f.Metadata.NodeID)
		if i < 0 || f.Metadata.NodeID != schema.GeneratedNodePrefix+f.ID {
			t.Fatalf("feature %s not linked to a feature_ node", f.ID)
		}
		if id, _ := doc.Body.Nodes[i].LinkedFeature(); id != f.ID {
			t.Errorf("node %s not linked back to %s", f.Metadata.NodeID, f.ID)
		}
	}

	login := doc.Body.Nodes[doc.Body.IndexOf(byTitle["Login"].Metadata.NodeID)]
	if login.ParentID != byTitle["Accounts"].Metadata.NodeID {
		t.Errorf("expected Login nested under Accounts, got parent %q", login.ParentID)
	}
	if login.Position != (schema.Position{X: 220, Y: 480}) {
		t.Errorf("expected generated position, got %+v", login.Position)
	}

	stories, err := st.ListUserStories(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range stories {
		want := byTitle["Login"].ID
		if s.Title == "Delete my account" {
			want = byTitle["Accounts"].ID
		}
		if s.FeatureID != want {
			t.Errorf("story %q attached to %s, want %s", s.Title, s.FeatureID, want)
		}
	}

	// An imported project is already consistent.
	out, err := sync.New(st).MindmapToFeatures(ctx, doc.ID, doc.Body.Nodes)
	if err != nil {
		t.Fatal(err)
	}
	if out.Writes() != 0 || out.Relinked != 0 {
		t.Errorf("expected no reconciliation writes after import, got %+v", out)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"Here you go:\n```\n{\"a\":1}\n```\nEnjoy.", `{"a":1}`},
		{"```{\"a\":\n1}```", "{\"a\":\n1}"},
		{"Sure! {\"a\":1} Done.", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAnthropicGenerator(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/messages") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)

		reply := map[string]interface{}{
			"id":    "msg_01",
			"type":  "message",
			"role":  "assistant",
			"model": "claude-sonnet-4-5",
			"content": []map[string]interface{}{
				{"type": "text", "text": "```json\n" + validResponse + "\n```"},
			},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]interface{}{"input_tokens": 10, "output_tokens": 20},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	}))
	defer srv.Close()

	g, err := NewAnthropicGenerator(AnthropicConfig{APIKey: "test-key", Model: "claude-sonnet-4-5"},
		option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	if err != nil {
		t.Fatal(err)
	}

	raw, err := g.Generate(context.Background(), Request{Description: "A recipe sharing app", AppType: "web"})
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	if _, err := Validate(raw); err != nil {
		t.Errorf("generated reply does not validate: %v", err)
	}

	if got["model"] != "claude-sonnet-4-5" {
		t.Errorf("unexpected model in request: %v", got["model"])
	}
	msgs, _ := json.Marshal(got["messages"])
	if !strings.Contains(string(msgs), "A recipe sharing app") {
		t.Errorf("description not sent: %s", msgs)
	}

	if _, err := NewAnthropicGenerator(AnthropicConfig{Model: "m"}); err == nil {
		t.Error("expected error without api key")
	}
}
