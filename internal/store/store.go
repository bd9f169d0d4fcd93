// Package store is the adapter between the sync engine and persistence: one
// mindmap document per project, a feature collection, user stories, the
// offline operation log, and change feeds for both collections.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/planforge/mindsync/internal/db"
	"github.com/planforge/mindsync/internal/logging"
	"github.com/planforge/mindsync/internal/multiplex"
	"github.com/planforge/mindsync/internal/schema"
)

// Stats summarizes one project.
type Stats = db.Stats

// Adapter abstracts the persistence surfaces the sync engine works against.
//
// Not-found outcomes return ErrNotFound; backend failures return a
// *TransportError.
type Adapter interface {
	GetMindmapDocument(ctx context.Context, projectID string) (*schema.MindmapDocument, error)
	GetMindmapByID(ctx context.Context, mindmapID string) (*schema.MindmapDocument, error)
	// EnsureMindmapDocument returns the project's mindmap, creating it with
	// a root node titled title on first use.
	EnsureMindmapDocument(ctx context.Context, projectID, title string) (*schema.MindmapDocument, error)
	// WriteMindmapDocument replaces the body (last write wins), stamps
	// updated_at, and bumps version.
	WriteMindmapDocument(ctx context.Context, mindmapID string, nodes []schema.MindmapNode, connections []schema.Connection) (*schema.MindmapDocument, error)
	// CompareAndWriteMindmapDocument writes only if the stored version
	// equals version; otherwise ErrVersionConflict.
	CompareAndWriteMindmapDocument(ctx context.Context, mindmapID string, version int64, nodes []schema.MindmapNode, connections []schema.Connection) (*schema.MindmapDocument, error)

	GetFeature(ctx context.Context, featureID string) (*schema.Feature, error)
	ListFeatures(ctx context.Context, projectID string) ([]*schema.Feature, error)
	// InsertFeature issues the feature id and returns the stored row.
	InsertFeature(ctx context.Context, f *schema.Feature) (*schema.Feature, error)
	UpdateFeature(ctx context.Context, featureID string, patch schema.FeaturePatch) (*schema.Feature, error)
	// DeleteFeature removes a feature and its stories. Missing is not an error.
	DeleteFeature(ctx context.Context, featureID string) error

	InsertUserStory(ctx context.Context, s *schema.UserStory) (*schema.UserStory, error)
	ListUserStories(ctx context.Context, projectID string) ([]*schema.UserStory, error)

	Enqueue(ctx context.Context, op *schema.PendingOp) error
	Pending(ctx context.Context, projectID string) ([]*schema.PendingOp, error)
	Ack(ctx context.Context, seq int64) error

	Ping(ctx context.Context) error
	Stats(ctx context.Context, projectID string) (*Stats, error)
	// ListProjects returns every project with a mindmap, features or
	// pending ops, sorted.
	ListProjects(ctx context.Context) ([]string, error)

	// Subscribe registers onChange for mindmap and feature changes in the
	// project. Delivery is at-least-once and includes the caller's own writes.
	Subscribe(projectID string, onChange func(multiplex.Event)) (*multiplex.Subscription, error)
}

// Options configures a SQLStore.
type Options struct {
	// Notifier carries change events. Defaults to an in-process Hub.
	Notifier Notifier
	Logger   *logging.Logger
}

// SQLStore implements Adapter on the SQLite database.
type SQLStore struct {
	db       *db.DB
	notifier Notifier
	log      *logging.Logger
}

var _ Adapter = (*SQLStore)(nil)

// New wraps an open database.
func New(database *db.DB, opts Options) *SQLStore {
	if opts.Notifier == nil {
		opts.Notifier = NewHub()
	}
	return &SQLStore{
		db:       database,
		notifier: opts.Notifier,
		log:      logging.OrNop(opts.Logger).Named("store"),
	}
}

// Open opens the database at path, initializes the schema, and wraps it.
func Open(ctx context.Context, path string, opts Options) (*SQLStore, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchemaContext(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}
	return New(database, opts), nil
}

// DB returns the underlying database.
func (s *SQLStore) DB() *db.DB {
	return s.db
}

// Notifier returns the change notifier.
func (s *SQLStore) Notifier() Notifier {
	return s.notifier
}

// Close closes the notifier and the database.
func (s *SQLStore) Close() error {
	nerr := s.notifier.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return nerr
}

// GetMindmapDocument implements Adapter.GetMindmapDocument.
func (s *SQLStore) GetMindmapDocument(ctx context.Context, projectID string) (*schema.MindmapDocument, error) {
	doc, err := s.db.GetMindmapByProjectContext(ctx, projectID)
	if db.IsNotFound(err) {
		return nil, fmt.Errorf("mindmap for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, transport("get mindmap", err)
	}
	return doc, nil
}

// GetMindmapByID implements Adapter.GetMindmapByID.
func (s *SQLStore) GetMindmapByID(ctx context.Context, mindmapID string) (*schema.MindmapDocument, error) {
	doc, err := s.db.GetMindmapByIDContext(ctx, mindmapID)
	if db.IsNotFound(err) {
		return nil, fmt.Errorf("mindmap %s: %w", mindmapID, ErrNotFound)
	}
	if err != nil {
		return nil, transport("get mindmap", err)
	}
	return doc, nil
}

// EnsureMindmapDocument implements Adapter.EnsureMindmapDocument.
func (s *SQLStore) EnsureMindmapDocument(ctx context.Context, projectID, title string) (*schema.MindmapDocument, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}

	doc, err := s.GetMindmapDocument(ctx, projectID)
	if err == nil {
		return doc, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	id := uuid.NewString()
	created, err := s.db.CreateMindmapContext(ctx, &schema.MindmapDocument{
		ID:        id,
		ProjectID: projectID,
		Title:     title,
		Body:      schema.NewBody([]schema.MindmapNode{schema.NewRootNode(title)}, nil),
	})
	if err != nil {
		return nil, transport("create mindmap", err)
	}

	if created.ID == id {
		s.log.Info("created mindmap", "project_id", projectID, "mindmap_id", id)
		s.publish(ctx, multiplex.KindMindmap, projectID, multiplex.ActionInsert, id, created)
	}
	return created, nil
}

// WriteMindmapDocument implements Adapter.WriteMindmapDocument.
func (s *SQLStore) WriteMindmapDocument(ctx context.Context, mindmapID string, nodes []schema.MindmapNode, connections []schema.Connection) (*schema.MindmapDocument, error) {
	return s.writeMindmap(ctx, mindmapID, db.AnyVersion, nodes, connections)
}

// CompareAndWriteMindmapDocument implements Adapter.CompareAndWriteMindmapDocument.
func (s *SQLStore) CompareAndWriteMindmapDocument(ctx context.Context, mindmapID string, version int64, nodes []schema.MindmapNode, connections []schema.Connection) (*schema.MindmapDocument, error) {
	if version < 0 {
		return nil, fmt.Errorf("invalid expected version %d", version)
	}
	return s.writeMindmap(ctx, mindmapID, version, nodes, connections)
}

func (s *SQLStore) writeMindmap(ctx context.Context, mindmapID string, version int64, nodes []schema.MindmapNode, connections []schema.Connection) (*schema.MindmapDocument, error) {
	body := schema.NewBody(cloneNodes(nodes), append([]schema.Connection(nil), connections...))
	if err := body.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mindmap: %w", err)
	}

	doc, err := s.db.WriteMindmapBodyContext(ctx, mindmapID, body, version)
	switch {
	case db.IsNotFound(err):
		return nil, fmt.Errorf("mindmap %s: %w", mindmapID, ErrNotFound)
	case isVersionMismatch(err):
		return nil, fmt.Errorf("%w: %v", ErrVersionConflict, err)
	case err != nil:
		return nil, transport("write mindmap", err)
	}

	s.log.Debug("wrote mindmap", "mindmap_id", mindmapID, "version", doc.Version, "nodes", len(doc.Body.Nodes))
	s.publish(ctx, multiplex.KindMindmap, doc.ProjectID, multiplex.ActionUpdate, doc.ID, doc)
	return doc, nil
}

// GetFeature implements Adapter.GetFeature.
func (s *SQLStore) GetFeature(ctx context.Context, featureID string) (*schema.Feature, error) {
	f, err := s.db.GetFeatureContext(ctx, featureID)
	if db.IsNotFound(err) {
		return nil, fmt.Errorf("feature %s: %w", featureID, ErrNotFound)
	}
	if err != nil {
		return nil, transport("get feature", err)
	}
	return f, nil
}

// ListFeatures implements Adapter.ListFeatures.
func (s *SQLStore) ListFeatures(ctx context.Context, projectID string) ([]*schema.Feature, error) {
	features, err := s.db.ListFeaturesContext(ctx, projectID)
	if err != nil {
		return nil, transport("list features", err)
	}
	return features, nil
}

// InsertFeature implements Adapter.InsertFeature.
func (s *SQLStore) InsertFeature(ctx context.Context, f *schema.Feature) (*schema.Feature, error) {
	row := *f
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := row.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature: %w", err)
	}

	if err := s.db.InsertFeatureContext(ctx, &row); err != nil {
		return nil, transport("insert feature", err)
	}

	s.publish(ctx, multiplex.KindFeatures, row.ProjectID, multiplex.ActionInsert, row.ID, &row)
	return &row, nil
}

// UpdateFeature implements Adapter.UpdateFeature.
func (s *SQLStore) UpdateFeature(ctx context.Context, featureID string, patch schema.FeaturePatch) (*schema.Feature, error) {
	f, err := s.GetFeature(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return f, nil
	}

	patch.Apply(f)
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature patch: %w", err)
	}

	err = s.db.UpdateFeatureContext(ctx, f)
	if db.IsNotFound(err) {
		return nil, fmt.Errorf("feature %s: %w", featureID, ErrNotFound)
	}
	if err != nil {
		return nil, transport("update feature", err)
	}

	s.publish(ctx, multiplex.KindFeatures, f.ProjectID, multiplex.ActionUpdate, f.ID, f)
	return f, nil
}

// DeleteFeature implements Adapter.DeleteFeature.
func (s *SQLStore) DeleteFeature(ctx context.Context, featureID string) error {
	f, err := s.GetFeature(ctx, featureID)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	deleted, err := s.db.DeleteFeatureContext(ctx, featureID)
	if err != nil {
		return transport("delete feature", err)
	}
	if deleted {
		s.publish(ctx, multiplex.KindFeatures, f.ProjectID, multiplex.ActionDelete, featureID, nil)
	}
	return nil
}

// InsertUserStory implements Adapter.InsertUserStory.
func (s *SQLStore) InsertUserStory(ctx context.Context, story *schema.UserStory) (*schema.UserStory, error) {
	row := *story
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := row.Validate(); err != nil {
		return nil, fmt.Errorf("invalid user story: %w", err)
	}
	if err := s.db.InsertUserStoryContext(ctx, &row); err != nil {
		return nil, transport("insert user story", err)
	}
	return &row, nil
}

// ListUserStories implements Adapter.ListUserStories.
func (s *SQLStore) ListUserStories(ctx context.Context, projectID string) ([]*schema.UserStory, error) {
	stories, err := s.db.ListUserStoriesContext(ctx, projectID)
	if err != nil {
		return nil, transport("list user stories", err)
	}
	return stories, nil
}

// Enqueue implements Adapter.Enqueue.
func (s *SQLStore) Enqueue(ctx context.Context, op *schema.PendingOp) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid pending op: %w", err)
	}
	if _, err := s.db.EnqueuePendingContext(ctx, op); err != nil {
		return transport("enqueue pending op", err)
	}
	s.log.Info("queued offline op", "project_id", op.ProjectID, "kind", op.Kind, "seq", op.Seq)
	return nil
}

// Pending implements Adapter.Pending.
func (s *SQLStore) Pending(ctx context.Context, projectID string) ([]*schema.PendingOp, error) {
	ops, err := s.db.ListPendingContext(ctx, projectID)
	if err != nil {
		return nil, transport("list pending ops", err)
	}
	return ops, nil
}

// Ack implements Adapter.Ack.
func (s *SQLStore) Ack(ctx context.Context, seq int64) error {
	return transport("ack pending op", s.db.AckPendingContext(ctx, seq))
}

// Ping implements Adapter.Ping.
func (s *SQLStore) Ping(ctx context.Context) error {
	return transport("ping", s.db.Ping(ctx))
}

// Stats implements Adapter.Stats.
func (s *SQLStore) Stats(ctx context.Context, projectID string) (*Stats, error) {
	stats, err := s.db.StatsContext(ctx, projectID)
	if err != nil {
		return nil, transport("stats", err)
	}
	return stats, nil
}

// ListProjects implements Adapter.ListProjects.
func (s *SQLStore) ListProjects(ctx context.Context) ([]string, error) {
	ids, err := s.db.ListProjectsContext(ctx)
	if err != nil {
		return nil, transport("list projects", err)
	}
	return ids, nil
}

// Subscribe implements Adapter.Subscribe.
func (s *SQLStore) Subscribe(projectID string, onChange func(multiplex.Event)) (*multiplex.Subscription, error) {
	return multiplex.Subscribe(projectID,
		Source(s.notifier, multiplex.KindMindmap),
		Source(s.notifier, multiplex.KindFeatures),
		onChange,
	)
}

// publish sends a change event. The write is already durable, so a failed
// notification is logged and not returned.
func (s *SQLStore) publish(ctx context.Context, kind multiplex.Kind, projectID, action, recordID string, row interface{}) {
	var payload json.RawMessage
	if row != nil {
		if data, err := json.Marshal(row); err == nil {
			payload = data
		}
	}

	e := multiplex.Event{
		Type:      kind,
		ProjectID: projectID,
		Action:    action,
		RecordID:  recordID,
		Payload:   payload,
		At:        time.Now(),
	}
	if err := s.notifier.Publish(ctx, e); err != nil {
		s.log.Warn("failed to publish change", "kind", kind, "record_id", recordID, "error", err)
	}
}

func cloneNodes(nodes []schema.MindmapNode) []schema.MindmapNode {
	out := make([]schema.MindmapNode, len(nodes))
	for i := range nodes {
		out[i] = nodes[i].Clone()
	}
	return out
}
