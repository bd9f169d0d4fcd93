package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace files are named {projectID}.json in two directories:
// mindmaps/ holds a MindmapBody, features/ holds a JSON array of features.

// FileName returns the canonical workspace filename for a project.
func FileName(projectID string) string {
	return fmt.Sprintf("%s.json", projectID)
}

// ProjectFromFileName extracts the project id from a workspace filename.
func ProjectFromFileName(name string) (string, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".json") {
		return "", fmt.Errorf("not a json file: %s", base)
	}
	id := strings.TrimSuffix(base, ".json")
	if id == "" || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid workspace filename: %s", base)
	}
	return id, nil
}

// ReadMindmapFile reads and normalizes a mindmap body from path.
func ReadMindmapFile(path string) (MindmapBody, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MindmapBody{}, fmt.Errorf("failed to read mindmap file %s: %w", path, err)
	}

	body, err := ParseBody(data)
	if err != nil {
		return MindmapBody{}, fmt.Errorf("failed to parse mindmap file %s: %w", path, err)
	}

	if err := body.Validate(); err != nil {
		return MindmapBody{}, fmt.Errorf("invalid mindmap file %s: %w", path, err)
	}

	return body, nil
}

// WriteMindmapFile writes a body to dir/{projectID}.json.
// It reports whether the file content changed.
func WriteMindmapFile(dir, projectID string, body MindmapBody) (bool, error) {
	body.Normalize()
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to marshal mindmap %s: %w", projectID, err)
	}
	return writeIfChanged(dir, FileName(projectID), data)
}

// ReadFeaturesFile reads a JSON array of features from path.
// Every feature is stamped with projectID when its own project_id is empty.
func ReadFeaturesFile(path, projectID string) ([]*Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read features file %s: %w", path, err)
	}

	var features []*Feature
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, fmt.Errorf("failed to parse features file %s: %w", path, err)
	}

	for _, f := range features {
		if f.ProjectID == "" {
			f.ProjectID = projectID
		}
		if f.ProjectID != projectID {
			return nil, fmt.Errorf("feature %s belongs to project %s, not %s", f.ID, f.ProjectID, projectID)
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("invalid feature %q in %s: %w", f.Title, path, err)
		}
	}

	return features, nil
}

// WriteFeaturesFile writes features to dir/{projectID}.json.
// It reports whether the file content changed.
func WriteFeaturesFile(dir, projectID string, features []*Feature) (bool, error) {
	if features == nil {
		features = []*Feature{}
	}
	data, err := json.MarshalIndent(features, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to marshal features %s: %w", projectID, err)
	}
	return writeIfChanged(dir, FileName(projectID), data)
}

// writeIfChanged skips the write when the file already holds data, so that
// exporting a converged state does not wake file watchers again.
func writeIfChanged(dir, name string, data []byte) (bool, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, name)
	data = append(data, '\n')
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return true, nil
}
