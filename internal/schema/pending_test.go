package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPendingOp_Validate(t *testing.T) {
	tests := []struct {
		name    string
		op      PendingOp
		wantErr string
	}{
		{
			name: "save features",
			op:   PendingOp{ProjectID: "p1", Kind: PendingSaveFeatures, Payload: json.RawMessage(`{"features":[]}`)},
		},
		{
			name: "remove feature",
			op:   PendingOp{ProjectID: "p1", Kind: PendingRemoveFeature, Payload: json.RawMessage(`{"feature_id":"f1"}`)},
		},
		{
			name:    "remove without id",
			op:      PendingOp{ProjectID: "p1", Kind: PendingRemoveFeature, Payload: json.RawMessage(`{}`)},
			wantErr: "feature_id is required",
		},
		{
			name:    "missing project",
			op:      PendingOp{Kind: PendingSaveFeatures, Payload: json.RawMessage(`{}`)},
			wantErr: "project_id is required",
		},
		{
			name:    "unknown kind",
			op:      PendingOp{ProjectID: "p1", Kind: "rename", Payload: json.RawMessage(`{}`)},
			wantErr: "unknown pending op kind",
		},
		{
			name:    "bad payload",
			op:      PendingOp{ProjectID: "p1", Kind: PendingMindmapToFeatures, Payload: json.RawMessage(`[`)},
			wantErr: "invalid mindmap-to-features payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
