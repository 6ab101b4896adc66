package models

import "encoding/json"

// Snapshot is a versioned, complete capture of a project's scene list.
// A project has at most one snapshot; writes replace it whole.
type Snapshot struct {
	ProjectID string          `json:"projectId"`
	Version   int64           `json:"version"`
	Title     string          `json:"title,omitempty"`
	Scenes    []Scene         `json:"scenes"`
	Elements  json.RawMessage `json:"elements,omitempty"`

	Metadata SnapshotMetadata `json:"metadata"`
}

// SnapshotMetadata carries derived aggregates plus free-form labels. The
// aggregates are always recomputed from Scenes on write; caller-supplied
// values are ignored.
type SnapshotMetadata struct {
	CreatedAt   int64 `json:"createdAt"`
	UpdatedAt   int64 `json:"updatedAt"`
	SceneCount  int   `json:"sceneCount"`
	TotalWords  int   `json:"totalWords"`
	TotalTokens int   `json:"totalTokens"`

	// MigratedFromMemory marks snapshots bridged from the scene store by the
	// one-time legacy migration.
	MigratedFromMemory bool `json:"migratedFromMemory,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`
}

// MetadataPatch is a partial update of snapshot metadata. Labels merge
// key-by-key; an empty label value removes the key. Derived aggregates are
// not patchable.
type MetadataPatch struct {
	Title              *string           `json:"title,omitempty"`
	MigratedFromMemory *bool             `json:"migratedFromMemory,omitempty"`
	Labels             map[string]string `json:"labels,omitempty"`
}

// SnapshotStats is the read-only per-project stats view.
type SnapshotStats struct {
	ProjectID   string `json:"projectId"`
	Title       string `json:"title,omitempty"`
	Version     int64  `json:"version"`
	SceneCount  int    `json:"sceneCount"`
	TotalWords  int    `json:"totalWords"`
	TotalTokens int    `json:"totalTokens"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// GlobalStats aggregates across every stored snapshot.
type GlobalStats struct {
	ProjectCount int   `json:"projectCount"`
	SceneCount   int   `json:"sceneCount"`
	TotalWords   int   `json:"totalWords"`
	TotalTokens  int   `json:"totalTokens"`
	UpdatedAt    int64 `json:"updatedAt"`
}
