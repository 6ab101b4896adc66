package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Scene is a single screenplay scene. Identity is the composite SceneID
// (projectId + "_" + sceneIndex); the slugline is display text and may repeat
// across distinct scenes in the same project.
type Scene struct {
	SceneID    string `json:"sceneId"`
	ProjectID  string `json:"projectId"`
	SceneIndex int    `json:"sceneIndex"`
	Slugline   string `json:"slugline"`

	Characters []string `json:"characters,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	ThemeTags  []string `json:"themeTags,omitempty"`

	Tokens    int `json:"tokens"`
	WordCount int `json:"wordCount"`

	// FullContent is the flattened scene text; Blocks is the opaque editor
	// block array. The store never interprets blocks.
	FullContent string          `json:"fullContent,omitempty"`
	Blocks      json.RawMessage `json:"blocks,omitempty"`

	ProjectTitle string `json:"projectTitle,omitempty"`

	// Timestamp is the last-write time (ns). Version backs optimistic
	// concurrency: it increments on every committed write.
	Timestamp int64 `json:"timestamp"`
	Version   int64 `json:"version"`

	// Deleted marks an explicit soft delete; DeletedTS records when (ns).
	// Purged later by the retention runner.
	Deleted   bool  `json:"deleted,omitempty"`
	DeletedTS int64 `json:"deleted_ts,omitempty"`
}

// SceneIDFor returns the composite scene ID for a project and index.
func SceneIDFor(projectID string, index int) string {
	return projectID + "_" + strconv.Itoa(index)
}

// SplitSceneID splits a composite scene ID into project ID and scene index.
// Project IDs may themselves contain underscores, so the split is at the last
// one.
func SplitSceneID(sceneID string) (projectID string, index int, err error) {
	i := strings.LastIndex(sceneID, "_")
	if i <= 0 || i == len(sceneID)-1 {
		return "", 0, fmt.Errorf("malformed scene id %q", sceneID)
	}
	idx, err := strconv.Atoi(sceneID[i+1:])
	if err != nil || idx < 0 {
		return "", 0, fmt.Errorf("malformed scene id %q", sceneID)
	}
	return sceneID[:i], idx, nil
}

// ScenePatch is the body of a scene-level optimistic-concurrency write. Every
// optional field is a pointer so "absent" and "zero" stay distinct.
type ScenePatch struct {
	Position     *int            `json:"position,omitempty"`
	SceneHeading *string         `json:"scene_heading,omitempty"`
	Blocks       json.RawMessage `json:"blocks,omitempty"`
	Summary      *string         `json:"summary,omitempty"`
	Characters   *[]string       `json:"characters,omitempty"`
	ThemeTags    *[]string       `json:"theme_tags,omitempty"`
	FullContent  *string         `json:"full_content,omitempty"`
	Tokens       *int            `json:"tokens,omitempty"`
	WordCount    *int            `json:"word_count,omitempty"`
	ProjectTitle *string         `json:"project_title,omitempty"`

	// UpdatedAtClient is the client's wall clock at edit time (ms). Stored
	// for diagnostics only; ordering decisions always use BaseVersion.
	UpdatedAtClient int64 `json:"updated_at_client,omitempty"`

	// BaseVersion is the version the client last observed. OpID doubles as
	// the idempotency key for safe retries.
	BaseVersion int64  `json:"base_version"`
	OpID        string `json:"op_id"`
}

// Apply merges the patch onto a scene. Version and timestamps are managed by
// the store, not here.
func (p *ScenePatch) Apply(s *Scene) {
	if p.SceneHeading != nil {
		s.Slugline = *p.SceneHeading
	}
	if p.Blocks != nil {
		s.Blocks = p.Blocks
	}
	if p.Summary != nil {
		s.Summary = *p.Summary
	}
	if p.Characters != nil {
		s.Characters = append([]string(nil), (*p.Characters)...)
	}
	if p.ThemeTags != nil {
		s.ThemeTags = append([]string(nil), (*p.ThemeTags)...)
	}
	if p.FullContent != nil {
		s.FullContent = *p.FullContent
	}
	if p.Tokens != nil {
		s.Tokens = *p.Tokens
	}
	if p.WordCount != nil {
		s.WordCount = *p.WordCount
	}
	if p.ProjectTitle != nil {
		s.ProjectTitle = *p.ProjectTitle
	}
}
