package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"scenedb/pkg/models"
	"scenedb/pkg/store"
)

// Handlers bundles the repositories the HTTP layer needs. Constructed once in
// app wiring and shared across requests.
type Handlers struct {
	Scenes       *store.SceneStore
	Snapshots    *store.SnapshotStore
	MaxBodyBytes int64
}

// PushSnapshot handles POST /api/projects/{id}/snapshot: atomic whole-project
// replace.
func (h *Handlers) PushSnapshot(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	var in models.Snapshot
	if !decodeBody(w, r, h.MaxBodyBytes, &in) {
		return
	}
	snap, err := h.Snapshots.StoreSnapshot(projectID, in)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"projectId": snap.ProjectID,
		"version":   snap.Version,
		"count":     snap.Metadata.SceneCount,
		"metadata":  snap.Metadata,
	})
}

// GetSnapshot handles GET /api/projects/{id}/snapshot.
func (h *Handlers) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Snapshots.GetSnapshot(mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": snap})
}

// DeleteSnapshot handles DELETE /api/projects/{id}/snapshot.
func (h *Handlers) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.Snapshots.DeleteSnapshot(mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// PatchMetadata handles PATCH /api/projects/{id}/snapshot/metadata. Metadata
// edits never bump the snapshot version.
func (h *Handlers) PatchMetadata(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	var patch models.MetadataPatch
	if !decodeBody(w, r, h.MaxBodyBytes, &patch) {
		return
	}
	ok, err := h.Snapshots.UpdateMetadata(projectID, patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshot for project")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// SnapshotStats handles GET /api/projects/{id}/snapshot/stats.
func (h *Handlers) SnapshotStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Snapshots.GetStats(mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListProjects handles GET /api/projects/snapshots.
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Snapshots.ListProjects()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if projects == nil {
		projects = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projects": projects,
		"count":    len(projects),
	})
}

// GlobalStats handles GET /api/projects/snapshots/global-stats.
func (h *Handlers) GlobalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Snapshots.GetGlobalStats()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
