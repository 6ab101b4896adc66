package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"scenedb/pkg/models"
)

// SaveScene handles PATCH /api/scenes/{scene_id}: the optimistic-concurrency
// write path. The Idempotency-Key header, when present, overrides the body's
// op_id.
func (h *Handlers) SaveScene(w http.ResponseWriter, r *http.Request) {
	sceneID := mux.Vars(r)["scene_id"]
	var patch models.ScenePatch
	if !decodeBody(w, r, h.MaxBodyBytes, &patch) {
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		patch.OpID = key
	}
	sc, err := h.Scenes.SaveScene(sceneID, patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"scene":   sc,
		"version": sc.Version,
	})
}

// GetScene handles GET /api/scenes/{scene_id}.
func (h *Handlers) GetScene(w http.ResponseWriter, r *http.Request) {
	sc, err := h.Scenes.GetScene(mux.Vars(r)["scene_id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// DeleteScene handles DELETE /api/scenes/{scene_id} (soft delete).
func (h *Handlers) DeleteScene(w http.ResponseWriter, r *http.Request) {
	if err := h.Scenes.DeleteScene(mux.Vars(r)["scene_id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ListScenes handles GET /api/projects/{id}/scenes with optional character=
// and theme= filters (case-insensitive substring match).
func (h *Handlers) ListScenes(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	q := r.URL.Query()

	var (
		scenes []models.Scene
		err    error
	)
	switch {
	case q.Get("character") != "":
		scenes, err = h.Scenes.FindByCharacter(projectID, q.Get("character"))
	case q.Get("theme") != "":
		scenes, err = h.Scenes.FindByTheme(projectID, q.Get("theme"))
	default:
		scenes, err = h.Scenes.GetAllScenes(projectID)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if scenes == nil {
		scenes = []models.Scene{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projectId": projectID,
		"scenes":    scenes,
		"count":     len(scenes),
	})
}

// UpsertScene handles POST /api/projects/{id}/scenes: insert-or-update by
// optional scene_index, append when absent.
func (h *Handlers) UpsertScene(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	var body struct {
		Slugline   string            `json:"slugline"`
		SceneIndex *int              `json:"scene_index,omitempty"`
		Data       models.ScenePatch `json:"data"`
	}
	if !decodeBody(w, r, h.MaxBodyBytes, &body) {
		return
	}
	sc, err := h.Scenes.UpsertScene(projectID, body.Slugline, body.Data, body.SceneIndex)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scene": sc})
}

// MigrateScenes handles POST /api/projects/{id}/scenes/migrate: assign
// composite IDs to scenes that predate them.
func (h *Handlers) MigrateScenes(w http.ResponseWriter, r *http.Request) {
	n, err := h.Scenes.MigrateLegacy(mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "migrated": n})
}
