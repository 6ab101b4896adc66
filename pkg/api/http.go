// Package api wires HTTP routes to the scene and snapshot repositories.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"scenedb/pkg/api/handlers"
	"scenedb/pkg/logger"
)

// NewRouter builds the API router. Literal routes are registered ahead of the
// parameterized {id} routes so "snapshots" never matches as a project ID.
func NewRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLog)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/projects/snapshots", h.ListProjects).Methods(http.MethodGet)
	api.HandleFunc("/projects/snapshots/global-stats", h.GlobalStats).Methods(http.MethodGet)

	api.HandleFunc("/scenes/{scene_id}", h.SaveScene).Methods(http.MethodPatch)
	api.HandleFunc("/scenes/{scene_id}", h.GetScene).Methods(http.MethodGet)
	api.HandleFunc("/scenes/{scene_id}", h.DeleteScene).Methods(http.MethodDelete)

	api.HandleFunc("/projects/{id}/scenes", h.ListScenes).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/scenes", h.UpsertScene).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/scenes/migrate", h.MigrateScenes).Methods(http.MethodPost)

	api.HandleFunc("/projects/{id}/snapshot", h.PushSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/snapshot", h.GetSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/snapshot", h.DeleteSnapshot).Methods(http.MethodDelete)
	api.HandleFunc("/projects/{id}/snapshot/metadata", h.PatchMetadata).Methods(http.MethodPatch)
	api.HandleFunc("/projects/{id}/snapshot/stats", h.SnapshotStats).Methods(http.MethodGet)

	return r
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.LogRequest(r)
		next.ServeHTTP(w, r)
	})
}
