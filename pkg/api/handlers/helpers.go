package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"scenedb/pkg/store"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"success": false,
		"message": msg,
		"error":   http.StatusText(code),
	})
}

// writeStoreError maps store errors onto the wire. Conflicts carry the server
// copy so the client can resolve without a second round trip.
func writeStoreError(w http.ResponseWriter, err error) {
	var verr *store.ValidationError
	var cerr *store.ConflictError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Msg)
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"error":   "conflict",
			"detail": map[string]any{
				"conflict":          true,
				"latest":            cerr.Latest,
				"your_base_version": cerr.BaseVersion,
			},
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a JSON request body, enforcing the configured size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) bool {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
