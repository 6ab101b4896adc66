package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenedb/pkg/api"
	"scenedb/pkg/api/handlers"
	"scenedb/pkg/auth"
	"scenedb/pkg/models"
	"scenedb/pkg/store"
)

func newServer(t *testing.T, opts auth.Options) *httptest.Server {
	t.Helper()
	be := store.NewMemoryBackend()
	snaps := store.NewSnapshotStore(be)
	scenes := store.NewSceneStore(be)
	scenes.AttachSnapshots(snaps)

	h := &handlers.Handlers{Scenes: scenes, Snapshots: snaps, MaxBodyBytes: 1 << 20}
	gate := auth.Middleware(opts)
	srv := httptest.NewServer(gate(api.NewRouter(h)))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any, token string) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSceneSaveAndFetch(t *testing.T) {
	srv := newServer(t, auth.Options{RPS: 1000, Burst: 1000})

	content := "the scene text"
	resp := do(t, http.MethodPatch, srv.URL+"/api/scenes/proj_0", models.ScenePatch{
		OpID:        "op-1",
		FullContent: &content,
	}, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var saved struct {
		Success bool         `json:"success"`
		Version int64        `json:"version"`
		Scene   models.Scene `json:"scene"`
	}
	decodeInto(t, resp, &saved)
	assert.True(t, saved.Success)
	assert.Equal(t, int64(1), saved.Version)

	resp = do(t, http.MethodGet, srv.URL+"/api/scenes/proj_0", nil, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sc models.Scene
	decodeInto(t, resp, &sc)
	assert.Equal(t, "the scene text", sc.FullContent)
}

func TestSceneConflictBody(t *testing.T) {
	srv := newServer(t, auth.Options{RPS: 1000, Burst: 1000})

	resp := do(t, http.MethodPatch, srv.URL+"/api/scenes/proj_0", models.ScenePatch{OpID: "op-1"}, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodPatch, srv.URL+"/api/scenes/proj_0", models.ScenePatch{OpID: "op-2", BaseVersion: 0}, "dev")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body struct {
		Error  string `json:"error"`
		Detail struct {
			Conflict        bool         `json:"conflict"`
			Latest          models.Scene `json:"latest"`
			YourBaseVersion int64        `json:"your_base_version"`
		} `json:"detail"`
	}
	decodeInto(t, resp, &body)
	assert.Equal(t, "conflict", body.Error)
	assert.True(t, body.Detail.Conflict)
	assert.Equal(t, int64(1), body.Detail.Latest.Version)
	assert.Zero(t, body.Detail.YourBaseVersion)
}

func TestAuthRequired(t *testing.T) {
	srv := newServer(t, auth.Options{Tokens: []string{"secret"}, RPS: 1000, Burst: 1000})

	resp := do(t, http.MethodGet, srv.URL+"/api/projects/proj/scenes", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, srv.URL+"/api/projects/proj/scenes", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, srv.URL+"/api/projects/proj/scenes", nil, "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRateLimitRetryAfter(t *testing.T) {
	srv := newServer(t, auth.Options{RPS: 1, Burst: 1})

	resp := do(t, http.MethodGet, srv.URL+"/api/projects/proj/scenes", nil, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, srv.URL+"/api/projects/proj/scenes", nil, "dev")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	resp.Body.Close()
}

func TestSnapshotRoutesPrecedeProjectID(t *testing.T) {
	srv := newServer(t, auth.Options{RPS: 1000, Burst: 1000})

	resp := do(t, http.MethodPost, srv.URL+"/api/projects/alpha/snapshot", models.Snapshot{
		Title:  "A",
		Scenes: []models.Scene{{Slugline: "INT. A", WordCount: 12, Tokens: 16}},
	}, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pushed struct {
		ProjectID string                  `json:"projectId"`
		Version   int64                   `json:"version"`
		Count     int                     `json:"count"`
		Metadata  models.SnapshotMetadata `json:"metadata"`
	}
	decodeInto(t, resp, &pushed)
	assert.Equal(t, "alpha", pushed.ProjectID)
	assert.Equal(t, int64(1), pushed.Version)
	assert.Equal(t, 1, pushed.Count)
	assert.Equal(t, 12, pushed.Metadata.TotalWords)

	// the literal "snapshots" listing must not match {id}=snapshots
	resp = do(t, http.MethodGet, srv.URL+"/api/projects/snapshots", nil, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Projects []string `json:"projects"`
		Count    int      `json:"count"`
	}
	decodeInto(t, resp, &list)
	assert.Equal(t, []string{"alpha"}, list.Projects)

	resp = do(t, http.MethodGet, srv.URL+"/api/projects/snapshots/global-stats", nil, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var g models.GlobalStats
	decodeInto(t, resp, &g)
	assert.Equal(t, 1, g.ProjectCount)
}

func TestSnapshotMetadataPatch(t *testing.T) {
	srv := newServer(t, auth.Options{RPS: 1000, Burst: 1000})

	resp := do(t, http.MethodPatch, srv.URL+"/api/projects/proj/snapshot/metadata", models.MetadataPatch{}, "dev")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodPost, srv.URL+"/api/projects/proj/snapshot", models.Snapshot{Scenes: []models.Scene{}}, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	title := "Final Draft"
	resp = do(t, http.MethodPatch, srv.URL+"/api/projects/proj/snapshot/metadata", models.MetadataPatch{Title: &title}, "dev")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, srv.URL+"/api/projects/proj/snapshot", nil, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var wrapped struct {
		Success bool            `json:"success"`
		Data    models.Snapshot `json:"data"`
	}
	decodeInto(t, resp, &wrapped)
	assert.True(t, wrapped.Success)
	assert.Equal(t, "Final Draft", wrapped.Data.Title)
}

func TestSceneFiltersOverHTTP(t *testing.T) {
	srv := newServer(t, auth.Options{RPS: 1000, Burst: 1000})

	chars := []string{"ALICE"}
	resp := do(t, http.MethodPatch, srv.URL+"/api/scenes/proj_0", models.ScenePatch{OpID: "op-1", Characters: &chars}, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, srv.URL+"/api/projects/proj/scenes?character=alice", nil, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Scenes []models.Scene `json:"scenes"`
		Count  int            `json:"count"`
	}
	decodeInto(t, resp, &list)
	assert.Equal(t, 1, list.Count)

	resp = do(t, http.MethodGet, srv.URL+"/api/projects/proj/scenes?character=zed", nil, "dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list.Count = -1
	decodeInto(t, resp, &list)
	assert.Zero(t, list.Count)
	assert.NotNil(t, list.Scenes)
}

func TestMalformedSceneID(t *testing.T) {
	srv := newServer(t, auth.Options{RPS: 1000, Burst: 1000})
	resp := do(t, http.MethodGet, srv.URL+"/api/scenes/noindex", nil, "dev")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
