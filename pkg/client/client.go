// Package client is the Go SDK for the scene persistence API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"scenedb/pkg/models"
)

// Client talks to a scenedb server. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithToken(tok string) Option {
	return func(c *Client) { c.token = tok }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func New(opts ...Option) *Client {
	c := &Client{
		baseURL: "http://127.0.0.1:8080",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SaveResult is the acknowledged outcome of a scene write.
type SaveResult struct {
	Scene   models.Scene `json:"scene"`
	Version int64        `json:"version"`
}

// SaveScene performs the optimistic-concurrency PATCH. The patch's OpID is
// also sent as the Idempotency-Key header so the server deduplicates retries.
func (c *Client) SaveScene(ctx context.Context, sceneID string, patch models.ScenePatch) (SaveResult, error) {
	var out SaveResult
	hdr := http.Header{}
	if patch.OpID != "" {
		hdr.Set("Idempotency-Key", patch.OpID)
	}
	err := c.doRequest(ctx, http.MethodPatch, "/api/scenes/"+url.PathEscape(sceneID), hdr, patch, &out)
	return out, err
}

func (c *Client) GetScene(ctx context.Context, sceneID string) (models.Scene, error) {
	var sc models.Scene
	err := c.doRequest(ctx, http.MethodGet, "/api/scenes/"+url.PathEscape(sceneID), nil, nil, &sc)
	return sc, err
}

func (c *Client) DeleteScene(ctx context.Context, sceneID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/api/scenes/"+url.PathEscape(sceneID), nil, nil, nil)
}

// SceneList is the response of the project scene listing.
type SceneList struct {
	ProjectID string         `json:"projectId"`
	Scenes    []models.Scene `json:"scenes"`
	Count     int            `json:"count"`
}

// ListScenes lists a project's scenes. Character or theme narrows the result
// by case-insensitive substring match; pass empty strings for all scenes.
func (c *Client) ListScenes(ctx context.Context, projectID, character, theme string) (SceneList, error) {
	q := url.Values{}
	if character != "" {
		q.Set("character", character)
	}
	if theme != "" {
		q.Set("theme", theme)
	}
	p := "/api/projects/" + url.PathEscape(projectID) + "/scenes"
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	var out SceneList
	err := c.doRequest(ctx, http.MethodGet, p, nil, nil, &out)
	return out, err
}

// PushResult acknowledges a snapshot replace.
type PushResult struct {
	Version  int64                   `json:"version"`
	Metadata models.SnapshotMetadata `json:"metadata"`
}

func (c *Client) PushSnapshot(ctx context.Context, projectID string, snap models.Snapshot) (PushResult, error) {
	var out PushResult
	err := c.doRequest(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/snapshot", nil, snap, &out)
	return out, err
}

func (c *Client) GetSnapshot(ctx context.Context, projectID string) (models.Snapshot, error) {
	var out struct {
		Data models.Snapshot `json:"data"`
	}
	err := c.doRequest(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/snapshot", nil, nil, &out)
	return out.Data, err
}

func (c *Client) DeleteSnapshot(ctx context.Context, projectID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/api/projects/"+url.PathEscape(projectID)+"/snapshot", nil, nil, nil)
}

func (c *Client) PatchSnapshotMetadata(ctx context.Context, projectID string, patch models.MetadataPatch) error {
	return c.doRequest(ctx, http.MethodPatch, "/api/projects/"+url.PathEscape(projectID)+"/snapshot/metadata", nil, patch, nil)
}

func (c *Client) SnapshotStats(ctx context.Context, projectID string) (models.SnapshotStats, error) {
	var out models.SnapshotStats
	err := c.doRequest(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/snapshot/stats", nil, nil, &out)
	return out, err
}

func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	var out struct {
		Projects []string `json:"projects"`
	}
	err := c.doRequest(ctx, http.MethodGet, "/api/projects/snapshots", nil, nil, &out)
	return out.Projects, err
}

func (c *Client) GlobalStats(ctx context.Context) (models.GlobalStats, error) {
	var out models.GlobalStats
	err := c.doRequest(ctx, http.MethodGet, "/api/projects/snapshots/global-stats", nil, nil, &out)
	return out, err
}

func (c *Client) doRequest(ctx context.Context, method, path string, hdr http.Header, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return decodeErr(resp)
}

func decodeErr(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch resp.StatusCode {
	case http.StatusConflict:
		var body struct {
			Detail struct {
				Latest          models.Scene `json:"latest"`
				YourBaseVersion int64        `json:"your_base_version"`
			} `json:"detail"`
		}
		if json.Unmarshal(raw, &body) == nil {
			return &ConflictError{
				Latest:          body.Detail.Latest,
				YourBaseVersion: body.Detail.YourBaseVersion,
			}
		}
		return &ConflictError{}
	case http.StatusTooManyRequests:
		retry := 1 * time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				retry = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitedError{RetryAfter: retry}
	}
	var body struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)
	return &APIError{Status: resp.StatusCode, Message: body.Message}
}
