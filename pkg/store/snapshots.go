package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"scenedb/pkg/logger"
	"scenedb/pkg/models"
)

func snapshotKey(projectID string) []byte {
	return []byte("snapshot:" + projectID)
}

// SnapshotStore holds one whole-project snapshot per project. A snapshot is a
// single record replaced atomically on every push; partial snapshots do not
// exist at this layer.
type SnapshotStore struct {
	be    Backend
	locks sync.Map
}

func NewSnapshotStore(be Backend) *SnapshotStore {
	return &SnapshotStore{be: be}
}

func (s *SnapshotStore) lock(projectID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(projectID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// StoreSnapshot validates and replaces the project snapshot as one atomic
// write. Aggregates (sceneCount, totalWords, totalTokens) are recomputed from
// the incoming scene list; whatever the client sent for them is ignored. The
// stored version is monotonic: max(existing+1, requested). After the write the
// record is read back and compared; a mismatch is logged at error level and
// counted, since it means the backend is not honoring its own contract.
func (s *SnapshotStore) StoreSnapshot(projectID string, in models.Snapshot) (models.Snapshot, error) {
	if projectID == "" {
		return models.Snapshot{}, validationf("projectId is required")
	}
	if in.Scenes == nil {
		return models.Snapshot{}, validationf("scenes array is required")
	}

	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.getLocked(projectID)
	hadExisting := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.Snapshot{}, err
	}

	now := time.Now().UTC().UnixNano()
	snap := in
	snap.ProjectID = projectID
	normalizeScenes(projectID, snap.Scenes, now)

	switch {
	case hadExisting && existing.Version >= snap.Version:
		snap.Version = existing.Version + 1
	case snap.Version <= 0:
		snap.Version = 1
	}

	snap.Metadata.SceneCount = len(snap.Scenes)
	snap.Metadata.TotalWords, snap.Metadata.TotalTokens = aggregate(snap.Scenes)
	snap.Metadata.UpdatedAt = now
	if hadExisting && existing.Metadata.CreatedAt > 0 {
		snap.Metadata.CreatedAt = existing.Metadata.CreatedAt
	} else if snap.Metadata.CreatedAt == 0 {
		snap.Metadata.CreatedAt = now
	}
	// a real push supersedes a bridged snapshot
	snap.Metadata.MigratedFromMemory = false

	if err := s.put(projectID, snap); err != nil {
		return models.Snapshot{}, err
	}
	snapshotReplaces.Inc()

	verified, err := s.getLocked(projectID)
	if err != nil || len(verified.Scenes) != len(snap.Scenes) || verified.Version != snap.Version {
		snapshotSelfcheckFailures.Inc()
		logger.Log.Error("snapshot_selfcheck_failed",
			zap.String("project", projectID),
			zap.Int64("version", snap.Version),
			zap.Int("wrote_scenes", len(snap.Scenes)),
			zap.Int("read_scenes", len(verified.Scenes)),
			zap.Error(err))
	}

	logger.Log.Info("snapshot_stored",
		zap.String("project", projectID),
		zap.Int64("version", snap.Version),
		zap.Int("scenes", len(snap.Scenes)))
	return snap, nil
}

// GetSnapshot returns the stored snapshot or ErrNotFound.
func (s *SnapshotStore) GetSnapshot(projectID string) (models.Snapshot, error) {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()
	return s.getLocked(projectID)
}

// Exists reports whether a snapshot is stored for the project.
func (s *SnapshotStore) Exists(projectID string) bool {
	_, err := s.be.Get(snapshotKey(projectID))
	return err == nil
}

// UpdateMetadata patches snapshot metadata without touching scene content or
// bumping the snapshot version. Returns false if the project has no snapshot.
// A label set to the empty string is removed.
func (s *SnapshotStore) UpdateMetadata(projectID string, patch models.MetadataPatch) (bool, error) {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	snap, err := s.getLocked(projectID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if patch.Title != nil {
		snap.Title = *patch.Title
	}
	if patch.MigratedFromMemory != nil {
		snap.Metadata.MigratedFromMemory = *patch.MigratedFromMemory
	}
	if len(patch.Labels) > 0 {
		if snap.Metadata.Labels == nil {
			snap.Metadata.Labels = map[string]string{}
		}
		for k, v := range patch.Labels {
			if v == "" {
				delete(snap.Metadata.Labels, k)
			} else {
				snap.Metadata.Labels[k] = v
			}
		}
	}
	snap.Metadata.UpdatedAt = time.Now().UTC().UnixNano()

	if err := s.put(projectID, snap); err != nil {
		return false, err
	}
	logger.Log.Info("snapshot_metadata_updated", zap.String("project", projectID))
	return true, nil
}

// DeleteSnapshot removes the project snapshot. Scene records are untouched.
func (s *SnapshotStore) DeleteSnapshot(projectID string) error {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	if !s.Exists(projectID) {
		return ErrNotFound
	}
	if err := s.be.Delete(snapshotKey(projectID)); err != nil {
		return err
	}
	logger.Log.Info("snapshot_deleted", zap.String("project", projectID))
	return nil
}

// GetStats returns per-project snapshot statistics.
func (s *SnapshotStore) GetStats(projectID string) (models.SnapshotStats, error) {
	snap, err := s.GetSnapshot(projectID)
	if err != nil {
		return models.SnapshotStats{}, err
	}
	return models.SnapshotStats{
		ProjectID:   snap.ProjectID,
		Title:       snap.Title,
		Version:     snap.Version,
		SceneCount:  snap.Metadata.SceneCount,
		TotalWords:  snap.Metadata.TotalWords,
		TotalTokens: snap.Metadata.TotalTokens,
		UpdatedAt:   snap.Metadata.UpdatedAt,
	}, nil
}

// ListProjects lists every project ID with a stored snapshot, sorted.
func (s *SnapshotStore) ListProjects() ([]string, error) {
	var out []string
	err := s.be.Scan([]byte("snapshot:"), func(key, _ []byte) error {
		out = append(out, strings.TrimPrefix(string(key), "snapshot:"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// GetGlobalStats aggregates across every stored snapshot.
func (s *SnapshotStore) GetGlobalStats() (models.GlobalStats, error) {
	var g models.GlobalStats
	err := s.be.Scan([]byte("snapshot:"), func(_, value []byte) error {
		var snap models.Snapshot
		if err := json.Unmarshal(value, &snap); err != nil {
			return nil // a corrupt snapshot must not break the aggregate
		}
		g.ProjectCount++
		g.SceneCount += snap.Metadata.SceneCount
		g.TotalWords += snap.Metadata.TotalWords
		g.TotalTokens += snap.Metadata.TotalTokens
		if snap.Metadata.UpdatedAt > g.UpdatedAt {
			g.UpdatedAt = snap.Metadata.UpdatedAt
		}
		return nil
	})
	return g, err
}

// ensureFromScenes writes a version-1 snapshot built from the scene list if
// none exists. The MigratedFromMemory flag marks it as bridged rather than
// pushed by a client.
func (s *SnapshotStore) ensureFromScenes(projectID, title string, scenes []models.Scene) (bool, error) {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	if s.Exists(projectID) {
		return false, nil
	}
	now := time.Now().UTC().UnixNano()
	words, tokens := aggregate(scenes)
	snap := models.Snapshot{
		ProjectID: projectID,
		Version:   1,
		Title:     title,
		Scenes:    scenes,
		Metadata: models.SnapshotMetadata{
			CreatedAt:          now,
			UpdatedAt:          now,
			SceneCount:         len(scenes),
			TotalWords:         words,
			TotalTokens:        tokens,
			MigratedFromMemory: true,
		},
	}
	if err := s.put(projectID, snap); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SnapshotStore) getLocked(projectID string) (models.Snapshot, error) {
	raw, err := s.be.Get(snapshotKey(projectID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return models.Snapshot{}, ErrNotFound
		}
		return models.Snapshot{}, err
	}
	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("corrupt snapshot record %s: %w", projectID, err)
	}
	return snap, nil
}

func (s *SnapshotStore) put(projectID string, snap models.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", projectID, err)
	}
	return s.be.Set(snapshotKey(projectID), raw)
}

// normalizeScenes fills identity fields a client may omit. A scene without a
// composite ID is assigned one from its array position.
func normalizeScenes(projectID string, scenes []models.Scene, now int64) {
	for i := range scenes {
		sc := &scenes[i]
		sc.ProjectID = projectID
		if sc.SceneID == "" {
			sc.SceneIndex = i
			sc.SceneID = models.SceneIDFor(projectID, i)
		}
		if sc.Timestamp == 0 {
			sc.Timestamp = now
		}
		if sc.Version == 0 {
			sc.Version = 1
		}
		if sc.WordCount == 0 && sc.FullContent != "" {
			sc.WordCount = len(strings.Fields(sc.FullContent))
		}
	}
}

func aggregate(scenes []models.Scene) (words, tokens int) {
	for _, sc := range scenes {
		words += sc.WordCount
		tokens += sc.Tokens
	}
	return words, tokens
}
