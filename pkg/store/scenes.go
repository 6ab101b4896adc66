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

// Key layout:
//
//	scene:<projectID>:<sceneID>   scene record JSON
//	op:<projectID>:<opID>         idempotency record (committed scene JSON)
//
// Legacy records imported before composite IDs existed sit under the same
// prefix with a placeholder storage key and an empty sceneId field;
// MigrateLegacy rewrites them in place.
func sceneKey(projectID, sceneID string) []byte {
	return []byte("scene:" + projectID + ":" + sceneID)
}

func scenePrefix(projectID string) []byte {
	return []byte("scene:" + projectID + ":")
}

func opKey(projectID, opID string) []byte {
	return []byte("op:" + projectID + ":" + opID)
}

// SceneStore is the per-project ordered collection of scene records. It is an
// explicit repository object: construct once, inject into handlers.
type SceneStore struct {
	be    Backend
	snaps *SnapshotStore

	// one writer per project; readers go straight to the backend
	locks sync.Map
}

func NewSceneStore(be Backend) *SceneStore {
	return &SceneStore{be: be}
}

// AttachSnapshots wires the snapshot store used by the one-time migration
// bridge. Without it GetAllScenes is a plain read.
func (s *SceneStore) AttachSnapshots(snaps *SnapshotStore) {
	s.snaps = snaps
}

func (s *SceneStore) lock(projectID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(projectID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// UpsertScene inserts or updates a scene. When sceneIndex is given the lookup
// is by composite ID only: a match merges fields and keeps identity; a miss
// creates the scene at that index. Without an index the scene is appended at
// the current end. Duplicate sluglines are counted for diagnostics and never
// merged.
func (s *SceneStore) UpsertScene(projectID, slugline string, data models.ScenePatch, sceneIndex *int) (models.Scene, error) {
	if projectID == "" {
		return models.Scene{}, validationf("projectId is required")
	}
	if slugline == "" {
		return models.Scene{}, validationf("slugline is required")
	}

	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	if sceneIndex != nil {
		id := models.SceneIDFor(projectID, *sceneIndex)
		if sc, err := s.loadScene(projectID, id); err == nil {
			data.Apply(&sc)
			sc.Slugline = slugline
			sc.Timestamp = time.Now().UTC().UnixNano()
			sc.Version++
			if err := s.putScene(sc); err != nil {
				return models.Scene{}, err
			}
			return sc, nil
		} else if !errors.Is(err, ErrNotFound) {
			return models.Scene{}, err
		}
		return s.createLocked(projectID, slugline, data, *sceneIndex)
	}

	scenes, err := s.loadAll(projectID)
	if err != nil {
		return models.Scene{}, err
	}
	return s.createLocked(projectID, slugline, data, len(scenes))
}

// createLocked assumes the project lock is held.
func (s *SceneStore) createLocked(projectID, slugline string, data models.ScenePatch, index int) (models.Scene, error) {
	sc := models.Scene{
		SceneID:    models.SceneIDFor(projectID, index),
		ProjectID:  projectID,
		SceneIndex: index,
		Slugline:   slugline,
		Timestamp:  time.Now().UTC().UnixNano(),
		Version:    1,
	}
	data.Apply(&sc)
	sc.Slugline = slugline

	if n, err := s.countSlugline(projectID, slugline); err == nil && n > 0 {
		duplicateSluglines.Inc()
		logger.Log.Debug("duplicate_slugline",
			zap.String("project", projectID),
			zap.String("slugline", slugline),
			zap.Int("existing", n))
	}

	if err := s.putScene(sc); err != nil {
		return models.Scene{}, err
	}
	sceneWrites.Inc()
	logger.Log.Info("scene_created",
		zap.String("project", projectID),
		zap.String("scene_id", sc.SceneID),
		zap.Int("index", index))
	return sc, nil
}

// SaveScene is the optimistic-concurrency write path behind
// PATCH /api/scenes/{scene_id}. The patch's BaseVersion must match the stored
// version or the write is rejected with a ConflictError carrying the server
// copy. OpID is the idempotency key: a replay of a committed op returns the
// recorded result without re-applying.
func (s *SceneStore) SaveScene(sceneID string, patch models.ScenePatch) (models.Scene, error) {
	projectID, index, err := models.SplitSceneID(sceneID)
	if err != nil {
		return models.Scene{}, validationf("%v", err)
	}
	if patch.OpID == "" {
		return models.Scene{}, validationf("op_id is required")
	}

	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	// replay of an already-committed op
	if raw, err := s.be.Get(opKey(projectID, patch.OpID)); err == nil {
		var committed models.Scene
		if jsonErr := json.Unmarshal(raw, &committed); jsonErr == nil {
			sceneReplays.Inc()
			logger.Log.Info("scene_write_replayed",
				zap.String("scene_id", sceneID),
				zap.String("op_id", patch.OpID))
			return committed, nil
		}
	} else if !errors.Is(err, ErrKeyNotFound) {
		return models.Scene{}, err
	}

	sc, err := s.loadScene(projectID, sceneID)
	switch {
	case errors.Is(err, ErrNotFound):
		// first write creates the scene
		sc = models.Scene{
			SceneID:    sceneID,
			ProjectID:  projectID,
			SceneIndex: index,
		}
	case err != nil:
		return models.Scene{}, err
	default:
		if sc.Version != patch.BaseVersion {
			sceneConflicts.Inc()
			logger.Log.Warn("scene_write_conflict",
				zap.String("scene_id", sceneID),
				zap.Int64("base_version", patch.BaseVersion),
				zap.Int64("server_version", sc.Version))
			return models.Scene{}, &ConflictError{Latest: sc, BaseVersion: patch.BaseVersion}
		}
	}

	patch.Apply(&sc)
	if patch.Position != nil {
		sc.SceneIndex = *patch.Position
	}
	sc.Timestamp = time.Now().UTC().UnixNano()
	sc.Version++

	if err := s.putScene(sc); err != nil {
		return models.Scene{}, err
	}
	committed, _ := json.Marshal(sc)
	if err := s.be.Set(opKey(projectID, patch.OpID), committed); err != nil {
		return models.Scene{}, fmt.Errorf("record op %s: %w", patch.OpID, err)
	}
	sceneWrites.Inc()
	logger.Log.Info("scene_saved",
		zap.String("scene_id", sceneID),
		zap.Int64("version", sc.Version),
		zap.String("op_id", patch.OpID))
	return sc, nil
}

// GetScene returns a single scene by composite ID.
func (s *SceneStore) GetScene(sceneID string) (models.Scene, error) {
	projectID, _, err := models.SplitSceneID(sceneID)
	if err != nil {
		return models.Scene{}, validationf("%v", err)
	}
	return s.loadScene(projectID, sceneID)
}

// GetAllScenes returns the project's scenes sorted ascending by sceneIndex.
// Side effect kept from the legacy behavior: the first read of a project with
// scenes but no snapshot bridges one into the snapshot store (idempotent,
// first reader wins). See also EnsureSnapshot, which the server runs at
// startup so normal reads stay side-effect-free.
func (s *SceneStore) GetAllScenes(projectID string) ([]models.Scene, error) {
	if projectID == "" {
		return nil, validationf("projectId is required")
	}
	scenes, err := s.loadAll(projectID)
	if err != nil {
		return nil, err
	}
	scenes = dropDeleted(scenes)
	sortScenes(scenes)

	if s.snaps != nil && len(scenes) > 0 && !s.snaps.Exists(projectID) {
		if err := s.EnsureSnapshot(projectID); err != nil {
			logger.Log.Error("snapshot_bridge_failed", zap.String("project", projectID), zap.Error(err))
		}
	}
	return scenes, nil
}

// EnsureSnapshot bridges the project's scene list into the snapshot store if
// no snapshot exists yet. Idempotent: a no-op once a snapshot is present.
func (s *SceneStore) EnsureSnapshot(projectID string) error {
	if s.snaps == nil {
		return nil
	}
	scenes, err := s.loadAll(projectID)
	if err != nil {
		return err
	}
	scenes = dropDeleted(scenes)
	if len(scenes) == 0 {
		return nil
	}
	sortScenes(scenes)
	title := scenes[0].ProjectTitle
	created, err := s.snaps.ensureFromScenes(projectID, title, scenes)
	if err != nil {
		return err
	}
	if created {
		snapshotBridges.Inc()
		logger.Log.Info("snapshot_bridged",
			zap.String("project", projectID),
			zap.Int("scenes", len(scenes)))
	}
	return nil
}

// DeleteScene soft-deletes a scene. The record stays until the retention
// runner purges it.
func (s *SceneStore) DeleteScene(sceneID string) error {
	projectID, _, err := models.SplitSceneID(sceneID)
	if err != nil {
		return validationf("%v", err)
	}
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	sc, err := s.loadScene(projectID, sceneID)
	if err != nil {
		return err
	}
	sc.Deleted = true
	sc.DeletedTS = time.Now().UTC().UnixNano()
	sc.Version++
	if err := s.putScene(sc); err != nil {
		return err
	}
	logger.Log.Info("scene_deleted", zap.String("scene_id", sceneID))
	return nil
}

// MigrateLegacy assigns composite IDs to scenes that predate them. No-op if
// every scene already has one; otherwise scenes are ordered by original
// timestamp ascending and indexed 0..N-1 by resulting position. Returns the
// number of records rewritten.
func (s *SceneStore) MigrateLegacy(projectID string) (int, error) {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	type rec struct {
		key   []byte
		scene models.Scene
	}
	var recs []rec
	err := s.be.Scan(scenePrefix(projectID), func(key, value []byte) error {
		var sc models.Scene
		if err := json.Unmarshal(value, &sc); err != nil {
			return fmt.Errorf("corrupt scene record %s: %w", key, err)
		}
		recs = append(recs, rec{key: append([]byte(nil), key...), scene: sc})
		return nil
	})
	if err != nil {
		return 0, err
	}

	legacy := false
	for _, r := range recs {
		if r.scene.SceneID == "" {
			legacy = true
			break
		}
	}
	if !legacy {
		return 0, nil
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].scene.Timestamp < recs[j].scene.Timestamp })

	migrated := 0
	for i := range recs {
		sc := recs[i].scene
		sc.ProjectID = projectID
		sc.SceneIndex = i
		sc.SceneID = models.SceneIDFor(projectID, i)
		if sc.Version == 0 {
			sc.Version = 1
		}
		if err := s.be.Delete(recs[i].key); err != nil {
			return migrated, err
		}
		if err := s.putScene(sc); err != nil {
			return migrated, err
		}
		migrated++
	}
	logger.Log.Info("legacy_scenes_migrated",
		zap.String("project", projectID),
		zap.Int("count", migrated))
	return migrated, nil
}

// FindByCharacter returns scenes whose character list contains the query as a
// case-insensitive substring. Annotations like "(V.O.)" are normalized by the
// import pipeline before they reach the store.
func (s *SceneStore) FindByCharacter(projectID, query string) ([]models.Scene, error) {
	return s.filter(projectID, func(sc models.Scene) bool {
		for _, c := range sc.Characters {
			if strings.Contains(strings.ToLower(c), strings.ToLower(query)) {
				return true
			}
		}
		return false
	})
}

// FindByTheme returns scenes with a matching theme tag, case-insensitive
// substring semantics as with characters.
func (s *SceneStore) FindByTheme(projectID, query string) ([]models.Scene, error) {
	return s.filter(projectID, func(sc models.Scene) bool {
		for _, t := range sc.ThemeTags {
			if strings.Contains(strings.ToLower(t), strings.ToLower(query)) {
				return true
			}
		}
		return false
	})
}

// Projects lists every project ID that has at least one scene record.
func (s *SceneStore) Projects() ([]string, error) {
	seen := map[string]struct{}{}
	err := s.be.Scan([]byte("scene:"), func(key, _ []byte) error {
		parts := strings.SplitN(string(key), ":", 3)
		if len(parts) == 3 {
			seen[parts[1]] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// PurgeDeleted removes soft-deleted scenes whose deletion is older than the
// cutoff (ns). Used by the retention runner.
func (s *SceneStore) PurgeDeleted(before int64, dryRun bool) (int, error) {
	type victim struct {
		key     []byte
		sceneID string
	}
	var victims []victim
	err := s.be.Scan([]byte("scene:"), func(key, value []byte) error {
		var sc models.Scene
		if err := json.Unmarshal(value, &sc); err != nil {
			return nil // skip corrupt records, purge must not wedge
		}
		if sc.Deleted && sc.DeletedTS > 0 && sc.DeletedTS < before {
			victims = append(victims, victim{key: append([]byte(nil), key...), sceneID: sc.SceneID})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if dryRun {
		return len(victims), nil
	}
	for _, v := range victims {
		if err := s.be.Delete(v.key); err != nil {
			return 0, err
		}
		scenesPurged.Inc()
		logger.Log.Info("scene_purged", zap.String("scene_id", v.sceneID))
	}
	return len(victims), nil
}

func (s *SceneStore) filter(projectID string, keep func(models.Scene) bool) ([]models.Scene, error) {
	scenes, err := s.loadAll(projectID)
	if err != nil {
		return nil, err
	}
	out := scenes[:0]
	for _, sc := range scenes {
		if !sc.Deleted && keep(sc) {
			out = append(out, sc)
		}
	}
	sortScenes(out)
	return out, nil
}

func dropDeleted(scenes []models.Scene) []models.Scene {
	out := scenes[:0]
	for _, sc := range scenes {
		if !sc.Deleted {
			out = append(out, sc)
		}
	}
	return out
}

func (s *SceneStore) countSlugline(projectID, slugline string) (int, error) {
	n := 0
	err := s.be.Scan(scenePrefix(projectID), func(_, value []byte) error {
		var sc models.Scene
		if json.Unmarshal(value, &sc) == nil && strings.EqualFold(sc.Slugline, slugline) {
			n++
		}
		return nil
	})
	return n, err
}

func (s *SceneStore) loadScene(projectID, sceneID string) (models.Scene, error) {
	raw, err := s.be.Get(sceneKey(projectID, sceneID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return models.Scene{}, ErrNotFound
		}
		return models.Scene{}, err
	}
	var sc models.Scene
	if err := json.Unmarshal(raw, &sc); err != nil {
		return models.Scene{}, fmt.Errorf("corrupt scene record %s: %w", sceneID, err)
	}
	return sc, nil
}

func (s *SceneStore) putScene(sc models.Scene) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal scene %s: %w", sc.SceneID, err)
	}
	return s.be.Set(sceneKey(sc.ProjectID, sc.SceneID), raw)
}

func (s *SceneStore) loadAll(projectID string) ([]models.Scene, error) {
	var scenes []models.Scene
	err := s.be.Scan(scenePrefix(projectID), func(key, value []byte) error {
		var sc models.Scene
		if err := json.Unmarshal(value, &sc); err != nil {
			return fmt.Errorf("corrupt scene record %s: %w", key, err)
		}
		scenes = append(scenes, sc)
		return nil
	})
	return scenes, err
}

func sortScenes(scenes []models.Scene) {
	sort.SliceStable(scenes, func(i, j int) bool {
		if scenes[i].SceneIndex != scenes[j].SceneIndex {
			return scenes[i].SceneIndex < scenes[j].SceneIndex
		}
		return scenes[i].Timestamp < scenes[j].Timestamp
	})
}
