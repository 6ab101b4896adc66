package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sceneWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenedb_scene_writes_total",
		Help: "Committed scene writes (creates and updates).",
	})
	sceneConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenedb_scene_conflicts_total",
		Help: "Scene writes rejected by version compare-and-swap.",
	})
	sceneReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenedb_scene_replays_total",
		Help: "Scene writes answered from the idempotency record.",
	})
	duplicateSluglines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenedb_duplicate_sluglines_total",
		Help: "Upserts that created a scene whose slugline already exists in the project. Diagnostic only; duplicates are legal.",
	})
	snapshotReplaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenedb_snapshot_replaces_total",
		Help: "Whole-project snapshot writes.",
	})
	snapshotSelfcheckFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenedb_snapshot_selfcheck_failures_total",
		Help: "Snapshot writes whose immediate re-read disagreed with the input.",
	})
	snapshotBridges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenedb_snapshot_bridges_total",
		Help: "Snapshots created by the one-time scene store migration bridge.",
	})
	scenesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenedb_scenes_purged_total",
		Help: "Soft-deleted scenes removed by the retention runner.",
	})
)
