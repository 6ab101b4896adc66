package offline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenedb/pkg/models"
)

func openQueue(t *testing.T, path string) *Queue {
	t.Helper()
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func patchWithOp(opID string) models.ScenePatch {
	content := "content for " + opID
	return models.ScenePatch{OpID: opID, FullContent: &content}
}

func TestEnqueueOrderAndAck(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	require.NoError(t, q.Enqueue("proj_0", patchWithOp("op-a")))
	require.NoError(t, q.Enqueue("proj_1", patchWithOp("op-b")))
	require.NoError(t, q.Enqueue("proj_0", patchWithOp("op-c")))

	ops, err := q.List()
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "op-a", ops[0].OpID)
	assert.Equal(t, "op-b", ops[1].OpID)
	assert.Equal(t, "op-c", ops[2].OpID)

	require.NoError(t, q.Ack("op-b"))
	ops, err = q.List()
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "op-a", ops[0].OpID)
	assert.Equal(t, "op-c", ops[1].OpID)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEnqueueDuplicateOpIDKeepsFirst(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	first := patchWithOp("op-a")
	require.NoError(t, q.Enqueue("proj_0", first))
	require.NoError(t, q.Enqueue("proj_0", patchWithOp("op-a")))

	ops, err := q.List()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, *first.FullContent, *ops[0].Patch.FullContent)
}

func TestEnqueueRequiresOpID(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	assert.Error(t, q.Enqueue("proj_0", models.ScenePatch{}))
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue("proj_0", patchWithOp("op-a")))
	require.NoError(t, q.Close())

	q2 := openQueue(t, path)
	ops, err := q2.List()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-a", ops[0].OpID)
	assert.Equal(t, "proj_0", ops[0].SceneID)
}
