// Package offline is the durable write queue used while the server is
// unreachable. Ops survive process restarts and replay in enqueue order.
package offline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"scenedb/pkg/models"
)

// Op is one queued scene write. OpID is the idempotency key; enqueueing the
// same OpID twice keeps the first copy.
type Op struct {
	Seq        int64
	OpID       string
	SceneID    string
	Patch      models.ScenePatch
	EnqueuedAt int64
}

type Queue struct {
	db *sql.DB
}

// Open creates or opens the queue database. WAL keeps enqueue latency low and
// lets a crashed writer recover cleanly.
func Open(path string) (*Queue, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS offline_ops (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	op_id       TEXT NOT NULL UNIQUE,
	scene_id    TEXT NOT NULL,
	payload     BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Enqueue appends an op. A duplicate OpID is silently kept as the original
// copy so commit-then-retry races cannot double-queue.
func (q *Queue) Enqueue(sceneID string, patch models.ScenePatch) error {
	if patch.OpID == "" {
		return fmt.Errorf("op_id is required")
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode op %s: %w", patch.OpID, err)
	}
	_, err = q.db.Exec(
		`INSERT OR IGNORE INTO offline_ops (op_id, scene_id, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		patch.OpID, sceneID, payload, time.Now().UTC().UnixNano(),
	)
	return err
}

// List returns all queued ops in enqueue order.
func (q *Queue) List() ([]Op, error) {
	rows, err := q.db.Query(
		`SELECT seq, op_id, scene_id, payload, enqueued_at FROM offline_ops ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []Op
	for rows.Next() {
		var (
			op      Op
			payload []byte
		)
		if err := rows.Scan(&op.Seq, &op.OpID, &op.SceneID, &payload, &op.EnqueuedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &op.Patch); err != nil {
			return nil, fmt.Errorf("corrupt op %s: %w", op.OpID, err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Ack removes an op after the server acknowledged it (committed or replayed).
func (q *Queue) Ack(opID string) error {
	_, err := q.db.Exec(`DELETE FROM offline_ops WHERE op_id = ?`, opID)
	return err
}

// Len reports how many ops are queued.
func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM offline_ops`).Scan(&n)
	return n, err
}

func (q *Queue) Close() error {
	return q.db.Close()
}
