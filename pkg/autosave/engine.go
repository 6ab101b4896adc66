// Package autosave debounces local edits into optimistic-concurrency writes.
//
// Two timers govern a dirty buffer: the debounce timer resets on every edit,
// the hard-cap timer arms once when the buffer first becomes dirty and is
// never pushed back, so a continuously typing user still saves at a bounded
// interval. At most one write is in flight at a time.
package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scenedb/pkg/client"
	"scenedb/pkg/logger"
	"scenedb/pkg/models"
	"scenedb/pkg/offline"
)

// State is the engine's externally visible phase.
type State string

const (
	StateIdle        State = "idle"
	StatePending     State = "pending"
	StateSaving      State = "saving"
	StateSaved       State = "saved"
	StateOffline     State = "offline"
	StateConflict    State = "conflict"
	StateError       State = "error"
	StateRateLimited State = "rate_limited"
)

// Saver is the write path the engine drives. *client.Client satisfies it.
type Saver interface {
	SaveScene(ctx context.Context, sceneID string, patch models.ScenePatch) (client.SaveResult, error)
}

type Config struct {
	Debounce     time.Duration
	HardCap      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c *Config) fill() {
	if c.Debounce <= 0 {
		c.Debounce = 1500 * time.Millisecond
	}
	if c.HardCap <= 0 {
		c.HardCap = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
}

// Engine autosaves a single scene document.
type Engine struct {
	sceneID string
	saver   Saver
	queue   *offline.Queue
	cfg     Config
	onState func(State)

	mu          sync.Mutex
	settled     *sync.Cond // signaled when an in-flight write completes
	state       State
	buffer      *models.ScenePatch
	baseVersion int64
	inFlight    bool
	retries     int
	latest      *models.Scene

	debounce *time.Timer
	hardcap  *time.Timer

	closed bool
}

type EngineOption func(*Engine)

// WithOfflineQueue attaches the durable queue used while the server is
// unreachable.
func WithOfflineQueue(q *offline.Queue) EngineOption {
	return func(e *Engine) { e.queue = q }
}

// WithStateCallback registers a listener for state transitions. Called
// without the engine lock held.
func WithStateCallback(fn func(State)) EngineOption {
	return func(e *Engine) { e.onState = fn }
}

func NewEngine(sceneID string, baseVersion int64, saver Saver, cfg Config, opts ...EngineOption) *Engine {
	cfg.fill()
	e := &Engine{
		sceneID:     sceneID,
		saver:       saver,
		cfg:         cfg,
		state:       StateIdle,
		baseVersion: baseVersion,
	}
	for _, o := range opts {
		o(e)
	}
	e.settled = sync.NewCond(&e.mu)
	return e
}

// State returns the current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// BaseVersion returns the last server version the engine has acknowledged.
func (e *Engine) BaseVersion() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseVersion
}

// Latest returns the server copy attached to the current conflict, if any.
func (e *Engine) Latest() *models.Scene {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// MarkChanged records a local edit. The edit merges into the dirty buffer
// under a fresh op ID (a changed payload is a new operation), the debounce
// timer restarts, and the hard-cap timer arms if it is not already running.
func (e *Engine) MarkChanged(patch models.ScenePatch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if e.buffer == nil {
		p := patch
		e.buffer = &p
	} else {
		mergePatch(e.buffer, &patch)
	}
	e.buffer.OpID = uuid.NewString()
	e.retries = 0

	if e.state != StateSaving && e.state != StateConflict {
		e.setStateLocked(StatePending)
	}

	if e.debounce == nil {
		e.debounce = time.AfterFunc(e.cfg.Debounce, e.timerFlush)
	} else {
		e.debounce.Stop()
		e.debounce.Reset(e.cfg.Debounce)
	}
	if e.hardcap == nil {
		e.hardcap = time.AfterFunc(e.cfg.HardCap, e.timerFlush)
	}
}

func (e *Engine) timerFlush() {
	e.Flush(context.Background())
}

// Flush attempts to write the dirty buffer now. A no-op while a write is in
// flight or while a conflict awaits resolution.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	if e.closed || e.inFlight || e.buffer == nil || e.state == StateConflict {
		e.mu.Unlock()
		return
	}
	patch := *e.buffer
	patch.BaseVersion = e.baseVersion
	e.inFlight = true
	e.stopTimersLocked()
	e.setStateLocked(StateSaving)
	e.mu.Unlock()

	res, err := e.saver.SaveScene(ctx, e.sceneID, patch)
	e.settle(ctx, patch, res, err)
}

func (e *Engine) settle(ctx context.Context, patch models.ScenePatch, res client.SaveResult, err error) {
	e.mu.Lock()
	e.inFlight = false
	e.settled.Broadcast()

	if err == nil {
		e.baseVersion = res.Version
		e.retries = 0
		e.latest = nil
		// edits that arrived mid-flight stay buffered under their new op ID
		if e.buffer != nil && e.buffer.OpID != patch.OpID {
			e.setStateLocked(StatePending)
			e.armTimersLocked()
		} else {
			e.buffer = nil
			e.setStateLocked(StateSaved)
		}
		e.mu.Unlock()
		return
	}

	var (
		conflict *client.ConflictError
		limited  *client.RateLimitedError
		trans    *client.TransportError
		apiErr   *client.APIError
	)
	switch {
	case errors.As(err, &conflict):
		sc := conflict.Latest
		e.latest = &sc
		e.setStateLocked(StateConflict)
		logger.Log.Warn("autosave_conflict",
			zap.String("scene_id", e.sceneID),
			zap.Int64("server_version", sc.Version),
			zap.Int64("base_version", patch.BaseVersion))
		e.mu.Unlock()

	case errors.As(err, &limited):
		e.retries++
		if e.retries > e.cfg.MaxRetries {
			e.setStateLocked(StateError)
			e.mu.Unlock()
			logger.Log.Error("autosave_rate_limit_exhausted",
				zap.String("scene_id", e.sceneID),
				zap.Int("attempts", e.cfg.MaxRetries))
			return
		}
		e.setStateLocked(StateRateLimited)
		// exponential backoff, never earlier than the server asked
		delay := limited.RetryAfter << (e.retries - 1)
		e.mu.Unlock()
		logger.Log.Warn("autosave_rate_limited",
			zap.String("scene_id", e.sceneID),
			zap.Duration("retry_after", delay))
		time.AfterFunc(delay, func() { e.Flush(context.Background()) })

	case errors.As(err, &trans):
		e.setStateLocked(StateOffline)
		e.mu.Unlock()
		logger.Log.Warn("autosave_offline",
			zap.String("scene_id", e.sceneID),
			zap.Error(err))
		if e.queue != nil {
			if qerr := e.queue.Enqueue(e.sceneID, patch); qerr != nil {
				logger.Log.Error("offline_enqueue_failed",
					zap.String("op_id", patch.OpID), zap.Error(qerr))
			} else {
				// the durable queue owns the op now; drop it from the buffer
				// unless a newer edit replaced it mid-flight
				e.mu.Lock()
				if e.buffer != nil && e.buffer.OpID == patch.OpID {
					e.buffer = nil
				}
				e.mu.Unlock()
			}
		}

	case errors.As(err, &apiErr) && apiErr.Temporary() && e.retries < e.cfg.MaxRetries:
		e.retries++
		n := e.retries
		e.setStateLocked(StatePending)
		e.mu.Unlock()
		logger.Log.Warn("autosave_retrying",
			zap.String("scene_id", e.sceneID),
			zap.Int("attempt", n),
			zap.Error(err))
		// same op ID: the server deduplicates if the first attempt landed
		time.AfterFunc(e.cfg.RetryBackoff*time.Duration(n), func() { e.Flush(ctx) })

	default:
		e.setStateLocked(StateError)
		e.mu.Unlock()
		logger.Log.Error("autosave_failed",
			zap.String("scene_id", e.sceneID),
			zap.Error(err))
	}
}

// AcceptServerVersion resolves a conflict by discarding the local buffer and
// adopting the server's copy.
func (e *Engine) AcceptServerVersion() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConflict || e.latest == nil {
		return
	}
	e.baseVersion = e.latest.Version
	e.buffer = nil
	e.latest = nil
	e.stopTimersLocked()
	e.setStateLocked(StateIdle)
	logger.Log.Info("conflict_resolved_server", zap.String("scene_id", e.sceneID))
}

// ForceLocalVersion resolves a conflict by rebasing the local buffer onto the
// server's version and writing immediately. The forced write is a new
// operation.
func (e *Engine) ForceLocalVersion(ctx context.Context) {
	e.mu.Lock()
	if e.state != StateConflict || e.latest == nil || e.buffer == nil {
		e.mu.Unlock()
		return
	}
	e.baseVersion = e.latest.Version
	e.latest = nil
	e.buffer.OpID = uuid.NewString()
	e.retries = 0
	e.setStateLocked(StatePending)
	e.mu.Unlock()
	logger.Log.Info("conflict_resolved_local", zap.String("scene_id", e.sceneID))
	e.Flush(ctx)
}

// ProcessOfflineQueue replays queued ops in order once connectivity returns.
// It stops on the first transport failure (still offline) or conflict. Ops
// the server has already committed are acknowledged by its idempotency
// records, so a crash between send and ack cannot double-apply.
func (e *Engine) ProcessOfflineQueue(ctx context.Context) error {
	if e.queue == nil {
		return nil
	}
	ops, err := e.queue.List()
	if err != nil {
		return err
	}
	for _, op := range ops {
		res, err := e.saver.SaveScene(ctx, op.SceneID, op.Patch)
		if err != nil {
			var conflict *client.ConflictError
			if errors.As(err, &conflict) && op.SceneID == e.sceneID {
				// hand the op to the conflict workflow: the buffer holds the
				// divergent payload and the queue no longer owns it
				e.mu.Lock()
				sc := conflict.Latest
				e.latest = &sc
				if e.buffer == nil {
					p := op.Patch
					e.buffer = &p
				}
				e.setStateLocked(StateConflict)
				e.mu.Unlock()
				_ = e.queue.Ack(op.OpID)
			}
			return err
		}
		if err := e.queue.Ack(op.OpID); err != nil {
			return err
		}
		e.mu.Lock()
		if op.SceneID == e.sceneID && res.Version > e.baseVersion {
			e.baseVersion = res.Version
		}
		e.mu.Unlock()
		logger.Log.Info("offline_op_replayed",
			zap.String("scene_id", op.SceneID),
			zap.String("op_id", op.OpID))
	}
	e.mu.Lock()
	if e.state == StateOffline {
		if e.buffer != nil {
			e.setStateLocked(StatePending)
			e.armTimersLocked()
		} else {
			e.setStateLocked(StateIdle)
		}
	}
	e.mu.Unlock()
	return nil
}

// Close stops the timers and makes one final flush attempt for any dirty
// buffer. If a write is in flight it waits for the response first, so an edit
// buffered behind it is flushed rather than abandoned.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.stopTimersLocked()
	for e.inFlight {
		e.settled.Wait()
	}
	dirty := e.buffer != nil && e.state != StateConflict
	e.mu.Unlock()

	if dirty {
		e.Flush(ctx)
	}

	e.mu.Lock()
	// settle may have re-armed timers for edits that arrived mid-flight;
	// the final flush above was their last chance
	e.stopTimersLocked()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.state = s
	if e.onState != nil {
		fn := e.onState
		go fn(s)
	}
}

func (e *Engine) stopTimersLocked() {
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	if e.hardcap != nil {
		e.hardcap.Stop()
		e.hardcap = nil
	}
}

// armTimersLocked opens a fresh dirty window. Both timers are recreated
// unconditionally: a timer that fired while a write was in flight is expired
// but still assigned, and reusing it would leave the buffered edit stranded.
func (e *Engine) armTimersLocked() {
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.cfg.Debounce, e.timerFlush)
	if e.hardcap != nil {
		e.hardcap.Stop()
	}
	e.hardcap = time.AfterFunc(e.cfg.HardCap, e.timerFlush)
}

// mergePatch folds b onto a field by field.
func mergePatch(a, b *models.ScenePatch) {
	if b.Position != nil {
		a.Position = b.Position
	}
	if b.SceneHeading != nil {
		a.SceneHeading = b.SceneHeading
	}
	if b.Blocks != nil {
		a.Blocks = b.Blocks
	}
	if b.Summary != nil {
		a.Summary = b.Summary
	}
	if b.Characters != nil {
		a.Characters = b.Characters
	}
	if b.ThemeTags != nil {
		a.ThemeTags = b.ThemeTags
	}
	if b.FullContent != nil {
		a.FullContent = b.FullContent
	}
	if b.Tokens != nil {
		a.Tokens = b.Tokens
	}
	if b.WordCount != nil {
		a.WordCount = b.WordCount
	}
	if b.ProjectTitle != nil {
		a.ProjectTitle = b.ProjectTitle
	}
	if b.UpdatedAtClient != 0 {
		a.UpdatedAtClient = b.UpdatedAtClient
	}
}
