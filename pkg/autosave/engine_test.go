package autosave

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenedb/pkg/client"
	"scenedb/pkg/models"
	"scenedb/pkg/offline"
)

// fakeSaver scripts server behavior per call and records every patch it sees.
type fakeSaver struct {
	mu      sync.Mutex
	calls   []models.ScenePatch
	version int64
	// respond, when set, overrides the default always-succeed behavior
	respond func(patch models.ScenePatch) (client.SaveResult, error)
	// committed op IDs for replay semantics
	ops map[string]int64
}

func newFakeSaver() *fakeSaver {
	return &fakeSaver{ops: map[string]int64{}}
}

func (f *fakeSaver) SaveScene(_ context.Context, sceneID string, patch models.ScenePatch) (client.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, patch)
	if f.respond != nil {
		return f.respond(patch)
	}
	if v, ok := f.ops[patch.OpID]; ok {
		return client.SaveResult{Version: v}, nil
	}
	f.version++
	f.ops[patch.OpID] = f.version
	return client.SaveResult{Version: f.version}, nil
}

func (f *fakeSaver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSaver) lastCall() models.ScenePatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func fastConfig() Config {
	return Config{
		Debounce:     25 * time.Millisecond,
		HardCap:      120 * time.Millisecond,
		MaxRetries:   2,
		RetryBackoff: 10 * time.Millisecond,
	}
}

func edit(text string) models.ScenePatch {
	return models.ScenePatch{FullContent: &text}
}

func waitState(t *testing.T, e *Engine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State() == want },
		2*time.Second, 5*time.Millisecond, "state never reached %s (now %s)", want, e.State())
}

func TestDebounceFlushAfterQuietPeriod(t *testing.T) {
	f := newFakeSaver()
	e := NewEngine("proj_0", 0, f, fastConfig())
	defer e.Close(context.Background())

	e.MarkChanged(edit("draft"))
	assert.Equal(t, StatePending, e.State())

	waitState(t, e, StateSaved)
	assert.Equal(t, 1, f.callCount())
	assert.Equal(t, int64(1), e.BaseVersion())
	assert.Equal(t, "draft", *f.lastCall().FullContent)
	assert.Zero(t, f.lastCall().BaseVersion)
}

func TestHardCapFiresWhileTyping(t *testing.T) {
	f := newFakeSaver()
	e := NewEngine("proj_0", 0, f, fastConfig())
	defer e.Close(context.Background())

	// keep editing faster than the debounce so only the hard cap can fire
	stop := time.After(300 * time.Millisecond)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
typing:
	for {
		select {
		case <-stop:
			break typing
		case <-tick.C:
			e.MarkChanged(edit("still typing"))
		}
	}
	require.Eventually(t, func() bool { return f.callCount() >= 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestEditsDuringFlightStayBuffered(t *testing.T) {
	f := newFakeSaver()
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.respond = func(patch models.ScenePatch) (client.SaveResult, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(inFlight)
			<-release
		}
		return client.SaveResult{Version: patch.BaseVersion + 1}, nil
	}
	e := NewEngine("proj_0", 0, f, fastConfig())
	defer e.Close(context.Background())

	e.MarkChanged(edit("first"))
	<-inFlight
	e.MarkChanged(edit("second")) // arrives while the write is in flight
	close(release)

	waitState(t, e, StateSaved)
	require.GreaterOrEqual(t, f.callCount(), 2)
	assert.Equal(t, "second", *f.lastCall().FullContent)
	assert.Equal(t, int64(2), e.BaseVersion())
}

func TestMidFlightEditFlushesAfterTimersExpire(t *testing.T) {
	f := newFakeSaver()
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.respond = func(patch models.ScenePatch) (client.SaveResult, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(inFlight)
			<-release
		}
		return client.SaveResult{Version: patch.BaseVersion + 1}, nil
	}
	e := NewEngine("proj_0", 0, f, fastConfig())
	defer e.Close(context.Background())

	e.MarkChanged(edit("first"))
	<-inFlight
	e.MarkChanged(edit("second"))
	// both the debounce and the hard cap fire while the response is held;
	// their flush attempts must not consume the timers for good
	time.Sleep(200 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return f.callCount() >= 2 },
		2*time.Second, 5*time.Millisecond, "buffered mid-flight edit never flushed")
	waitState(t, e, StateSaved)
	assert.Equal(t, "second", *f.lastCall().FullContent)
	assert.Equal(t, int64(2), e.BaseVersion())
}

func TestCloseWaitsForInFlightWrite(t *testing.T) {
	f := newFakeSaver()
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.respond = func(patch models.ScenePatch) (client.SaveResult, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(inFlight)
			<-release
		}
		return client.SaveResult{Version: patch.BaseVersion + 1}, nil
	}
	e := NewEngine("proj_0", 0, f, fastConfig())

	e.MarkChanged(edit("first"))
	<-inFlight
	e.MarkChanged(edit("second")) // buffered behind the held write
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, e.Close(context.Background()))

	require.Equal(t, 2, f.callCount())
	assert.Equal(t, "second", *f.lastCall().FullContent)
	assert.Equal(t, int64(2), e.BaseVersion())
}

func TestConflictRetainsBufferUntilResolved(t *testing.T) {
	f := newFakeSaver()
	server := models.Scene{SceneID: "proj_0", Version: 7, FullContent: "server copy"}
	f.respond = func(patch models.ScenePatch) (client.SaveResult, error) {
		return client.SaveResult{}, &client.ConflictError{Latest: server, YourBaseVersion: patch.BaseVersion}
	}
	e := NewEngine("proj_0", 3, f, fastConfig())
	defer e.Close(context.Background())

	e.MarkChanged(edit("mine"))
	waitState(t, e, StateConflict)
	require.NotNil(t, e.Latest())
	assert.Equal(t, int64(7), e.Latest().Version)

	// further timer fires must not write while unresolved
	calls := f.callCount()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, calls, f.callCount())

	e.AcceptServerVersion()
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, int64(7), e.BaseVersion())
	assert.Nil(t, e.Latest())
}

func TestForceLocalRebasesOntoServerVersion(t *testing.T) {
	f := newFakeSaver()
	server := models.Scene{SceneID: "proj_0", Version: 7}
	fail := true
	f.respond = func(patch models.ScenePatch) (client.SaveResult, error) {
		if fail {
			fail = false
			return client.SaveResult{}, &client.ConflictError{Latest: server, YourBaseVersion: patch.BaseVersion}
		}
		return client.SaveResult{Version: patch.BaseVersion + 1}, nil
	}
	e := NewEngine("proj_0", 3, f, fastConfig())
	defer e.Close(context.Background())

	e.MarkChanged(edit("mine"))
	waitState(t, e, StateConflict)
	firstOp := f.lastCall().OpID

	e.ForceLocalVersion(context.Background())
	waitState(t, e, StateSaved)

	last := f.lastCall()
	assert.Equal(t, int64(7), last.BaseVersion)
	assert.Equal(t, "mine", *last.FullContent)
	assert.NotEqual(t, firstOp, last.OpID) // forced write is a new op
	assert.Equal(t, int64(8), e.BaseVersion())
}

func TestRateLimitedBacksOffThenRetries(t *testing.T) {
	const retryAfter = 60 * time.Millisecond
	f := newFakeSaver()
	var limitedAt, retriedAt time.Time
	f.respond = func(patch models.ScenePatch) (client.SaveResult, error) {
		if limitedAt.IsZero() {
			limitedAt = time.Now()
			return client.SaveResult{}, &client.RateLimitedError{RetryAfter: retryAfter}
		}
		retriedAt = time.Now()
		return client.SaveResult{Version: 1}, nil
	}
	e := NewEngine("proj_0", 0, f, fastConfig())
	defer e.Close(context.Background())

	e.MarkChanged(edit("draft"))
	waitState(t, e, StateRateLimited)
	waitState(t, e, StateSaved)

	require.Equal(t, 2, f.callCount())
	// the retry reuses the same op so the server can deduplicate, and it
	// never lands earlier than the server asked
	f.mu.Lock()
	assert.Equal(t, f.calls[0].OpID, f.calls[1].OpID)
	gap := retriedAt.Sub(limitedAt)
	f.mu.Unlock()
	assert.GreaterOrEqual(t, gap, retryAfter)
}

func TestTransportErrorGoesOfflineAndEnqueues(t *testing.T) {
	q, err := offline.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer q.Close()

	f := newFakeSaver()
	down := true
	f.respond = func(patch models.ScenePatch) (client.SaveResult, error) {
		if down {
			return client.SaveResult{}, &client.TransportError{Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}
		}
		return f.commit(patch)
	}
	e := NewEngine("proj_0", 0, f, fastConfig(), WithOfflineQueue(q))
	defer e.Close(context.Background())

	e.MarkChanged(edit("offline draft"))
	waitState(t, e, StateOffline)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// connectivity returns; replay drains in order, exactly once
	down = false
	require.NoError(t, e.ProcessOfflineQueue(context.Background()))
	n, err = q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, int64(1), e.BaseVersion())

	// a second replay pass has nothing to do
	require.NoError(t, e.ProcessOfflineQueue(context.Background()))
	f.mu.Lock()
	committed := len(f.ops)
	f.mu.Unlock()
	assert.Equal(t, 1, committed)
}

// commit applies the default replay-aware success path, for respond hooks
// that flip between failure and success.
func (f *fakeSaver) commit(patch models.ScenePatch) (client.SaveResult, error) {
	if v, ok := f.ops[patch.OpID]; ok {
		return client.SaveResult{Version: v}, nil
	}
	f.version++
	f.ops[patch.OpID] = f.version
	return client.SaveResult{Version: f.version}, nil
}

func TestServerErrorRetriesThenFails(t *testing.T) {
	f := newFakeSaver()
	f.respond = func(models.ScenePatch) (client.SaveResult, error) {
		return client.SaveResult{}, &client.APIError{Status: 503}
	}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	e := NewEngine("proj_0", 0, f, cfg)
	defer e.Close(context.Background())

	e.MarkChanged(edit("draft"))
	waitState(t, e, StateError)
	assert.Equal(t, 3, f.callCount()) // initial attempt plus two retries
}

func TestStateCallbackObservesTransitions(t *testing.T) {
	f := newFakeSaver()
	var mu sync.Mutex
	var seen []State
	e := NewEngine("proj_0", 0, f, fastConfig(), WithStateCallback(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}))
	defer e.Close(context.Background())

	e.MarkChanged(edit("draft"))
	waitState(t, e, StateSaved)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, StatePending)
	assert.Contains(t, seen, StateSaving)
	assert.Contains(t, seen, StateSaved)
}

func TestCloseFlushesDirtyBuffer(t *testing.T) {
	f := newFakeSaver()
	cfg := fastConfig()
	cfg.Debounce = time.Hour // only Close can trigger the write
	cfg.HardCap = time.Hour
	e := NewEngine("proj_0", 0, f, cfg)

	e.MarkChanged(edit("last words"))
	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, 1, f.callCount())
}
