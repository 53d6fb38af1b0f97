package livesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// dial target that refuses immediately
const unreachableConnectUrl = "ws://127.0.0.1:1"

// one-shot REST collaborator serving the live snapshot
type testRestServer struct {
	server *httptest.Server

	mutex      sync.Mutex
	fetchCount int
	snapshot   *Snapshot
	// the first request is delayed and answered with this older snapshot
	laggedFirst    time.Duration
	firstSnapshot  *Snapshot
	requestOrdinal int
}

func newTestRestServer(snapshot *Snapshot) *testRestServer {
	self := &testRestServer{
		snapshot: snapshot,
	}
	self.server = httptest.NewServer(http.HandlerFunc(self.handle))
	return self
}

func (self *testRestServer) handle(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	self.fetchCount += 1
	self.requestOrdinal += 1
	ordinal := self.requestOrdinal
	snapshot := self.snapshot
	laggedFirst := self.laggedFirst
	firstSnapshot := self.firstSnapshot
	self.mutex.Unlock()

	if ordinal == 1 && 0 < laggedFirst {
		time.Sleep(laggedFirst)
		snapshot = firstSnapshot
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (self *testRestServer) close() {
	self.server.Close()
}

func (self *testRestServer) fetches() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.fetchCount
}

func (self *testRestServer) setSnapshot(snapshot *Snapshot) {
	self.mutex.Lock()
	self.snapshot = snapshot
	self.mutex.Unlock()
}

func testControllerSettings() *SyncControllerSettings {
	return &SyncControllerSettings{
		PollInterval:     50 * time.Millisecond,
		BackoffBaseDelay: 10 * time.Second,
		BackoffMaxDelay:  30 * time.Second,
		BackoffJitter:    0,
		MaxSocketRetries: 3,
	}
}

func collectStatuses() (StatusFunction, chan *SyncStatus) {
	statuses := make(chan *SyncStatus, 256)
	return func(status *SyncStatus) {
		statuses <- status
	}, statuses
}

func awaitStatus(t *testing.T, statuses chan *SyncStatus, timeout time.Duration, accept func(status *SyncStatus) bool) *SyncStatus {
	deadline := time.After(timeout)
	for {
		select {
		case status := <-statuses:
			if accept(status) {
				return status
			}
		case <-deadline:
			t.Fatal("status condition not reached")
			return nil
		}
	}
}

// a connect that always fails degrades to polling within one cycle and
// snapshots keep flowing from the pull loop
func TestFallbackToPolling(t *testing.T) {
	sessionId := NewId()
	rest := newTestRestServer(testSnapshot(sessionId))
	defer rest.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := NewConnectionHandle(cancelCtx, unreachableConnectUrl, testHandleSettings())
	defer handle.Close()
	api := NewSessionApiWithContext(cancelCtx, rest.server.URL)

	controller := NewSyncController(cancelCtx, handle, api, nil, testControllerSettings())
	defer controller.Close()

	callback, statuses := collectStatuses()
	unsubscribe := controller.Subscribe(sessionId, callback)
	defer unsubscribe()

	first := awaitStatus(t, statuses, 2*time.Second, func(status *SyncStatus) bool {
		return true
	})
	assert.Equal(t, first.TransportMode, TransportModeSocket)

	status := awaitStatus(t, statuses, 2*time.Second, func(status *SyncStatus) bool {
		return status.TransportMode == TransportModePolling && status.Snapshot != nil
	})
	assert.Equal(t, status.IsConnected, false)
	assert.Equal(t, status.Snapshot.SessionId, sessionId)
	// the fetch that delivered the snapshot cleared the attempt error
	assert.Equal(t, status.LastError, nil)
}

func TestSocketSeedAndPush(t *testing.T) {
	sessionId := NewId()
	seed := testSnapshot(sessionId)

	push := newTestPushServer()
	defer push.close()
	rest := newTestRestServer(seed)
	defer rest.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := NewConnectionHandle(cancelCtx, push.url(), testHandleSettings())
	defer handle.Close()
	handle.SetToken("jam-token")
	api := NewSessionApiWithContext(cancelCtx, rest.server.URL)

	controller := NewSyncController(cancelCtx, handle, api, nil, testControllerSettings())
	defer controller.Close()

	callback, statuses := collectStatuses()
	unsubscribe := controller.Subscribe(sessionId, callback)
	defer unsubscribe()

	// the controller joins the session stream
	select {
	case emitFrame := <-push.emitReceived:
		assert.Equal(t, emitFrame.Event, EventSessionSubscribe)
		var join joinPayload
		assert.Equal(t, json.Unmarshal(emitFrame.Payload, &join), nil)
		assert.Equal(t, join.SessionId, sessionId)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe emit")
	}

	// seed arrives over REST
	status := awaitStatus(t, statuses, 2*time.Second, func(status *SyncStatus) bool {
		return status.Snapshot != nil
	})
	assert.Equal(t, status.TransportMode, TransportModeSocket)
	assert.Equal(t, status.IsConnected, true)
	assert.Equal(t, status.Snapshot.QueueVersion, seed.QueueVersion)

	// a pushed update replaces the snapshot
	updated := *seed
	updated.QueueVersion = seed.QueueVersion + 1
	push.push(EventSessionUpdate, &updated)

	status = awaitStatus(t, statuses, 2*time.Second, func(status *SyncStatus) bool {
		return status.Snapshot != nil && status.Snapshot.QueueVersion == updated.QueueVersion
	})
	assert.Equal(t, status.TransportMode, TransportModeSocket)
	assert.Equal(t, status.LastChange.QueueChanged, true)
}

// the shared connection carries updates for every subscribed session on
// the process; a push for another session must never replace this
// session's snapshot
func TestForeignSessionPushIgnored(t *testing.T) {
	sessionId := NewId()
	otherSessionId := NewId()
	seed := testSnapshot(sessionId)

	push := newTestPushServer()
	defer push.close()
	rest := newTestRestServer(seed)
	defer rest.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := NewConnectionHandle(cancelCtx, push.url(), testHandleSettings())
	defer handle.Close()
	api := NewSessionApiWithContext(cancelCtx, rest.server.URL)

	controller := NewSyncController(cancelCtx, handle, api, nil, testControllerSettings())
	defer controller.Close()

	callback, statuses := collectStatuses()
	unsubscribe := controller.Subscribe(sessionId, callback)
	defer unsubscribe()

	awaitStatus(t, statuses, 2*time.Second, func(status *SyncStatus) bool {
		return status.Snapshot != nil
	})

	foreign := testSnapshot(otherSessionId)
	foreign.QueueVersion = seed.QueueVersion + 10
	push.push(EventSessionUpdate, foreign)

	// a later push for our session still applies; frames are delivered in
	// order, so by the time it publishes the foreign one was dropped
	updated := *seed
	updated.QueueVersion = seed.QueueVersion + 1
	push.push(EventSessionUpdate, &updated)

	status := awaitStatus(t, statuses, 2*time.Second, func(status *SyncStatus) bool {
		return status.Snapshot != nil && status.Snapshot.QueueVersion == updated.QueueVersion
	})
	assert.Equal(t, status.Snapshot.SessionId, sessionId)

	// nothing published in between carried the foreign session
	for {
		select {
		case status := <-statuses:
			if status.Snapshot == nil {
				continue
			}
			assert.Equal(t, status.Snapshot.SessionId, sessionId)
			assert.NotEqual(t, status.Snapshot.QueueVersion, foreign.QueueVersion)
		default:
			return
		}
	}
}

// an always-failing endpoint gets the initial attempt plus the full
// retry budget before settling into polling, the first retry at the
// base delay
func TestSocketRetryBudget(t *testing.T) {
	sessionId := NewId()

	push := newTestPushServer()
	push.setRejectAuth(true)
	defer push.close()
	rest := newTestRestServer(testSnapshot(sessionId))
	defer rest.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := NewConnectionHandle(cancelCtx, push.url(), testHandleSettings())
	defer handle.Close()
	api := NewSessionApiWithContext(cancelCtx, rest.server.URL)

	settings := &SyncControllerSettings{
		PollInterval:     20 * time.Millisecond,
		BackoffBaseDelay: 20 * time.Millisecond,
		BackoffMaxDelay:  100 * time.Millisecond,
		BackoffJitter:    0,
		MaxSocketRetries: 2,
	}
	controller := NewSyncController(cancelCtx, handle, api, nil, settings)
	defer controller.Close()

	callback, _ := collectStatuses()
	unsubscribe := controller.Subscribe(sessionId, callback)
	defer unsubscribe()

	// 1 initial attempt + 2 retries
	deadline := time.After(2 * time.Second)
	for push.dials() < 3 {
		select {
		case <-deadline:
			t.Fatalf("retry budget not spent: %d dials", push.dials())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// settled: no further automatic attempts
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, push.dials(), 3)
}

// queued actions replay through the socket on connect, priority first
func TestReplayOnReconnect(t *testing.T) {
	sessionId := NewId()

	push := newTestPushServer()
	defer push.close()
	rest := newTestRestServer(testSnapshot(sessionId))
	defer rest.close()

	queue, err := NewOfflineActionQueue(NewMemoryQueueStore())
	assert.Equal(t, err, nil)
	queue.Enqueue("a", nil, ActionPriorityLow)
	queue.Enqueue("b", nil, ActionPriorityHigh)
	queue.Enqueue("c", nil, ActionPriorityLow)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := NewConnectionHandle(cancelCtx, push.url(), testHandleSettings())
	defer handle.Close()
	api := NewSessionApiWithContext(cancelCtx, rest.server.URL)

	controller := NewSyncController(cancelCtx, handle, api, queue, testControllerSettings())
	defer controller.Close()

	callback, _ := collectStatuses()
	unsubscribe := controller.Subscribe(sessionId, callback)
	defer unsubscribe()

	kinds := []string{}
	deadline := time.After(2 * time.Second)
	for len(kinds) < 3 {
		select {
		case emitFrame := <-push.emitReceived:
			if emitFrame.Event != EventSessionAction {
				continue
			}
			var action actionPayload
			assert.Equal(t, json.Unmarshal(emitFrame.Payload, &action), nil)
			assert.Equal(t, action.SessionId, sessionId)
			kinds = append(kinds, action.Kind)
		case <-deadline:
			t.Fatal("replay incomplete")
		}
	}
	assert.Equal(t, kinds, []string{"b", "a", "c"})

	// the persisted queue drained
	deadline = time.After(2 * time.Second)
	for queue.Size() != 0 {
		select {
		case <-deadline:
			t.Fatal("queue not drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// hidden tab: zero fetches while hidden, one immediate fetch on visible
func TestPollPauseWhenHidden(t *testing.T) {
	sessionId := NewId()
	rest := newTestRestServer(testSnapshot(sessionId))
	defer rest.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := NewConnectionHandle(cancelCtx, unreachableConnectUrl, testHandleSettings())
	defer handle.Close()
	api := NewSessionApiWithContext(cancelCtx, rest.server.URL)

	controller := NewSyncController(cancelCtx, handle, api, nil, testControllerSettings())
	defer controller.Close()

	callback, statuses := collectStatuses()
	unsubscribe := controller.Subscribe(sessionId, callback)
	defer unsubscribe()

	awaitStatus(t, statuses, 2*time.Second, func(status *SyncStatus) bool {
		return status.TransportMode == TransportModePolling && status.Snapshot != nil
	})

	controller.SetVisible(false)
	// let in-flight ticks land
	time.Sleep(150 * time.Millisecond)
	hiddenFetches := rest.fetches()

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, rest.fetches(), hiddenFetches)

	controller.SetVisible(true)
	deadline := time.After(time.Second)
	for rest.fetches() <= hiddenFetches {
		select {
		case <-deadline:
			t.Fatal("no fetch after becoming visible")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// a lagging poll response must not clobber a newer snapshot
func TestStaleFetchDiscarded(t *testing.T) {
	sessionId := NewId()

	older := testSnapshot(sessionId)
	older.QueueVersion = 1
	newer := *older
	newer.QueueVersion = 2

	rest := newTestRestServer(&newer)
	rest.laggedFirst = 300 * time.Millisecond
	rest.firstSnapshot = older
	defer rest.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := NewConnectionHandle(cancelCtx, unreachableConnectUrl, testHandleSettings())
	defer handle.Close()
	api := NewSessionApiWithContext(cancelCtx, rest.server.URL)

	controller := NewSyncController(cancelCtx, handle, api, nil, testControllerSettings())
	defer controller.Close()

	callback, statuses := collectStatuses()
	unsubscribe := controller.Subscribe(sessionId, callback)
	defer unsubscribe()

	versions := []uint64{}
	deadline := time.After(time.Second)
	for {
		select {
		case status := <-statuses:
			if status.Snapshot != nil {
				versions = append(versions, status.Snapshot.QueueVersion)
			}
		case <-deadline:
			// the lagged older snapshot must never publish after the
			// newer one
			assert.Equal(t, 0 < len(versions), true)
			for _, version := range versions {
				assert.Equal(t, version, uint64(2))
			}
			return
		}
	}
}

// an offline to online edge retries the socket immediately, even after
// the automatic retry budget is spent
func TestOnlineEdgeReconnect(t *testing.T) {
	sessionId := NewId()

	push := newTestPushServer()
	push.setRejectAuth(true)
	defer push.close()
	rest := newTestRestServer(testSnapshot(sessionId))
	defer rest.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := NewConnectionHandle(cancelCtx, push.url(), testHandleSettings())
	defer handle.Close()

	api := NewSessionApiWithContext(cancelCtx, rest.server.URL)

	settings := testControllerSettings()
	settings.MaxSocketRetries = 0
	controller := NewSyncController(cancelCtx, handle, api, nil, settings)
	defer controller.Close()

	callback, statuses := collectStatuses()
	unsubscribe := controller.Subscribe(sessionId, callback)
	defer unsubscribe()

	awaitStatus(t, statuses, 2*time.Second, func(status *SyncStatus) bool {
		return status.TransportMode == TransportModePolling
	})

	push.setRejectAuth(false)
	controller.SetOnline(false)
	controller.SetOnline(true)

	status := awaitStatus(t, statuses, 2*time.Second, func(status *SyncStatus) bool {
		return status.TransportMode == TransportModeSocket && status.IsConnected
	})
	assert.Equal(t, status.IsConnected, true)
	assert.Equal(t, 2 <= push.dials(), true)
}

func TestUnsubscribeStopsWork(t *testing.T) {
	sessionId := NewId()
	rest := newTestRestServer(testSnapshot(sessionId))
	defer rest.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := NewConnectionHandle(cancelCtx, unreachableConnectUrl, testHandleSettings())
	defer handle.Close()
	api := NewSessionApiWithContext(cancelCtx, rest.server.URL)

	controller := NewSyncController(cancelCtx, handle, api, nil, testControllerSettings())
	defer controller.Close()

	callback, statuses := collectStatuses()
	unsubscribe := controller.Subscribe(sessionId, callback)

	awaitStatus(t, statuses, 2*time.Second, func(status *SyncStatus) bool {
		return status.TransportMode == TransportModePolling && status.Snapshot != nil
	})

	unsubscribe()
	// unsubscribing twice is safe
	unsubscribe()

	time.Sleep(150 * time.Millisecond)
	settled := rest.fetches()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, rest.fetches(), settled)

	assert.Equal(t, controller.Status().TransportMode, TransportModeIdle)
}

func TestSubscribeWhileSubscribedPanics(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := NewConnectionHandle(cancelCtx, unreachableConnectUrl, testHandleSettings())
	defer handle.Close()
	api := NewSessionApiWithContext(cancelCtx, "http://127.0.0.1:1")

	controller := NewSyncController(cancelCtx, handle, api, nil, testControllerSettings())
	defer controller.Close()

	callback, _ := collectStatuses()
	unsubscribe := controller.Subscribe(NewId(), callback)
	defer unsubscribe()

	defer func() {
		assert.NotEqual(t, recover(), nil)
	}()
	controller.Subscribe(NewId(), callback)
}
