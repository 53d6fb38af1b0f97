package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DualTransportSyncController keeps one subscribed session fresh through
// the best available transport. It prefers the shared push connection and
// degrades to timed REST polling, retrying the socket with jittered
// exponential backoff. Tab visibility pauses the poll timer; an
// offline to online edge short-circuits the backoff timer.
//
// All transport failures degrade the mode and surface through LastError.
// Nothing recoverable is thrown at the consumer.

type TransportMode string

const (
	TransportModeIdle    TransportMode = "idle"
	TransportModeSocket  TransportMode = "socket"
	TransportModePolling TransportMode = "polling"
)

type RetryState struct {
	AttemptCount  int
	LastAttemptAt time.Time
}

// the consumer-visible fields, delivered on every observable change
type SyncStatus struct {
	SessionId     Id
	TransportMode TransportMode
	IsConnected   bool
	Snapshot      *Snapshot
	LastChange    *ChangeSet
	LastError     error
}

type StatusFunction = func(status *SyncStatus)

type SyncControllerSettings struct {
	// 0 disables polling entirely
	PollInterval     time.Duration
	BackoffBaseDelay time.Duration
	BackoffMaxDelay  time.Duration
	BackoffJitter    time.Duration
	// automatic socket retry cycles while polling before settling.
	// An offline to online edge can still trigger a fresh attempt after
	// settling.
	MaxSocketRetries int
}

func DefaultSyncControllerSettings() *SyncControllerSettings {
	return &SyncControllerSettings{
		PollInterval:     5000 * time.Millisecond,
		BackoffBaseDelay: 1000 * time.Millisecond,
		BackoffMaxDelay:  30000 * time.Millisecond,
		BackoffJitter:    1000 * time.Millisecond,
		MaxSocketRetries: 3,
	}
}

type SyncController struct {
	ctx    context.Context
	cancel context.CancelFunc

	handle   *ConnectionHandle
	api      *SessionApi
	queue    *OfflineActionQueue
	settings *SyncControllerSettings

	stateLock        sync.Mutex
	generation       uint64
	sessionId        Id
	mode             TransportMode
	snapshot         *Snapshot
	lastChange       *ChangeSet
	lastError        error
	isConnected      bool
	retry            RetryState
	visible          bool
	online           bool
	visibleEdge      bool
	onlineEdge       bool
	seq              uint64
	lastPublishedSeq uint64
	subCancel        context.CancelFunc

	envUpdate chan struct{}

	statusCallbacks *CallbackList[StatusFunction]
}

func NewSyncControllerWithDefaults(
	ctx context.Context,
	handle *ConnectionHandle,
	api *SessionApi,
	queue *OfflineActionQueue,
) *SyncController {
	return NewSyncController(ctx, handle, api, queue, DefaultSyncControllerSettings())
}

// queue may be nil when the host does not buffer offline actions
func NewSyncController(
	ctx context.Context,
	handle *ConnectionHandle,
	api *SessionApi,
	queue *OfflineActionQueue,
	settings *SyncControllerSettings,
) *SyncController {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncController{
		ctx:             cancelCtx,
		cancel:          cancel,
		handle:          handle,
		api:             api,
		queue:           queue,
		settings:        settings,
		mode:            TransportModeIdle,
		visible:         true,
		online:          true,
		envUpdate:       make(chan struct{}, 1),
		statusCallbacks: NewCallbackList[StatusFunction](),
	}
}

// Subscribe begins tracking the session and returns a disposer.
// The disposer cancels all timers and in-flight work for this
// subscription; a completion that arrives afterward is discarded.
// The shared handle is left connected - the registry refcount decides
// when to disconnect.
func (self *SyncController) Subscribe(sessionId Id, callback StatusFunction) func() {
	self.stateLock.Lock()
	if self.subCancel != nil {
		self.stateLock.Unlock()
		panic(errors.New("controller is already subscribed"))
	}
	self.generation += 1
	gen := self.generation
	self.sessionId = sessionId
	self.mode = TransportModeIdle
	self.snapshot = nil
	self.lastChange = nil
	self.lastError = nil
	self.isConnected = false
	self.retry = RetryState{}
	self.visibleEdge = false
	self.onlineEdge = false
	self.seq = 0
	self.lastPublishedSeq = 0
	subCtx, subCancel := context.WithCancel(self.ctx)
	self.subCancel = subCancel
	self.stateLock.Unlock()

	callbackId := self.statusCallbacks.Add(callback)

	go self.run(subCtx, gen, sessionId)

	return func() {
		self.statusCallbacks.Remove(callbackId)

		self.stateLock.Lock()
		if gen != self.generation {
			self.stateLock.Unlock()
			return
		}
		self.generation += 1
		self.mode = TransportModeIdle
		self.isConnected = false
		cancel := self.subCancel
		self.subCancel = nil
		self.stateLock.Unlock()

		if cancel != nil {
			cancel()
		}
	}
}

func (self *SyncController) Status() *SyncStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return &SyncStatus{
		SessionId:     self.sessionId,
		TransportMode: self.mode,
		IsConnected:   self.isConnected,
		Snapshot:      self.snapshot,
		LastChange:    self.lastChange,
		LastError:     self.lastError,
	}
}

// edge-triggered host signal: tab/document visibility
func (self *SyncController) SetVisible(visible bool) {
	self.stateLock.Lock()
	if self.visible == visible {
		self.stateLock.Unlock()
		return
	}
	self.visible = visible
	if visible {
		self.visibleEdge = true
	}
	self.stateLock.Unlock()
	self.kickEnv()
}

// edge-triggered host signal: network reachability
func (self *SyncController) SetOnline(online bool) {
	self.stateLock.Lock()
	if self.online == online {
		self.stateLock.Unlock()
		return
	}
	self.online = online
	if online {
		self.onlineEdge = true
	}
	self.stateLock.Unlock()
	self.kickEnv()
}

func (self *SyncController) Close() {
	self.cancel()
}

func (self *SyncController) kickEnv() {
	select {
	case self.envUpdate <- struct{}{}:
	default:
	}
}

func (self *SyncController) envState() (visible bool, online bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.visible, self.online
}

func (self *SyncController) retryAttempt() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.retry.AttemptCount
}

func (self *SyncController) run(ctx context.Context, gen uint64, sessionId Id) {
	for {
		if ctx.Err() != nil {
			return
		}

		self.attemptSocket(ctx, gen, sessionId)

		if ctx.Err() != nil {
			return
		}

		if !self.runPolling(ctx, gen, sessionId) {
			return
		}
	}
}

// one full socket cycle: connect, join the session stream, seed, then
// hold until disconnect. Returns after a failed attempt or after an
// established connection drops; either way the caller degrades to
// polling next.
func (self *SyncController) attemptSocket(ctx context.Context, gen uint64, sessionId Id) {
	self.stateLock.Lock()
	if gen != self.generation {
		self.stateLock.Unlock()
		return
	}
	self.mode = TransportModeSocket
	self.stateLock.Unlock()
	self.publish(gen)

	fail := func(err error) {
		self.stateLock.Lock()
		if gen != self.generation {
			self.stateLock.Unlock()
			return
		}
		self.retry.AttemptCount += 1
		self.retry.LastAttemptAt = time.Now()
		self.lastError = err
		self.stateLock.Unlock()
		glog.Infof("[c]socket attempt %d error = %s\n", self.retryAttempt(), err)
	}

	if err := self.handle.Connect(ctx); err != nil {
		fail(err)
		return
	}

	disconnect := make(chan struct{}, 1)
	signalDisconnect := func() {
		select {
		case disconnect <- struct{}{}:
		default:
		}
	}

	offState := self.handle.AddStateChangeCallback(func(state ConnectionState) {
		switch state {
		case ConnectionStateDisconnected, ConnectionStateError:
			signalDisconnect()
		}
	})
	offUpdate := self.handle.On(EventSessionUpdate, func(payload json.RawMessage) {
		self.applyPush(gen, payload)
	})
	cleanup := func() {
		offUpdate()
		offState()
	}

	// the handle may have dropped between connect and the callback
	// registration above
	if !self.handle.IsConnected() {
		cleanup()
		fail(ErrNotConnected)
		return
	}

	if err := self.handle.Emit(ctx, EventSessionSubscribe, &joinPayload{SessionId: sessionId}); err != nil {
		cleanup()
		fail(err)
		return
	}

	self.stateLock.Lock()
	if gen != self.generation {
		self.stateLock.Unlock()
		cleanup()
		return
	}
	self.isConnected = true
	self.lastError = nil
	self.retry = RetryState{}
	self.stateLock.Unlock()
	self.publish(gen)

	// actions buffered while disconnected replay now, ordered by
	// priority then age. A failed send waits for the next reconnect.
	if self.queue != nil {
		go func() {
			err := self.queue.Replay(ctx, func(sendCtx context.Context, action *QueuedAction) error {
				return self.handle.Emit(sendCtx, EventSessionAction, &actionPayload{
					SessionId: sessionId,
					ActionId:  action.ActionId,
					Kind:      action.Kind,
					Payload:   action.Payload,
				})
			})
			if err != nil && ctx.Err() == nil {
				glog.Infof("[c]replay stopped = %s\n", err)
			}
		}()
	}

	// seed the snapshot; pushed events keep it fresh from here
	go self.fetchOnce(ctx, gen, sessionId)

	select {
	case <-ctx.Done():
	case <-disconnect:
		glog.Infof("[c]socket disconnected\n")
	}

	cleanup()

	self.stateLock.Lock()
	if gen == self.generation {
		self.isConnected = false
	}
	self.stateLock.Unlock()
}

// timed pulls with jittered socket retries. Returns false when the
// subscription is torn down, true when a socket attempt is due.
func (self *SyncController) runPolling(ctx context.Context, gen uint64, sessionId Id) bool {
	self.stateLock.Lock()
	if gen != self.generation {
		self.stateLock.Unlock()
		return false
	}
	self.mode = TransportModePolling
	self.isConnected = false
	self.stateLock.Unlock()
	self.publish(gen)

	visible, _ := self.envState()

	if visible {
		go self.fetchOnce(ctx, gen, sessionId)
	}

	var pollTimer *time.Timer
	var pollC <-chan time.Time
	resetPoll := func() {
		if self.settings.PollInterval <= 0 || !visible {
			pollC = nil
			return
		}
		if pollTimer == nil {
			pollTimer = time.NewTimer(self.settings.PollInterval)
		} else {
			pollTimer.Stop()
			pollTimer.Reset(self.settings.PollInterval)
		}
		pollC = pollTimer.C
	}
	defer func() {
		if pollTimer != nil {
			pollTimer.Stop()
		}
	}()

	var retryC <-chan time.Time
	scheduleRetry := func() {
		// the first failed attempt is not a retry. The budget counts the
		// backoff cycles after it, so an always-failing endpoint sees the
		// initial attempt plus MaxSocketRetries retries, the first at the
		// base delay.
		retries := self.retryAttempt() - 1
		if retries < 0 {
			retries = 0
		}
		if self.settings.MaxSocketRetries <= retries {
			// settled into polling for the rest of the subscription
			retryC = nil
			return
		}
		retryC = time.After(NextBackoffDelay(
			retries,
			self.settings.BackoffBaseDelay,
			self.settings.BackoffMaxDelay,
			self.settings.BackoffJitter,
		))
	}

	resetPoll()
	scheduleRetry()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-pollC:
			go self.fetchOnce(ctx, gen, sessionId)
			resetPoll()
		case <-retryC:
			return true
		case <-self.envUpdate:
			// consume the edges under the lock so that a rapid
			// offline-online toggle cannot coalesce into a no-op
			self.stateLock.Lock()
			nextVisible := self.visible
			becameVisible := self.visibleEdge && !visible
			becameOnline := self.onlineEdge
			self.visibleEdge = false
			self.onlineEdge = false
			self.stateLock.Unlock()
			visible = nextVisible
			if becameVisible {
				// one immediate fetch, then the timer resumes
				go self.fetchOnce(ctx, gen, sessionId)
			}
			resetPoll()
			if becameOnline {
				// fast path: retry the socket now, bypassing backoff
				return true
			}
		}
	}
}

// one-shot REST pull. The sequence is taken before the request so that a
// lagging completion that loses the race to a pushed update is discarded.
func (self *SyncController) fetchOnce(ctx context.Context, gen uint64, sessionId Id) {
	self.stateLock.Lock()
	if gen != self.generation {
		self.stateLock.Unlock()
		return
	}
	self.seq += 1
	seq := self.seq
	self.stateLock.Unlock()

	snapshot, err := self.api.GetSessionSnapshotSync(sessionId)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		self.stateLock.Lock()
		if gen != self.generation {
			self.stateLock.Unlock()
			return
		}
		self.lastError = fmt.Errorf("fetch: %w", err)
		self.stateLock.Unlock()
		glog.Infof("[c]fetch error = %s\n", err)
		self.publish(gen)
		return
	}

	self.applySnapshot(gen, seq, snapshot)
}

func (self *SyncController) applyPush(gen uint64, payload json.RawMessage) {
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		glog.Infof("[c]update decode error = %s\n", err)
		return
	}

	self.stateLock.Lock()
	if gen != self.generation {
		self.stateLock.Unlock()
		return
	}
	if snapshot.SessionId != self.sessionId {
		// the shared connection carries updates for every subscribed
		// session; other sessions' updates are not ours to apply
		self.stateLock.Unlock()
		glog.V(2).Infof("[c]drop update for other session %s\n", snapshot.SessionId)
		return
	}
	self.seq += 1
	seq := self.seq
	self.stateLock.Unlock()

	self.applySnapshot(gen, seq, &snapshot)
}

func (self *SyncController) applySnapshot(gen uint64, seq uint64, next *Snapshot) {
	self.stateLock.Lock()
	if gen != self.generation {
		self.stateLock.Unlock()
		return
	}
	if seq <= self.lastPublishedSeq {
		// a newer snapshot was already published
		self.stateLock.Unlock()
		glog.V(2).Infof("[c]drop stale snapshot seq=%d\n", seq)
		return
	}
	self.lastPublishedSeq = seq
	previous := self.snapshot
	changeSet := DiffSnapshots(previous, next)
	self.lastError = nil
	changed := previous == nil || !changeSet.Empty()
	if changed {
		self.snapshot = next
		self.lastChange = changeSet
	}
	self.stateLock.Unlock()

	if changed {
		self.publish(gen)
	}
}

func (self *SyncController) publish(gen uint64) {
	self.stateLock.Lock()
	if gen != self.generation {
		self.stateLock.Unlock()
		return
	}
	status := &SyncStatus{
		SessionId:     self.sessionId,
		TransportMode: self.mode,
		IsConnected:   self.isConnected,
		Snapshot:      self.snapshot,
		LastChange:    self.lastChange,
		LastError:     self.lastError,
	}
	self.stateLock.Unlock()

	for _, callback := range self.statusCallbacks.Get() {
		callback(status)
	}
}
