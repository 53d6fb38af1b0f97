package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// OfflineActionQueue buffers outbound actions that cannot be sent while
// the controller is not on the socket transport, and replays them once
// connectivity is restored. The queue is persisted through the store on
// every mutation so that it survives a process restart.

type ActionPriority int

const (
	ActionPriorityLow    ActionPriority = 0
	ActionPriorityNormal ActionPriority = 50
	ActionPriorityHigh   ActionPriority = 100
)

type QueuedAction struct {
	ActionId  Id              `json:"action_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  ActionPriority  `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
}

// QueueStore persists the serialized action list. Any key-value layer
// works as long as a save is atomic enough not to lose an in-flight
// enqueue.
type QueueStore interface {
	Load() ([]*QueuedAction, error)
	Save(actions []*QueuedAction) error
}

// ReplayError wraps the first failed send of a replay pass.
// The failing action and everything after it stay queued.
type ReplayError struct {
	ActionId Id
	Kind     string
	Err      error
}

func (self *ReplayError) Error() string {
	return fmt.Sprintf("replay %s (%s): %s", self.Kind, self.ActionId, self.Err)
}

func (self *ReplayError) Unwrap() error {
	return self.Err
}

type SendFunction = func(ctx context.Context, action *QueuedAction) error

type OfflineActionQueue struct {
	store QueueStore

	stateLock sync.Mutex
	// maintained in replay order: priority descending, createdAt
	// ascending, action id as the final tie break
	actions []*QueuedAction
}

func NewOfflineActionQueue(store QueueStore) (*OfflineActionQueue, error) {
	actions, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load action queue: %w", err)
	}
	queue := &OfflineActionQueue{
		store:   store,
		actions: actions,
	}
	queue.sortActions()
	return queue, nil
}

func (self *OfflineActionQueue) sortActions() {
	slices.SortStableFunc(self.actions, func(a *QueuedAction, b *QueuedAction) int {
		if a.Priority != b.Priority {
			// higher priority first
			return int(b.Priority) - int(a.Priority)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if a.CreatedAt.Before(b.CreatedAt) {
				return -1
			}
			return 1
		}
		// ids are create-time ordered
		if a.ActionId.LessThan(b.ActionId) {
			return -1
		} else if b.ActionId.LessThan(a.ActionId) {
			return 1
		}
		return 0
	})
}

// appends an action and persists the updated queue
func (self *OfflineActionQueue) Enqueue(kind string, payload json.RawMessage, priority ActionPriority) (Id, error) {
	action := &QueuedAction{
		ActionId:  NewId(),
		Kind:      kind,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.actions = append(self.actions, action)
	self.sortActions()
	if err := self.store.Save(self.actions); err != nil {
		self.actions = slices.DeleteFunc(self.actions, func(a *QueuedAction) bool {
			return a.ActionId == action.ActionId
		})
		return Id{}, fmt.Errorf("persist action queue: %w", err)
	}
	glog.V(2).Infof("[q]+ %s (%d queued)\n", kind, len(self.actions))
	return action.ActionId, nil
}

func (self *OfflineActionQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.actions)
}

// in replay order
func (self *OfflineActionQueue) DequeueAll() []*QueuedAction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.actions)
}

func (self *OfflineActionQueue) ClearAll() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.actions = []*QueuedAction{}
	if err := self.store.Save(self.actions); err != nil {
		return fmt.Errorf("persist action queue: %w", err)
	}
	return nil
}

// Replay sends queued actions in order. Each successful send removes the
// action from the persisted queue immediately. The first failed send
// stops the pass, leaving the failing action and everything after it
// queued for the next reconnect. There is no tight retry loop here; the
// next transition into the socket transport triggers the next pass.
func (self *OfflineActionQueue) Replay(ctx context.Context, send SendFunction) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		self.stateLock.Lock()
		if len(self.actions) == 0 {
			self.stateLock.Unlock()
			return nil
		}
		action := self.actions[0]
		self.stateLock.Unlock()

		if err := send(ctx, action); err != nil {
			glog.Infof("[q]replay halt at %s = %s\n", action.Kind, err)
			return &ReplayError{
				ActionId: action.ActionId,
				Kind:     action.Kind,
				Err:      err,
			}
		}

		self.stateLock.Lock()
		self.actions = slices.DeleteFunc(self.actions, func(a *QueuedAction) bool {
			return a.ActionId == action.ActionId
		})
		err := self.store.Save(self.actions)
		self.stateLock.Unlock()
		if err != nil {
			return fmt.Errorf("persist action queue: %w", err)
		}
		glog.V(2).Infof("[q]- %s\n", action.Kind)
	}
}
