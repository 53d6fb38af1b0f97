package livesync

import (
	"sync"

	"golang.org/x/exp/slices"
)

// ephemeral store for tests and hosts without durable storage
type memoryQueueStore struct {
	mutex   sync.Mutex
	actions []*QueuedAction
}

func NewMemoryQueueStore() QueueStore {
	return &memoryQueueStore{
		actions: []*QueuedAction{},
	}
}

func (self *memoryQueueStore) Load() ([]*QueuedAction, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.actions), nil
}

func (self *memoryQueueStore) Save(actions []*QueuedAction) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.actions = slices.Clone(actions)
	return nil
}
