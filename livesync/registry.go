package livesync

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// HandleRegistry enforces one live ConnectionHandle per endpoint in a
// process. Controllers acquire the shared handle instead of owning one;
// the last release disconnects. An explicit registry keeps the sharing
// visible instead of hiding it in a package-level singleton.

type registryEntry struct {
	handle   *ConnectionHandle
	refCount int
}

type HandleRegistry struct {
	ctx context.Context

	mutex   sync.Mutex
	entries map[string]*registryEntry

	settings *ConnectionHandleSettings
}

func NewHandleRegistryWithDefaults(ctx context.Context) *HandleRegistry {
	return NewHandleRegistry(ctx, DefaultConnectionHandleSettings())
}

func NewHandleRegistry(ctx context.Context, settings *ConnectionHandleSettings) *HandleRegistry {
	return &HandleRegistry{
		ctx:      ctx,
		entries:  map[string]*registryEntry{},
		settings: settings,
	}
}

// Acquire returns the shared handle for the endpoint and a release
// function. Release is idempotent. When the last holder releases, the
// handle is disconnected and dropped from the registry.
func (self *HandleRegistry) Acquire(connectUrl string) (*ConnectionHandle, func()) {
	self.mutex.Lock()
	entry, ok := self.entries[connectUrl]
	if !ok {
		entry = &registryEntry{
			handle: NewConnectionHandle(self.ctx, connectUrl, self.settings),
		}
		self.entries[connectUrl] = entry
	}
	entry.refCount += 1
	self.mutex.Unlock()

	released := false
	var releaseLock sync.Mutex
	release := func() {
		releaseLock.Lock()
		defer releaseLock.Unlock()
		if released {
			return
		}
		released = true

		self.mutex.Lock()
		entry.refCount -= 1
		last := entry.refCount == 0
		if last {
			delete(self.entries, connectUrl)
		}
		self.mutex.Unlock()

		if last {
			glog.V(2).Infof("[r]release last %s\n", connectUrl)
			entry.handle.Close()
		}
	}
	return entry.handle, release
}
