package coordinator

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Registry resolves a document identity to its single live
// coordinator. Entries are removed only when a handle's Destroy
// completes, and a destroyed handle is never resolved again.
type Registry struct {
	mutex   sync.Mutex
	entries map[identityKey]*Coordinator
}

func newRegistry() *Registry {
	return &Registry{
		entries: map[identityKey]*Coordinator{},
	}
}

// resolve returns the active coordinator for the identity,
// constructing one if needed. Race-free under concurrent
// resolution: the entry is registered before setup runs, so a
// second concurrent caller waits on the same handle instead of
// constructing a duplicate.
func (self *Registry) resolve(ctx context.Context, runtime *Runtime, config *Config) (*Coordinator, error) {
	key := config.identity()
	for {
		self.mutex.Lock()
		coordinator, ok := self.entries[key]
		if !ok {
			coordinator = newCoordinator(runtime, config)
			self.entries[key] = coordinator
			self.mutex.Unlock()

			err := coordinator.setup(ctx)
			coordinator.readyErr = err
			close(coordinator.ready)
			if err != nil {
				// failed handles are never active. release whatever
				// setup had already attached
				coordinator.Destroy()
				return nil, err
			}
			return coordinator, nil
		}
		self.mutex.Unlock()

		select {
		case <-coordinator.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if coordinator.readyErr == nil && coordinator.IsActive() {
			return coordinator, nil
		}
		// stale: destroyed or failed since registration. retire the
		// entry and construct a fresh handle
		self.remove(key, coordinator)
	}
}

func (self *Registry) remove(key identityKey, coordinator *Coordinator) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.entries[key] == coordinator {
		delete(self.entries, key)
	}
}

func (self *Registry) all() []*Coordinator {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	coordinators := make([]*Coordinator, 0, len(self.entries))
	for _, coordinator := range self.entries {
		coordinators = append(coordinators, coordinator)
	}
	return coordinators
}

// FindByRolePrefix locates a distinguished document among the
// active handles by name prefix, preferring a non-guest match over
// a guest match over no match. Deterministic for a given set of
// active handles.
func (self *Registry) FindByRolePrefix(prefix string, guestMarker string, excluding *Coordinator) *Coordinator {
	candidates := []*Coordinator{}
	for _, coordinator := range self.all() {
		if coordinator == excluding {
			continue
		}
		if !strings.HasPrefix(coordinator.Name(), prefix) {
			continue
		}
		select {
		case <-coordinator.ready:
			if coordinator.readyErr != nil || !coordinator.IsActive() {
				continue
			}
		default:
			continue
		}
		candidates = append(candidates, coordinator)
	}
	sort.Slice(candidates, func(i int, j int) bool {
		return candidates[i].Name() < candidates[j].Name()
	})

	if len(candidates) == 1 {
		return candidates[0]
	}
	for _, coordinator := range candidates {
		if !strings.Contains(coordinator.Name(), guestMarker) {
			return coordinator
		}
	}
	for _, coordinator := range candidates {
		return coordinator
	}
	return nil
}
