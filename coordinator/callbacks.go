package coordinator

import (
	"sync"
)

// makes a copy of the callback set on read, so invocation never
// holds the lock
type callbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks map[int]T
}

func (self *callbackList[T]) add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.callbacks == nil {
		self.callbacks = map[int]T{}
	}
	callbackId := self.nextId
	self.nextId += 1
	self.callbacks[callbackId] = callback
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.callbacks, callbackId)
	}
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, 0, len(self.callbacks))
	for _, callback := range self.callbacks {
		callbacks = append(callbacks, callback)
	}
	return callbacks
}
