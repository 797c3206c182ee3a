package signal

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// closes the current notify channel on each `NotifyAll`
// waiters take the channel before checking state, then wait on it
type Monitor struct {
	mutex  sync.Mutex
	notify chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		notify: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.notify
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.notify)
	self.notify = make(chan struct{})
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

// in order of add
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbackIds)
}

// returns the new count
func (self *CallbackList[T]) Add(callback T) (callbackId int, count int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId = self.nextCallbackId
	self.nextCallbackId += 1
	nextCallbacks := maps.Clone(self.callbacks)
	nextCallbacks[callbackId] = callback
	self.callbacks = nextCallbacks
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	return callbackId, len(self.callbackIds)
}

// returns the new count, and false if the callback was not present
func (self *CallbackList[T]) Remove(callbackId int) (count int, removed bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return len(self.callbackIds), false
	}
	nextCallbacks := maps.Clone(self.callbacks)
	delete(nextCallbacks, callbackId)
	self.callbacks = nextCallbacks
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	return len(self.callbackIds), true
}
