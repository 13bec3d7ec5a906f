package converge

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// registry of observer callbacks.
// makes a copy of the list on read so that callbacks can add/remove
// other callbacks while an invocation is in progress.
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbacks      map[int]T
	callbackIds    []int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		nextCallbackId: 0,
		callbacks:      map[int]T{},
		callbackIds:    []int{},
	}
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	self.callbackIds = append(self.callbackIds, callbackId)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	for i, id := range self.callbackIds {
		if id == callbackId {
			self.callbackIds = append(self.callbackIds[:i], self.callbackIds[i+1:]...)
			break
		}
	}
}

// in add order
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.callbacks)
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	maps.Clear(self.callbacks)
	self.callbackIds = self.callbackIds[:0]
}

// all user callbacks are wrapped so that a panic in one callback
// cannot halt processing of subsequent events
func handleCallbackPanic() {
	if r := recover(); r != nil {
		glog.Errorf("[cb]recovered from callback panic: %v\n", r)
	}
}
