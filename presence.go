package converge

import (
	"bytes"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

type PresenceFunction func(actorIds []Id)

type PresenceExpireFunction func(roomKey RoomKey, actorId Id)

type PresenceTrackerSettings struct {
	DefaultTtl time.Duration
}

func DefaultPresenceTrackerSettings() *PresenceTrackerSettings {
	return &PresenceTrackerSettings{
		DefaultTtl: 30 * time.Second,
	}
}

// typing indicators reuse the presence tracker with a short ttl
func DefaultTypingTrackerSettings() *PresenceTrackerSettings {
	return &PresenceTrackerSettings{
		DefaultTtl: 4 * time.Second,
	}
}

// ttl-expiring set of actors per room.
// never reconciled against a durable store; a restart or reconnect
// restarts from empty.
type PresenceTracker struct {
	settings *PresenceTrackerSettings

	stateLock sync.Mutex

	// room -> actor -> record
	rooms map[RoomKey]map[Id]*presenceRecord

	expireCallbacks *CallbackList[PresenceExpireFunction]
	observers       map[RoomKey]*CallbackList[PresenceFunction]
}

type presenceRecord struct {
	expiresAt time.Time
	// guards the expiry timer against a concurrent heartbeat.
	// a fired timer only expires the record if no newer heartbeat
	// superseded it, so `OnExpire` fires exactly once per record.
	seq   int
	timer *time.Timer
}

func NewPresenceTrackerWithDefaults() *PresenceTracker {
	return NewPresenceTracker(DefaultPresenceTrackerSettings())
}

func NewPresenceTracker(settings *PresenceTrackerSettings) *PresenceTracker {
	return &PresenceTracker{
		settings:        settings,
		rooms:           map[RoomKey]map[Id]*presenceRecord{},
		expireCallbacks: NewCallbackList[PresenceExpireFunction](),
		observers:       map[RoomKey]*CallbackList[PresenceFunction]{},
	}
}

func (self *PresenceTracker) Heartbeat(roomKey RoomKey, actorId Id) {
	self.HeartbeatWithTtl(roomKey, actorId, self.settings.DefaultTtl)
}

// creates or refreshes the record and resets expiry to now + ttl
func (self *PresenceTracker) HeartbeatWithTtl(roomKey RoomKey, actorId Id, ttl time.Duration) {
	self.stateLock.Lock()
	room, ok := self.rooms[roomKey]
	if !ok {
		room = map[Id]*presenceRecord{}
		self.rooms[roomKey] = room
	}
	record, ok := room[actorId]
	joined := !ok
	if !ok {
		record = &presenceRecord{}
		room[actorId] = record
	} else if record.timer != nil {
		record.timer.Stop()
	}
	record.expiresAt = time.Now().Add(ttl)
	record.seq += 1
	seq := record.seq
	record.timer = time.AfterFunc(ttl, func() {
		self.expire(roomKey, actorId, seq)
	})
	self.stateLock.Unlock()

	if joined {
		glog.V(2).Infof("[prs]join %s %s\n", roomKey, actorId)
		self.notifyRoom(roomKey)
	}
}

// lazy check so a stale record is absent even before its timer fires
func (self *PresenceTracker) IsPresent(roomKey RoomKey, actorId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	room, ok := self.rooms[roomKey]
	if !ok {
		return false
	}
	record, ok := room[actorId]
	if !ok {
		return false
	}
	return time.Now().Before(record.expiresAt)
}

// active actors in the room, in stable order
func (self *PresenceTracker) Present(roomKey RoomKey) []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.present(roomKey)
}

func (self *PresenceTracker) present(roomKey RoomKey) []Id {
	actorIds := []Id{}
	now := time.Now()
	for actorId, record := range self.rooms[roomKey] {
		if now.Before(record.expiresAt) {
			actorIds = append(actorIds, actorId)
		}
	}
	slices.SortFunc(actorIds, func(a Id, b Id) int {
		return bytes.Compare(a[:], b[:])
	})
	return actorIds
}

// explicit leave, or the opposing "stop" event for typing.
// cancels the pending expiry timer so a stale expiry cannot flicker an
// indicator that was already cleared. does not fire `OnExpire`.
func (self *PresenceTracker) Leave(roomKey RoomKey, actorId Id) {
	self.stateLock.Lock()
	room, ok := self.rooms[roomKey]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	record, ok := room[actorId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	if record.timer != nil {
		record.timer.Stop()
	}
	delete(room, actorId)
	if len(room) == 0 {
		delete(self.rooms, roomKey)
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[prs]leave %s %s\n", roomKey, actorId)
	self.notifyRoom(roomKey)
}

// drops all records for a room and cancels their timers.
// the unsubscribe path: no expire callbacks fire.
func (self *PresenceTracker) CancelRoom(roomKey RoomKey) {
	self.stateLock.Lock()
	room, ok := self.rooms[roomKey]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	for _, record := range room {
		if record.timer != nil {
			record.timer.Stop()
		}
	}
	delete(self.rooms, roomKey)
	self.stateLock.Unlock()
}

func (self *PresenceTracker) OnExpire(expireCallback PresenceExpireFunction) func() {
	callbackId := self.expireCallbacks.Add(expireCallback)
	return func() {
		self.expireCallbacks.Remove(callbackId)
	}
}

// the callback fires immediately with the current active set and then
// on every membership change. returns an unsubscribe function.
func (self *PresenceTracker) Observe(roomKey RoomKey, callback PresenceFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.observers[roomKey]
	if !ok {
		callbacks = NewCallbackList[PresenceFunction]()
		self.observers[roomKey] = callbacks
	}
	callbackId := callbacks.Add(callback)
	actorIds := self.present(roomKey)
	self.stateLock.Unlock()

	func() {
		defer handleCallbackPanic()
		callback(actorIds)
	}()

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		callbacks.Remove(callbackId)
	}
}

func (self *PresenceTracker) expire(roomKey RoomKey, actorId Id, seq int) {
	self.stateLock.Lock()
	room, ok := self.rooms[roomKey]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	record, ok := room[actorId]
	if !ok || record.seq != seq {
		// refreshed or removed since the timer was set
		self.stateLock.Unlock()
		return
	}
	delete(room, actorId)
	if len(room) == 0 {
		delete(self.rooms, roomKey)
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[prs]expire %s %s\n", roomKey, actorId)
	for _, expireCallback := range self.expireCallbacks.Get() {
		func() {
			defer handleCallbackPanic()
			expireCallback(roomKey, actorId)
		}()
	}
	self.notifyRoom(roomKey)
}

func (self *PresenceTracker) notifyRoom(roomKey RoomKey) {
	self.stateLock.Lock()
	callbacks, ok := self.observers[roomKey]
	actorIds := self.present(roomKey)
	self.stateLock.Unlock()

	if !ok {
		return
	}
	for _, callback := range callbacks.Get() {
		func() {
			defer handleCallbackPanic()
			callback(actorIds)
		}()
	}
}
