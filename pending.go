package converge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type OperationKind string

const (
	OperationKindInsert OperationKind = "insert"
	OperationKindUpdate OperationKind = "update"
	OperationKindDelete OperationKind = "delete"
)

type ResolutionSource string

const (
	ResolvedByResponse ResolutionSource = "response"
	ResolvedByPush     ResolutionSource = "push"
)

// treated identically to a rejection for store purposes, but the
// mutation's identity is retained briefly so a late success re-enters
// as a foreign insert instead of duplicating the UI
var ErrMutationTimeout = errors.New("mutation not resolved within the resolve timeout")

type MutationFailureFunction func(mutation *PendingMutation, err error)

// one in-flight client-initiated operation and the closure that undoes
// its speculative effect
type PendingMutation struct {
	TempId   EntityId
	ListKey  ListKey
	Kind     OperationKind
	TargetId EntityId

	authorId  Id
	createdAt time.Time
	beginTime time.Time

	// latch. whichever of {server response, push event} observes the
	// outcome first sets this; the second arrival is a guaranteed no-op.
	resolvedBy ResolutionSource

	rollback     func(store *EntityStore)
	timeoutTimer *time.Timer
}

func (self *PendingMutation) ResolvedBy() ResolutionSource {
	return self.resolvedBy
}

type PendingMutationTrackerSettings struct {
	// a mutation not resolved within this interval is failed and rolled back
	ResolveTimeout time.Duration
	// how long a failed temp id is remembered so a late success is
	// recognized as foreign rather than matched to a discarded mutation
	FailedRetention time.Duration
}

func DefaultPendingMutationTrackerSettings() *PendingMutationTrackerSettings {
	return &PendingMutationTrackerSettings{
		ResolveTimeout:  30 * time.Second,
		FailedRetention: 60 * time.Second,
	}
}

// records in-flight client-initiated operations keyed by temp id.
// never persisted across reloads.
type PendingMutationTracker struct {
	store    *EntityStore
	settings *PendingMutationTrackerSettings

	stateLock sync.Mutex

	mutations map[EntityId]*PendingMutation
	// temp id -> fail time
	failedTempIds map[EntityId]time.Time

	failureCallbacks *CallbackList[MutationFailureFunction]

	trace LogFunction
}

func NewPendingMutationTrackerWithDefaults(store *EntityStore) *PendingMutationTracker {
	return NewPendingMutationTracker(store, DefaultPendingMutationTrackerSettings())
}

func NewPendingMutationTracker(store *EntityStore, settings *PendingMutationTrackerSettings) *PendingMutationTracker {
	return &PendingMutationTracker{
		store:            store,
		settings:         settings,
		mutations:        map[EntityId]*PendingMutation{},
		failedTempIds:    map[EntityId]time.Time{},
		failureCallbacks: NewCallbackList[MutationFailureFunction](),
		trace:            LogFn("pmt"),
	}
}

// synchronously applies the speculative effect to the store and
// registers the mutation.
// - insert: `speculative` must carry a temp id. inserted as pending.
// - update: `speculative` is the locally-merged entity with the target's
//   permanent id. the prior entity is captured for rollback.
// - delete: `speculative` identifies the target by id. removed from the
//   store; the removed entity is captured for rollback.
func (self *PendingMutationTracker) Begin(listKey ListKey, kind OperationKind, speculative *Entity) (*PendingMutation, error) {
	mutation := &PendingMutation{
		ListKey:   listKey,
		Kind:      kind,
		authorId:  speculative.AuthorId,
		createdAt: speculative.CreatedAt,
		beginTime: time.Now(),
	}

	switch kind {
	case OperationKindInsert:
		if !speculative.Id.IsTemp() {
			return nil, fmt.Errorf("speculative insert must use a temp id, got %s", speculative.Id)
		}
		mutation.TempId = speculative.Id
		mutation.TargetId = speculative.Id
		tempId := speculative.Id
		mutation.rollback = func(store *EntityStore) {
			store.Remove(listKey, tempId)
		}
		entity := speculative.Clone()
		entity.Status = EntityStatusPending
		self.register(mutation)
		self.store.Upsert(listKey, entity)
		self.armTimeout(mutation)

	case OperationKindUpdate:
		prior, ok := self.store.GetById(listKey, speculative.Id)
		if !ok {
			return nil, fmt.Errorf("update target %s not present in %s", speculative.Id, listKey)
		}
		mutation.TempId = NewTempEntityId()
		mutation.TargetId = speculative.Id
		restore := prior.Clone()
		mutation.rollback = func(store *EntityStore) {
			store.Upsert(listKey, restore)
		}
		entity := speculative.Clone()
		entity.Status = EntityStatusPending
		self.register(mutation)
		self.store.Upsert(listKey, entity)
		self.armTimeout(mutation)

	case OperationKindDelete:
		prior, ok := self.store.GetById(listKey, speculative.Id)
		if !ok {
			return nil, fmt.Errorf("delete target %s not present in %s", speculative.Id, listKey)
		}
		mutation.TempId = NewTempEntityId()
		mutation.TargetId = speculative.Id
		restore := prior.Clone()
		mutation.rollback = func(store *EntityStore) {
			store.Upsert(listKey, restore)
		}
		self.register(mutation)
		self.store.Remove(listKey, speculative.Id)
		self.armTimeout(mutation)

	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}

	return mutation, nil
}

func (self *PendingMutationTracker) register(mutation *PendingMutation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.mutations[mutation.TempId] = mutation
}

// armed only after the speculative store write, so a short timeout
// cannot roll back a write that has not happened yet
func (self *PendingMutationTracker) armTimeout(mutation *PendingMutation) {
	if self.settings.ResolveTimeout <= 0 {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.mutations[mutation.TempId]; !ok {
		// already resolved or failed
		return
	}
	tempId := mutation.TempId
	mutation.timeoutTimer = time.AfterFunc(self.settings.ResolveTimeout, func() {
		self.Fail(tempId, ErrMutationTimeout)
	})
}

// applies the true outcome observed by `source`.
// atomically removes the speculative entity and upserts the final one.
// safe to call twice for the same temp id; the second call is a no-op.
// this double-call safety is the race resolution between the direct
// response path and the push path.
func (self *PendingMutationTracker) Resolve(tempId EntityId, final *Entity, source ResolutionSource) bool {
	self.stateLock.Lock()
	mutation, ok := self.mutations[tempId]
	if !ok {
		self.stateLock.Unlock()
		return false
	}
	mutation.resolvedBy = source
	if mutation.timeoutTimer != nil {
		mutation.timeoutTimer.Stop()
	}
	delete(self.mutations, tempId)
	self.stateLock.Unlock()

	switch mutation.Kind {
	case OperationKindInsert:
		if final != nil {
			confirmed := final.Clone()
			confirmed.Status = EntityStatusConfirmed
			// one commit, so observers never see a state with the
			// message absent
			self.store.Replace(mutation.ListKey, mutation.TempId, confirmed)
		} else {
			self.store.Remove(mutation.ListKey, mutation.TempId)
		}
	case OperationKindUpdate:
		if final != nil {
			confirmed := final.Clone()
			confirmed.Status = EntityStatusConfirmed
			self.store.Upsert(mutation.ListKey, confirmed)
		} else if entity, ok := self.store.GetById(mutation.ListKey, mutation.TargetId); ok {
			confirmed := entity.Clone()
			confirmed.Status = EntityStatusConfirmed
			self.store.Upsert(mutation.ListKey, confirmed)
		}
	case OperationKindDelete:
		// the speculative removal is the final state
	}

	self.trace("resolve %s by %s", tempId, source)
	return true
}

// invokes the stored rollback against the store and removes the
// mutation. the temp id is retained briefly (see settings) so a late
// push for an already-rolled-back mutation is treated as a fresh insert
// of a confirmed entity, not a resolution.
func (self *PendingMutationTracker) Fail(tempId EntityId, failErr error) bool {
	self.stateLock.Lock()
	mutation, ok := self.mutations[tempId]
	if !ok {
		self.stateLock.Unlock()
		return false
	}
	if mutation.timeoutTimer != nil {
		mutation.timeoutTimer.Stop()
	}
	delete(self.mutations, tempId)
	self.failedTempIds[tempId] = time.Now()
	if 0 < self.settings.FailedRetention {
		time.AfterFunc(self.settings.FailedRetention, func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			delete(self.failedTempIds, tempId)
		})
	}
	self.stateLock.Unlock()

	glog.Infof("[pmt]fail %s in %s: %v\n", tempId, mutation.ListKey, failErr)
	mutation.rollback(self.store)

	for _, callback := range self.failureCallbacks.Get() {
		func() {
			defer handleCallbackPanic()
			callback(mutation, failErr)
		}()
	}
	return true
}

// only rejections and timeouts surface to the UI layer; the callback is
// the recoverable, user-facing failure signal.
func (self *PendingMutationTracker) AddFailureCallback(failureCallback MutationFailureFunction) func() {
	callbackId := self.failureCallbacks.Add(failureCallback)
	return func() {
		self.failureCallbacks.Remove(callbackId)
	}
}

func (self *PendingMutationTracker) WasRecentlyFailed(tempId EntityId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.failedTempIds[tempId]
	return ok
}

// correlation fallback for transports that do not echo the client tag.
// matches an unresolved insert in the list with the same author created
// within the window. when more than one mutation is eligible the match
// is ambiguous and no guess is made.
func (self *PendingMutationTracker) MatchUnresolved(listKey ListKey, authorId Id, createdAt time.Time, window time.Duration) (match *PendingMutation, ambiguous bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, mutation := range self.mutations {
		if mutation.ListKey != listKey {
			continue
		}
		if mutation.Kind != OperationKindInsert {
			continue
		}
		if mutation.authorId != authorId {
			continue
		}
		d := createdAt.Sub(mutation.createdAt)
		if d < -window || window < d {
			continue
		}
		if match != nil {
			return nil, true
		}
		match = mutation
	}
	return match, false
}

func (self *PendingMutationTracker) Unresolved() []*PendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Values(self.mutations)
}

func (self *PendingMutationTracker) UnresolvedForTarget(listKey ListKey, targetId EntityId) (*PendingMutation, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, mutation := range self.mutations {
		if mutation.ListKey == listKey && mutation.TargetId == targetId {
			return mutation, true
		}
	}
	return nil, false
}
