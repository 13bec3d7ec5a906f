package converge

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// called with the full ordered contents of a list after every committed
// change. never called with a partially-applied state.
type ObserveFunction func(entities []*Entity)

// per-list ordered collection of entities keyed by id.
// the single mutable source of UI truth. all mutation paths funnel
// through `Upsert`/`Remove`; the store is exclusively owned by the
// reconcile engine and the pending mutation tracker.
type EntityStore struct {
	stateLock sync.Mutex

	// list key -> entities ordered by (createdAt, id) ascending
	lists map[ListKey]*entityList

	observers map[ListKey]*CallbackList[ObserveFunction]
	notifiers map[ListKey]*listNotifier
}

// serializes observer delivery for one list, so two concurrent commits
// cannot notify in the opposite order of their commits
type listNotifier struct {
	// guarded by the store's stateLock
	commitVersion int

	deliverLock sync.Mutex
	// guarded by deliverLock
	deliveredVersion int
}

type entityList struct {
	ordered []*Entity
	byId    map[EntityId]*Entity
}

func newEntityList() *entityList {
	return &entityList{
		ordered: []*Entity{},
		byId:    map[EntityId]*Entity{},
	}
}

func NewEntityStore() *EntityStore {
	return &EntityStore{
		lists:     map[ListKey]*entityList{},
		observers: map[ListKey]*CallbackList[ObserveFunction]{},
		notifiers: map[ListKey]*listNotifier{},
	}
}

// idempotent. upserting an entity with an id already present replaces it
// in place, re-sorting only when the created time changed.
// the common real-time write is newer than all existing entries, so the
// ordered insert is an append at tail after one binary search.
func (self *EntityStore) Upsert(listKey ListKey, entity *Entity) {
	self.stateLock.Lock()
	list, ok := self.lists[listKey]
	if !ok {
		list = newEntityList()
		self.lists[listKey] = list
	}
	if existing, ok := list.byId[entity.Id]; ok {
		if existing.CreatedAt.Equal(entity.CreatedAt) {
			// replace in place, position unchanged
			i, found := slices.BinarySearchFunc(list.ordered, existing, compareEntityOrder)
			if !found {
				panic(fmt.Errorf("order index out of sync for %s", existing.Id))
			}
			list.ordered[i] = entity
			list.byId[entity.Id] = entity
			self.commit(listKey)
			return
		}
		list.remove(existing)
	}
	list.insert(entity)
	self.commit(listKey)
}

// removes `removeId` and upserts `entity` as one commit.
// observers see the swap as a single change and never a state with
// neither entity present.
func (self *EntityStore) Replace(listKey ListKey, removeId EntityId, entity *Entity) {
	self.stateLock.Lock()
	list, ok := self.lists[listKey]
	if !ok {
		list = newEntityList()
		self.lists[listKey] = list
	}
	if removeId != entity.Id {
		if existing, ok := list.byId[removeId]; ok {
			list.remove(existing)
		}
	}
	if existing, ok := list.byId[entity.Id]; ok {
		list.remove(existing)
	}
	list.insert(entity)
	self.commit(listKey)
}

// no-op if the id is absent. call sites cannot assume synchronous
// delivery order.
func (self *EntityStore) Remove(listKey ListKey, entityId EntityId) {
	self.stateLock.Lock()
	list, ok := self.lists[listKey]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	existing, ok := list.byId[entityId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	list.remove(existing)
	self.commit(listKey)
}

func (self *EntityStore) Get(listKey ListKey) []*Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	list, ok := self.lists[listKey]
	if !ok {
		return []*Entity{}
	}
	return slices.Clone(list.ordered)
}

func (self *EntityStore) GetById(listKey ListKey, entityId EntityId) (*Entity, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	list, ok := self.lists[listKey]
	if !ok {
		return nil, false
	}
	entity, ok := list.byId[entityId]
	return entity, ok
}

func (self *EntityStore) ListKeys() []ListKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.lists)
}

// serializable state of one list.
// speculative and failed entities are never persisted; a reload that
// still had unresolved pending mutations treats them as discarded.
func (self *EntityStore) Snapshot(listKey ListKey) *Snapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshot := &Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		ListKey:       listKey,
		Entities:      []*Entity{},
	}
	if list, ok := self.lists[listKey]; ok {
		for _, entity := range list.ordered {
			if entity.Status == EntityStatusConfirmed {
				snapshot.Entities = append(snapshot.Entities, entity.Clone())
			}
		}
	}
	return snapshot
}

// replaces the list contents with the snapshot.
// an incompatible schema version is rejected so that a stale stored
// snapshot is discarded rather than misapplied.
func (self *EntityStore) Restore(listKey ListKey, snapshot *Snapshot) error {
	if snapshot.SchemaVersion != SnapshotSchemaVersion {
		return fmt.Errorf("incompatible snapshot schema version %d", snapshot.SchemaVersion)
	}

	self.stateLock.Lock()
	list := newEntityList()
	self.lists[listKey] = list
	for _, entity := range snapshot.Entities {
		if _, ok := list.byId[entity.Id]; ok {
			continue
		}
		list.insert(entity.Clone())
	}
	self.commit(listKey)
	return nil
}

// drops a list and its contents. observers stay registered.
func (self *EntityStore) RemoveList(listKey ListKey) {
	self.stateLock.Lock()
	if _, ok := self.lists[listKey]; !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.lists, listKey)
	self.commit(listKey)
}

// the callback fires immediately with the current contents and then on
// every committed change. returns an unsubscribe function.
// the callback must not mutate the store synchronously; delivery for
// the list is held open while it runs.
func (self *EntityStore) Observe(listKey ListKey, callback ObserveFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.observers[listKey]
	if !ok {
		callbacks = NewCallbackList[ObserveFunction]()
		self.observers[listKey] = callbacks
	}
	callbackId := callbacks.Add(callback)
	notifier, ok := self.notifiers[listKey]
	if !ok {
		notifier = &listNotifier{}
		self.notifiers[listKey] = notifier
	}
	self.stateLock.Unlock()

	// the initial delivery takes the same per-list delivery order as
	// commits, so it cannot land after a newer commit's delivery
	notifier.deliverLock.Lock()
	self.stateLock.Lock()
	var ordered []*Entity
	if list, ok := self.lists[listKey]; ok {
		ordered = slices.Clone(list.ordered)
	} else {
		ordered = []*Entity{}
	}
	self.stateLock.Unlock()
	func() {
		defer handleCallbackPanic()
		callback(ordered)
	}()
	notifier.deliverLock.Unlock()

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		callbacks.Remove(callbackId)
	}
}

// must be called with the state lock held. assigns the commit a
// version, releases the lock, then delivers to observers outside it.
func (self *EntityStore) commit(listKey ListKey) {
	notifier, ok := self.notifiers[listKey]
	if !ok {
		notifier = &listNotifier{}
		self.notifiers[listKey] = notifier
	}
	notifier.commitVersion += 1
	self.stateLock.Unlock()

	self.deliver(listKey, notifier)
}

// notifies observers with an immutable copy of the committed order.
// deliveries for one list are serialized and versioned: a delivery
// overtaken by a newer commit is dropped, so observers never see the
// list regress to an older state.
func (self *EntityStore) deliver(listKey ListKey, notifier *listNotifier) {
	notifier.deliverLock.Lock()
	defer notifier.deliverLock.Unlock()

	self.stateLock.Lock()
	version := notifier.commitVersion
	var ordered []*Entity
	if list, ok := self.lists[listKey]; ok {
		ordered = slices.Clone(list.ordered)
	} else {
		ordered = []*Entity{}
	}
	callbacks, ok := self.observers[listKey]
	self.stateLock.Unlock()

	if version <= notifier.deliveredVersion {
		// a concurrent commit already delivered this state
		return
	}
	notifier.deliveredVersion = version

	if !ok {
		return
	}
	for _, callback := range callbacks.Get() {
		func() {
			defer handleCallbackPanic()
			callback(ordered)
		}()
	}
}

func (self *entityList) insert(entity *Entity) {
	i, _ := slices.BinarySearchFunc(self.ordered, entity, compareEntityOrder)
	self.ordered = slices.Insert(self.ordered, i, entity)
	self.byId[entity.Id] = entity
}

func (self *entityList) remove(entity *Entity) {
	i, found := slices.BinarySearchFunc(self.ordered, entity, compareEntityOrder)
	if !found {
		panic(fmt.Errorf("order index out of sync for %s", entity.Id))
	}
	self.ordered = slices.Delete(self.ordered, i, i+1)
	delete(self.byId, entity.Id)
}
