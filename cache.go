package converge

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

// local persistence boundary. implementations must be fast enough not
// to block first paint noticeably.
type BlobStore interface {
	// returns (nil, nil) when the key is absent
	ReadBlob(key string) ([]byte, error)
	WriteBlob(key string, value []byte) error
	DeleteBlob(key string) error
	Close() error
}

type CachePersistenceSettings struct {
	// coalesces saves to avoid write amplification on high-frequency
	// lists
	SaveDelay time.Duration
	// bounds growth of tracked lists across a session
	MaxLists  int
	KeyPrefix string
}

func DefaultCachePersistenceSettings() *CachePersistenceSettings {
	return &CachePersistenceSettings{
		SaveDelay: 2 * time.Second,
		MaxLists:  64,
		KeyPrefix: "list/",
	}
}

// hydrates the entity store from a last-known local snapshot on cold
// start and debounced-persists it back, so the UI is non-empty before
// the network responds. presence and typing state is never persisted
// here; only the entity store's confirmed snapshot is.
type CachePersistence struct {
	store    *EntityStore
	blobs    BlobStore
	settings *CachePersistenceSettings

	stateLock sync.Mutex

	// list key -> pending debounce timer
	saveTimers map[ListKey]*time.Timer
	// least recently saved first
	savedLists []ListKey
	closed     bool
}

func NewCachePersistenceWithDefaults(store *EntityStore, blobs BlobStore) *CachePersistence {
	return NewCachePersistence(store, blobs, DefaultCachePersistenceSettings())
}

func NewCachePersistence(store *EntityStore, blobs BlobStore, settings *CachePersistenceSettings) *CachePersistence {
	return &CachePersistence{
		store:      store,
		blobs:      blobs,
		settings:   settings,
		saveTimers: map[ListKey]*time.Timer{},
		savedLists: []ListKey{},
	}
}

// restores the last-known snapshot into the store.
// the result is provisional and fully superseded once the first
// authoritative fetch completes. an unreadable or incompatible snapshot
// is deleted and ignored.
func (self *CachePersistence) Load(listKey ListKey) bool {
	value, err := self.blobs.ReadBlob(self.key(listKey))
	if err != nil {
		glog.Infof("[cache]read %s: %v\n", listKey, err)
		return false
	}
	if value == nil {
		return false
	}
	snapshot := &Snapshot{}
	if err := json.Unmarshal(value, snapshot); err != nil {
		glog.Infof("[cache]discard unreadable snapshot for %s: %v\n", listKey, err)
		self.blobs.DeleteBlob(self.key(listKey))
		return false
	}
	if err := self.store.Restore(listKey, snapshot); err != nil {
		glog.Infof("[cache]discard snapshot for %s: %v\n", listKey, err)
		self.blobs.DeleteBlob(self.key(listKey))
		return false
	}
	self.touch(listKey)
	return true
}

// schedules a debounced save. writes within the save delay coalesce
// into one.
func (self *CachePersistence) Save(listKey ListKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	if _, ok := self.saveTimers[listKey]; ok {
		// a flush is already scheduled
		return
	}
	self.saveTimers[listKey] = time.AfterFunc(self.settings.SaveDelay, func() {
		self.Flush(listKey)
	})
}

// immediate save, bypassing the debounce
func (self *CachePersistence) Flush(listKey ListKey) {
	self.stateLock.Lock()
	if timer, ok := self.saveTimers[listKey]; ok {
		timer.Stop()
		delete(self.saveTimers, listKey)
	}
	self.stateLock.Unlock()

	snapshot := self.store.Snapshot(listKey)
	value, err := json.Marshal(snapshot)
	if err != nil {
		glog.Infof("[cache]marshal %s: %v\n", listKey, err)
		return
	}
	if err := self.blobs.WriteBlob(self.key(listKey), value); err != nil {
		glog.Infof("[cache]write %s: %v\n", listKey, err)
		return
	}
	self.touch(listKey)
	self.EvictOldest(self.settings.MaxLists)
}

// deletes the least recently saved snapshots beyond `maxLists`
func (self *CachePersistence) EvictOldest(maxLists int) {
	evicted := []ListKey{}
	self.stateLock.Lock()
	for maxLists < len(self.savedLists) {
		listKey := self.savedLists[0]
		self.savedLists = self.savedLists[1:]
		evicted = append(evicted, listKey)
	}
	self.stateLock.Unlock()

	for _, listKey := range evicted {
		if err := self.blobs.DeleteBlob(self.key(listKey)); err != nil {
			glog.Infof("[cache]evict %s: %v\n", listKey, err)
		}
	}
}

// flushes all pending saves and stops the debounce timers
func (self *CachePersistence) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	pending := []ListKey{}
	for listKey, timer := range self.saveTimers {
		timer.Stop()
		pending = append(pending, listKey)
	}
	clear(self.saveTimers)
	self.stateLock.Unlock()

	for _, listKey := range pending {
		self.Flush(listKey)
	}
}

func (self *CachePersistence) key(listKey ListKey) string {
	return self.settings.KeyPrefix + string(listKey)
}

func (self *CachePersistence) touch(listKey ListKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if i := slices.Index(self.savedLists, listKey); 0 <= i {
		self.savedLists = slices.Delete(self.savedLists, i, i+1)
	}
	self.savedLists = append(self.savedLists, listKey)
}

// in-memory blob store for tests and clients without local disk
type MemoryBlobStore struct {
	mutex sync.Mutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs: map[string][]byte{},
	}
}

func (self *MemoryBlobStore) ReadBlob(key string) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	value, ok := self.blobs[key]
	if !ok {
		return nil, nil
	}
	return slices.Clone(value), nil
}

func (self *MemoryBlobStore) WriteBlob(key string, value []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.blobs[key] = slices.Clone(value)
	return nil
}

func (self *MemoryBlobStore) DeleteBlob(key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.blobs, key)
	return nil
}

func (self *MemoryBlobStore) Close() error {
	return nil
}
