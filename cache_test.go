package converge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestCache(saveDelay time.Duration, maxLists int) (*EntityStore, *MemoryBlobStore, *CachePersistence) {
	store := NewEntityStore()
	blobs := NewMemoryBlobStore()
	cache := NewCachePersistence(store, blobs, &CachePersistenceSettings{
		SaveDelay: saveDelay,
		MaxLists:  maxLists,
		KeyPrefix: "list/",
	})
	return store, blobs, cache
}

func TestCacheLoadEmpty(t *testing.T) {
	_, _, cache := newTestCache(time.Second, 64)
	assert.Equal(t, false, cache.Load(ListKey("chat-1")))
}

func TestCacheSaveAndLoadRoundTrip(t *testing.T) {
	listKey := ListKey("chat-1")
	epoch := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	store, blobs, cache := newTestCache(time.Second, 64)
	store.Upsert(listKey, testEntity(listKey, "s1", epoch))
	store.Upsert(listKey, testEntity(listKey, "s2", epoch.Add(time.Second)))
	cache.Flush(listKey)

	// cold start against the same blobs
	store2 := NewEntityStore()
	cache2 := NewCachePersistenceWithDefaults(store2, blobs)
	assert.Equal(t, true, cache2.Load(listKey))

	ordered := store2.Get(listKey)
	assert.Equal(t, 2, len(ordered))
	assert.Equal(t, EntityId("s1"), ordered[0].Id)
	assert.Equal(t, EntityId("s2"), ordered[1].Id)
}

func TestCacheSaveDebounce(t *testing.T) {
	// writes within the save delay coalesce into one flush

	listKey := ListKey("chat-1")
	epoch := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	store, blobs, cache := newTestCache(30*time.Millisecond, 64)
	for i := 0; i < 10; i += 1 {
		store.Upsert(listKey, testEntity(listKey, "s1", epoch))
		cache.Save(listKey)
	}

	// not yet flushed
	value, err := blobs.ReadBlob("list/chat-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, value == nil)

	done := time.After(5 * time.Second)
	for {
		value, _ = blobs.ReadBlob("list/chat-1")
		if value != nil {
			break
		}
		select {
		case <-done:
			t.FailNow()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCacheDiscardsIncompatibleSnapshot(t *testing.T) {
	listKey := ListKey("chat-1")
	_, blobs, cache := newTestCache(time.Second, 64)

	value, err := json.Marshal(&Snapshot{
		SchemaVersion: SnapshotSchemaVersion + 1,
		ListKey:       listKey,
		Entities:      []*Entity{testEntity(listKey, "s1", time.Now())},
	})
	assert.Equal(t, nil, err)
	blobs.WriteBlob("list/chat-1", value)

	assert.Equal(t, false, cache.Load(listKey))
	// the incompatible blob is deleted, not kept around
	deleted, _ := blobs.ReadBlob("list/chat-1")
	assert.Equal(t, true, deleted == nil)
}

func TestCacheDiscardsUnreadableSnapshot(t *testing.T) {
	listKey := ListKey("chat-1")
	_, blobs, cache := newTestCache(time.Second, 64)

	blobs.WriteBlob("list/chat-1", []byte("not json"))
	assert.Equal(t, false, cache.Load(listKey))
	deleted, _ := blobs.ReadBlob("list/chat-1")
	assert.Equal(t, true, deleted == nil)
}

func TestCacheEvictOldest(t *testing.T) {
	epoch := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store, blobs, cache := newTestCache(time.Second, 2)

	for _, name := range []string{"a", "b", "c"} {
		listKey := ListKey(name)
		store.Upsert(listKey, testEntity(listKey, "s1", epoch))
		cache.Flush(listKey)
	}

	// "a" was saved least recently
	a, _ := blobs.ReadBlob("list/a")
	assert.Equal(t, true, a == nil)
	b, _ := blobs.ReadBlob("list/b")
	assert.Equal(t, true, b != nil)
	c, _ := blobs.ReadBlob("list/c")
	assert.Equal(t, true, c != nil)
}

func TestCacheCloseFlushesPending(t *testing.T) {
	listKey := ListKey("chat-1")
	epoch := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	store, blobs, cache := newTestCache(time.Hour, 64)
	store.Upsert(listKey, testEntity(listKey, "s1", epoch))
	cache.Save(listKey)

	value, _ := blobs.ReadBlob("list/chat-1")
	assert.Equal(t, true, value == nil)

	cache.Close()
	value, _ = blobs.ReadBlob("list/chat-1")
	assert.Equal(t, true, value != nil)

	// saves after close are ignored
	cache.Save(listKey)
}
