package converge

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestParsePushEvent(t *testing.T) {
	event, err := ParsePushEvent([]byte(`{
		"kind": "insert",
		"listKey": "chat-1",
		"entity": {
			"id": "s1",
			"listKey": "chat-1",
			"createdAt": "2025-01-01T00:00:00Z",
			"status": "confirmed"
		},
		"clientTag": "tmp-abc"
	}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, PushEventKindInsert, event.Kind)
	assert.Equal(t, ListKey("chat-1"), event.ListKey)
	assert.Equal(t, EntityId("s1"), event.Entity.Id)
	assert.Equal(t, EntityId("tmp-abc"), event.ClientTag)
}

func TestParsePushEventRejectsMalformed(t *testing.T) {
	malformed := [][]byte{
		[]byte(`not json`),
		// missing list key
		[]byte(`{"kind": "insert", "entity": {"id": "s1", "createdAt": "2025-01-01T00:00:00Z"}}`),
		// insert without entity
		[]byte(`{"kind": "insert", "listKey": "chat-1"}`),
		// entity without id
		[]byte(`{"kind": "insert", "listKey": "chat-1", "entity": {"createdAt": "2025-01-01T00:00:00Z"}}`),
		// entity without created time
		[]byte(`{"kind": "insert", "listKey": "chat-1", "entity": {"id": "s1"}}`),
		// update without fields
		[]byte(`{"kind": "update", "listKey": "chat-1", "id": "s1"}`),
		// update without id
		[]byte(`{"kind": "update", "listKey": "chat-1", "fields": {"content": "\"x\""}}`),
		// delete without id
		[]byte(`{"kind": "delete", "listKey": "chat-1"}`),
		// unknown kind
		[]byte(`{"kind": "upsert", "listKey": "chat-1", "id": "s1"}`),
	}
	for i, eventBytes := range malformed {
		if _, err := ParsePushEvent(eventBytes); err == nil {
			t.Fatalf("case %d: expected malformed event to be rejected", i)
		}
	}
}

func TestTempEntityId(t *testing.T) {
	tempId := NewTempEntityId()
	assert.Equal(t, true, tempId.IsTemp())
	assert.Equal(t, false, EntityId("s1").IsTemp())
	assert.Equal(t, true, tempId != NewTempEntityId())
}

func TestEntityOrderTieBreak(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := testEntity(ListKey("c"), "a", at)
	b := testEntity(ListKey("c"), "b", at)
	assert.Equal(t, true, compareEntityOrder(a, b) < 0)
	assert.Equal(t, true, 0 < compareEntityOrder(b, a))
	assert.Equal(t, 0, compareEntityOrder(a, a))
}

func TestNotificationDedupeKey(t *testing.T) {
	u1 := NewId()
	k1 := NotificationDedupeKey(u1, "like", EntityId("post7"))
	k2 := NotificationDedupeKey(u1, "like", EntityId("post7"))
	k3 := NotificationDedupeKey(u1, "comment", EntityId("post7"))
	assert.Equal(t, k1, k2)
	assert.Equal(t, true, k1 != k3)
}
