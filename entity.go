package converge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/maps"
)

type EntityStatus string

const (
	EntityStatusConfirmed EntityStatus = "confirmed"
	EntityStatusPending   EntityStatus = "pending"
	EntityStatusFailed    EntityStatus = "failed"
)

// domain-specific fields, opaque to the engine.
// field-level so that push updates can merge without clobbering
// local-only ephemeral fields.
type Payload map[string]json.RawMessage

func (self Payload) Clone() Payload {
	if self == nil {
		return nil
	}
	out := Payload{}
	maps.Copy(out, self)
	return out
}

// generic envelope used for messages, posts, replies, and notifications
type Entity struct {
	Id        EntityId     `json:"id"`
	ListKey   ListKey      `json:"listKey"`
	CreatedAt time.Time    `json:"createdAt"`
	AuthorId  Id           `json:"authorId,omitempty"`
	Payload   Payload      `json:"payload,omitempty"`
	Status    EntityStatus `json:"status"`
	// collapses logically-equivalent repeated events into one visible item.
	// empty for entities that do not dedupe (messages, posts).
	DedupeKey string `json:"dedupeKey,omitempty"`
}

func (self *Entity) Clone() *Entity {
	out := *self
	out.Payload = self.Payload.Clone()
	return &out
}

// total order within a list is `(createdAt, id)` ascending.
// the id tie-break keeps repeated renders stable under coarse server clocks.
func compareEntityOrder(a *Entity, b *Entity) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(string(a.Id), string(b.Id))
}

// derived key that collapses repeated notification events for the same
// actor, type, and subject into one visible notification
func NotificationDedupeKey(actorId Id, notificationType string, subjectId EntityId) string {
	return fmt.Sprintf("%s/%s/%s", actorId, notificationType, subjectId)
}

type PushEventKind string

const (
	PushEventKindInsert PushEventKind = "insert"
	PushEventKindUpdate PushEventKind = "update"
	PushEventKindDelete PushEventKind = "delete"
)

// one already-decoded change event from the push channel.
// delivery is at-least-once, possibly duplicated, possibly out of order.
type PushEvent struct {
	Kind    PushEventKind `json:"kind"`
	ListKey ListKey       `json:"listKey"`
	// insert events carry the full entity
	Entity *Entity `json:"entity,omitempty"`
	// update events carry the changed fields only
	Fields Payload `json:"fields,omitempty"`
	// update and delete events locate by id
	Id EntityId `json:"id,omitempty"`
	// echo of the submitting client's temp id, when the transport provides it.
	// this is the preferred correlation between a push event and the
	// pending mutation that caused it.
	ClientTag EntityId `json:"clientTag,omitempty"`
}

// validating boundary for raw push payloads.
// a malformed event is rejected here rather than propagating partial
// fields into the store.
func ParsePushEvent(eventBytes []byte) (*PushEvent, error) {
	event := &PushEvent{}
	if err := json.Unmarshal(eventBytes, event); err != nil {
		return nil, err
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

func (self *PushEvent) Validate() error {
	if self.ListKey == "" {
		return fmt.Errorf("push event missing list key")
	}
	switch self.Kind {
	case PushEventKindInsert:
		if self.Entity == nil {
			return fmt.Errorf("insert event missing entity")
		}
		if self.Entity.Id == "" {
			return fmt.Errorf("insert event entity missing id")
		}
		if self.Entity.CreatedAt.IsZero() {
			return fmt.Errorf("insert event entity missing created time")
		}
	case PushEventKindUpdate:
		if self.Id == "" {
			return fmt.Errorf("update event missing id")
		}
		if len(self.Fields) == 0 {
			return fmt.Errorf("update event missing fields")
		}
	case PushEventKindDelete:
		if self.Id == "" {
			return fmt.Errorf("delete event missing id")
		}
	default:
		return fmt.Errorf("unknown push event kind %q", self.Kind)
	}
	return nil
}

// persisted snapshots are versioned by a schema tag so that an
// incompatible stored snapshot is discarded rather than misapplied
const SnapshotSchemaVersion = 1

type Snapshot struct {
	SchemaVersion int       `json:"schemaVersion"`
	ListKey       ListKey   `json:"listKey"`
	Entities      []*Entity `json:"entities"`
}
