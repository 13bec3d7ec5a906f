package converge

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestTracker() (*EntityStore, *PendingMutationTracker) {
	store := NewEntityStore()
	tracker := NewPendingMutationTracker(store, &PendingMutationTrackerSettings{
		// timers disabled; timeout behavior is tested explicitly
		ResolveTimeout:  0,
		FailedRetention: 60 * time.Second,
	})
	return store, tracker
}

func speculativeInsert(listKey ListKey, authorId Id, createdAt time.Time) *Entity {
	return &Entity{
		Id:        NewTempEntityId(),
		ListKey:   listKey,
		CreatedAt: createdAt,
		AuthorId:  authorId,
	}
}

func TestBeginInsertRendersPending(t *testing.T) {
	listKey := ListKey("chat-c")
	store, tracker := newTestTracker()

	mutation, err := tracker.Begin(listKey, OperationKindInsert, speculativeInsert(listKey, NewId(), time.Now()))
	assert.Equal(t, nil, err)

	ordered := store.Get(listKey)
	assert.Equal(t, 1, len(ordered))
	assert.Equal(t, mutation.TempId, ordered[0].Id)
	assert.Equal(t, EntityStatusPending, ordered[0].Status)
}

func TestBeginInsertRequiresTempId(t *testing.T) {
	listKey := ListKey("chat-c")
	_, tracker := newTestTracker()

	_, err := tracker.Begin(listKey, OperationKindInsert, testEntity(listKey, "s1", time.Now()))
	if err == nil {
		t.Fatal("expected permanent id to be rejected for speculative insert")
	}
}

func TestResolveSwapsSpeculativeForFinal(t *testing.T) {
	// scenario: client inserts message with temp id t1; server responds
	// with id s1 before any push event arrives. the store contains
	// exactly {s1}, not {t1} or both.

	listKey := ListKey("chat-c")
	store, tracker := newTestTracker()
	authorId := NewId()

	mutation, err := tracker.Begin(listKey, OperationKindInsert, speculativeInsert(listKey, authorId, time.Now()))
	assert.Equal(t, nil, err)

	final := testEntity(listKey, "s1", time.Now())
	final.AuthorId = authorId
	assert.Equal(t, true, tracker.Resolve(mutation.TempId, final, ResolvedByResponse))

	ordered := store.Get(listKey)
	assert.Equal(t, 1, len(ordered))
	assert.Equal(t, EntityId("s1"), ordered[0].Id)
	assert.Equal(t, EntityStatusConfirmed, ordered[0].Status)
}

func TestResolveSwapIsSingleCommit(t *testing.T) {
	// the speculative-to-confirmed swap is one commit: no observer
	// callback may ever see the message absent between the temp removal
	// and the confirmed insert

	listKey := ListKey("chat-c")
	store, tracker := newTestTracker()
	authorId := NewId()

	mutation, err := tracker.Begin(listKey, OperationKindInsert, speculativeInsert(listKey, authorId, time.Now()))
	assert.Equal(t, nil, err)

	var observed [][]*Entity
	unsub := store.Observe(listKey, func(entities []*Entity) {
		observed = append(observed, entities)
	})
	defer unsub()

	final := testEntity(listKey, "s1", time.Now())
	final.AuthorId = authorId
	assert.Equal(t, true, tracker.Resolve(mutation.TempId, final, ResolvedByResponse))

	for i, entities := range observed {
		if len(entities) == 0 {
			t.Fatalf("observer callback %d saw the message absent", i)
		}
	}
	last := observed[len(observed)-1]
	assert.Equal(t, 1, len(last))
	assert.Equal(t, EntityId("s1"), last[0].Id)
	assert.Equal(t, EntityStatusConfirmed, last[0].Status)
}

func TestTimeoutCannotOutrunSpeculativeWrite(t *testing.T) {
	// even an immediate timeout rolls back the speculative insert
	// instead of racing ahead of it and leaving an orphaned pending
	// entity in the store

	listKey := ListKey("chat-c")
	store := NewEntityStore()
	tracker := NewPendingMutationTracker(store, &PendingMutationTrackerSettings{
		ResolveTimeout:  time.Nanosecond,
		FailedRetention: 60 * time.Second,
	})

	failures := make(chan error, 1)
	tracker.AddFailureCallback(func(mutation *PendingMutation, err error) {
		failures <- err
	})

	tracker.Begin(listKey, OperationKindInsert, speculativeInsert(listKey, NewId(), time.Now()))

	select {
	case err := <-failures:
		assert.Equal(t, ErrMutationTimeout, err)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
	assert.Equal(t, 0, len(store.Get(listKey)))
}

func TestResolveTwiceIsNoop(t *testing.T) {
	listKey := ListKey("chat-c")
	store, tracker := newTestTracker()

	mutation, _ := tracker.Begin(listKey, OperationKindInsert, speculativeInsert(listKey, NewId(), time.Now()))

	final := testEntity(listKey, "s1", time.Now())
	assert.Equal(t, true, tracker.Resolve(mutation.TempId, final, ResolvedByPush))
	// the second arrival (the direct response) is a guaranteed no-op
	assert.Equal(t, false, tracker.Resolve(mutation.TempId, final, ResolvedByResponse))
	assert.Equal(t, ResolvedByPush, mutation.ResolvedBy())

	assert.Equal(t, 1, len(store.Get(listKey)))
}

func TestFailRollsBackToPreInsertState(t *testing.T) {
	// scenario: insert fails with a rejection. the store returns to its
	// pre-insert snapshot exactly.

	listKey := ListKey("chat-c")
	store, tracker := newTestTracker()

	store.Upsert(listKey, testEntity(listKey, "s0", time.Now()))
	before := store.Get(listKey)

	var failed []*PendingMutation
	tracker.AddFailureCallback(func(mutation *PendingMutation, err error) {
		failed = append(failed, mutation)
	})

	mutation, _ := tracker.Begin(listKey, OperationKindInsert, speculativeInsert(listKey, NewId(), time.Now()))
	assert.Equal(t, 2, len(store.Get(listKey)))

	assert.Equal(t, true, tracker.Fail(mutation.TempId, errors.New("rejected")))
	assert.Equal(t, before, store.Get(listKey))
	assert.Equal(t, 1, len(failed))
	assert.Equal(t, mutation.TempId, failed[0].TempId)
	assert.Equal(t, true, tracker.WasRecentlyFailed(mutation.TempId))

	// resolve after fail is a no-op
	assert.Equal(t, false, tracker.Resolve(mutation.TempId, testEntity(listKey, "s1", time.Now()), ResolvedByPush))
}

func TestUpdateRollbackRestoresPrior(t *testing.T) {
	listKey := ListKey("chat-c")
	store, tracker := newTestTracker()

	createdAt := time.Now()
	prior := testEntity(listKey, "s1", createdAt)
	prior.Payload = Payload{"content": []byte(`"original"`)}
	store.Upsert(listKey, prior)
	before := store.Get(listKey)

	speculative := prior.Clone()
	speculative.Payload["content"] = []byte(`"edited"`)
	mutation, err := tracker.Begin(listKey, OperationKindUpdate, speculative)
	assert.Equal(t, nil, err)

	entity, _ := store.GetById(listKey, "s1")
	assert.Equal(t, Payload{"content": []byte(`"edited"`)}, entity.Payload)
	assert.Equal(t, EntityStatusPending, entity.Status)

	tracker.Fail(mutation.TempId, errors.New("rejected"))
	assert.Equal(t, before, store.Get(listKey))
}

func TestDeleteRollbackRestoresEntity(t *testing.T) {
	listKey := ListKey("chat-c")
	store, tracker := newTestTracker()

	target := testEntity(listKey, "s1", time.Now())
	store.Upsert(listKey, target)
	before := store.Get(listKey)

	mutation, err := tracker.Begin(listKey, OperationKindDelete, &Entity{Id: "s1", ListKey: listKey})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(store.Get(listKey)))

	tracker.Fail(mutation.TempId, errors.New("rejected"))
	assert.Equal(t, before, store.Get(listKey))
}

func TestResolveTimeout(t *testing.T) {
	listKey := ListKey("chat-c")
	store := NewEntityStore()
	tracker := NewPendingMutationTracker(store, &PendingMutationTrackerSettings{
		ResolveTimeout:  50 * time.Millisecond,
		FailedRetention: 60 * time.Second,
	})

	failures := make(chan error, 1)
	tracker.AddFailureCallback(func(mutation *PendingMutation, err error) {
		failures <- err
	})

	mutation, _ := tracker.Begin(listKey, OperationKindInsert, speculativeInsert(listKey, NewId(), time.Now()))

	select {
	case err := <-failures:
		assert.Equal(t, ErrMutationTimeout, err)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
	assert.Equal(t, 0, len(store.Get(listKey)))
	assert.Equal(t, true, tracker.WasRecentlyFailed(mutation.TempId))
}

func TestMatchUnresolved(t *testing.T) {
	listKey := ListKey("chat-c")
	_, tracker := newTestTracker()
	authorId := NewId()
	window := 5 * time.Second

	now := time.Now()
	mutation, _ := tracker.Begin(listKey, OperationKindInsert, speculativeInsert(listKey, authorId, now))

	match, ambiguous := tracker.MatchUnresolved(listKey, authorId, now.Add(time.Second), window)
	assert.Equal(t, false, ambiguous)
	assert.Equal(t, mutation.TempId, match.TempId)

	// other author does not match
	match, ambiguous = tracker.MatchUnresolved(listKey, NewId(), now, window)
	assert.Equal(t, false, ambiguous)
	assert.Equal(t, true, match == nil)

	// outside the window does not match
	match, ambiguous = tracker.MatchUnresolved(listKey, authorId, now.Add(time.Minute), window)
	assert.Equal(t, false, ambiguous)
	assert.Equal(t, true, match == nil)

	// two eligible mutations: ambiguous, no guess
	tracker.Begin(listKey, OperationKindInsert, speculativeInsert(listKey, authorId, now))
	match, ambiguous = tracker.MatchUnresolved(listKey, authorId, now, window)
	assert.Equal(t, true, ambiguous)
	assert.Equal(t, true, match == nil)
}
