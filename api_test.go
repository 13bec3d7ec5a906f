package converge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// test server for the mutation endpoint. rejects an empty list key with
// a 422 so the rejection path can be exercised.
func newTestMutationServer(t *testing.T, requests *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		args := &SubmitArgs{}
		if err := json.NewDecoder(r.Body).Decode(args); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if args.ListKey == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte("missing list key"))
			return
		}
		json.NewEncoder(w).Encode(&SubmitResult{
			Entity: &Entity{
				Id:        EntityId("s1"),
				ListKey:   args.ListKey,
				CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
				Status:    EntityStatusConfirmed,
			},
		})
	}))
}

func TestMutationApiSubmit(t *testing.T) {
	var requests atomic.Int32
	server := newTestMutationServer(t, &requests)
	defer server.Close()

	api := NewMutationApi(server.URL)
	defer api.Close()
	api.SetByJwt(testSessionJwt(t, NewId(), NewId(), "main"))

	callback, c := NewBlockingApiCallback[*SubmitResult](context.Background())
	api.Submit(&SubmitArgs{
		ListKey:   ListKey("chat-1"),
		Kind:      OperationKindInsert,
		ClientTag: NewTempEntityId(),
	}, callback)

	select {
	case result := <-c:
		assert.Equal(t, nil, result.Error)
		assert.Equal(t, EntityId("s1"), result.Result.Entity.Id)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}

func TestMutationApiSubmitSync(t *testing.T) {
	var requests atomic.Int32
	server := newTestMutationServer(t, &requests)
	defer server.Close()

	api := NewMutationApi(server.URL)
	defer api.Close()

	result, err := api.SubmitSync(context.Background(), &SubmitArgs{
		ListKey:   ListKey("chat-1"),
		Kind:      OperationKindInsert,
		ClientTag: NewTempEntityId(),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, EntityId("s1"), result.Entity.Id)
	assert.Equal(t, ListKey("chat-1"), result.Entity.ListKey)
}

func TestMutationApiRejection(t *testing.T) {
	var requests atomic.Int32
	server := newTestMutationServer(t, &requests)
	defer server.Close()

	api := NewMutationApi(server.URL)
	defer api.Close()

	_, err := api.SubmitSync(context.Background(), &SubmitArgs{
		Kind:      OperationKindInsert,
		ClientTag: NewTempEntityId(),
	})
	var rejected *MutationRejectedError
	assert.Equal(t, true, errors.As(err, &rejected))
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
}

func TestMutationApiFireAndForget(t *testing.T) {
	var requests atomic.Int32
	server := newTestMutationServer(t, &requests)
	defer server.Close()

	api := NewMutationApi(server.URL)
	defer api.Close()

	api.Submit(&SubmitArgs{
		ListKey:   ListKey("chat-1"),
		Kind:      OperationKindInsert,
		ClientTag: NewTempEntityId(),
	}, NewNoopApiCallback[*SubmitResult]())

	done := time.After(5 * time.Second)
	for requests.Load() == 0 {
		select {
		case <-done:
			t.FailNow()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
