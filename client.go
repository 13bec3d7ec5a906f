package converge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ClientSettings struct {
	TrackerSettings  *PendingMutationTrackerSettings
	EngineSettings   *ReconcileEngineSettings
	PresenceSettings *PresenceTrackerSettings
	TypingSettings   *PresenceTrackerSettings
	CacheSettings    *CachePersistenceSettings
	// authoritative fetch for a list, used for initial hydration and
	// the backlog re-fetch after a transport reconnect. nil disables
	// fetching.
	FetchBacklog FetchBacklogFunction
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		TrackerSettings:  DefaultPendingMutationTrackerSettings(),
		EngineSettings:   DefaultReconcileEngineSettings(),
		PresenceSettings: DefaultPresenceTrackerSettings(),
		TypingSettings:   DefaultTypingTrackerSettings(),
		CacheSettings:    DefaultCachePersistenceSettings(),
	}
}

// one client view over the shared collections.
// owns the entity store and funnels every mutation path through the
// pending mutation tracker and the reconcile engine.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	actorId Id

	settings *ClientSettings

	store    *EntityStore
	tracker  *PendingMutationTracker
	engine   *ReconcileEngine
	presence *PresenceTracker
	typing   *PresenceTracker
	receipts *ReadReceiptAggregator
	cache    *CachePersistence

	// nil when the client runs without a network (tests, previews)
	api       *MutationApi
	transport *PushTransport

	stateLock sync.Mutex
	// list key -> active room subscription
	rooms             map[ListKey]*RoomSubscription
	removeConnectHook func()
}

func NewClientWithDefaults(ctx context.Context, actorId Id, api *MutationApi, transport *PushTransport, blobs BlobStore) *Client {
	return NewClient(ctx, actorId, api, transport, blobs, DefaultClientSettings())
}

// derives the local actor id from the session token carried by the
// client auth. speculative authorship and receipt semantics use this id.
func NewClientFromAuth(ctx context.Context, auth *ClientAuth, api *MutationApi, transport *PushTransport, blobs BlobStore, settings *ClientSettings) (*Client, error) {
	actorId, err := auth.UserId()
	if err != nil {
		return nil, err
	}
	return NewClient(ctx, actorId, api, transport, blobs, settings), nil
}

func NewClient(ctx context.Context, actorId Id, api *MutationApi, transport *PushTransport, blobs BlobStore, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	store := NewEntityStore()
	tracker := NewPendingMutationTracker(store, settings.TrackerSettings)
	engine := NewReconcileEngine(store, tracker, settings.EngineSettings)

	client := &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		actorId:  actorId,
		settings: settings,
		store:    store,
		tracker:  tracker,
		engine:   engine,
		presence: NewPresenceTracker(settings.PresenceSettings),
		typing:   NewPresenceTracker(settings.TypingSettings),
		receipts: NewReadReceiptAggregator(),
		cache:    NewCachePersistence(store, blobs, settings.CacheSettings),
		api:      api,
		transport: transport,
		rooms:    map[ListKey]*RoomSubscription{},
	}

	if transport != nil {
		client.removeConnectHook = transport.AddConnectCallback(func(reconnect bool) {
			if reconnect {
				client.refetchAll()
			}
		})
	}

	return client
}

func (self *Client) ActorId() Id {
	return self.actorId
}

func (self *Client) Store() *EntityStore {
	return self.store
}

func (self *Client) Engine() *ReconcileEngine {
	return self.engine
}

func (self *Client) Receipts() *ReadReceiptAggregator {
	return self.receipts
}

// one active room view: push handler attached, cache hydrated, presence
// timers scoped to the room
type RoomSubscription struct {
	client  *Client
	listKey ListKey

	pushUnsub  func()
	storeUnsub func()

	closed bool
}

// hydrates the list from the local snapshot for a non-empty first
// paint, attaches the push handler, and starts the authoritative
// backlog fetch that supersedes the provisional state.
func (self *Client) SubscribeRoom(listKey ListKey) *RoomSubscription {
	self.stateLock.Lock()
	if room, ok := self.rooms[listKey]; ok {
		self.stateLock.Unlock()
		return room
	}
	room := &RoomSubscription{
		client:  self,
		listKey: listKey,
	}
	self.rooms[listKey] = room
	self.stateLock.Unlock()

	self.cache.Load(listKey)

	if self.transport != nil {
		room.pushUnsub = self.transport.Subscribe(string(listKey), nil, func(event *PushEvent) {
			self.engine.ApplyPushEvent(event)
		})
	}
	// persist committed changes back, debounced
	room.storeUnsub = self.store.Observe(listKey, func(entities []*Entity) {
		self.cache.Save(listKey)
	})

	if self.settings.FetchBacklog != nil {
		go self.refetch(listKey)
	}

	return room
}

// detaches push delivery for the room and cancels its presence and
// typing timers. in-flight pending mutations are left untouched: they
// still resolve or fail against the store, so returning to the room
// shows consistent state.
func (self *RoomSubscription) Close() {
	client := self.client

	client.stateLock.Lock()
	if self.closed {
		client.stateLock.Unlock()
		return
	}
	self.closed = true
	delete(client.rooms, self.listKey)
	client.stateLock.Unlock()

	if self.pushUnsub != nil {
		self.pushUnsub()
	}
	if self.storeUnsub != nil {
		self.storeUnsub()
	}
	client.presence.CancelRoom(RoomKey(self.listKey))
	client.typing.CancelRoom(RoomKey(self.listKey))
	client.cache.Flush(self.listKey)
}

// speculative insert: renders instantly as pending, then reconciles
// with the server's response and/or the push echo.
// returns the temp id, which is also the correlation tag submitted to
// the server.
func (self *Client) SubmitInsert(listKey ListKey, payload Payload) (EntityId, error) {
	speculative := &Entity{
		Id:        NewTempEntityId(),
		ListKey:   listKey,
		CreatedAt: time.Now(),
		AuthorId:  self.actorId,
		Payload:   payload,
	}
	mutation, err := self.tracker.Begin(listKey, OperationKindInsert, speculative)
	if err != nil {
		return "", err
	}
	self.submit(mutation, &SubmitArgs{
		ListKey:   listKey,
		Kind:      OperationKindInsert,
		ClientTag: mutation.TempId,
		Payload:   payload,
	})
	return mutation.TempId, nil
}

func (self *Client) SubmitUpdate(listKey ListKey, targetId EntityId, fields Payload) (EntityId, error) {
	existing, ok := self.store.GetById(listKey, targetId)
	if !ok {
		return "", fmt.Errorf("update target %s not present in %s", targetId, listKey)
	}
	speculative := existing.Clone()
	if speculative.Payload == nil {
		speculative.Payload = Payload{}
	}
	for field, value := range fields {
		speculative.Payload[field] = value
	}
	mutation, err := self.tracker.Begin(listKey, OperationKindUpdate, speculative)
	if err != nil {
		return "", err
	}
	self.submit(mutation, &SubmitArgs{
		ListKey:   listKey,
		Kind:      OperationKindUpdate,
		ClientTag: mutation.TempId,
		TargetId:  targetId,
		Payload:   fields,
	})
	return mutation.TempId, nil
}

func (self *Client) SubmitDelete(listKey ListKey, targetId EntityId) (EntityId, error) {
	speculative := &Entity{
		Id:      targetId,
		ListKey: listKey,
	}
	mutation, err := self.tracker.Begin(listKey, OperationKindDelete, speculative)
	if err != nil {
		return "", err
	}
	self.submit(mutation, &SubmitArgs{
		ListKey:   listKey,
		Kind:      OperationKindDelete,
		ClientTag: mutation.TempId,
		TargetId:  targetId,
	})
	return mutation.TempId, nil
}

func (self *Client) submit(mutation *PendingMutation, args *SubmitArgs) {
	if self.api == nil {
		return
	}
	tempId := mutation.TempId
	self.api.Submit(args, NewApiCallback[*SubmitResult](func(result *SubmitResult, err error) {
		if err != nil {
			self.engine.ApplyMutationResult(tempId, nil, err)
			return
		}
		self.engine.ApplyMutationResult(tempId, result.Entity, nil)
	}))
}

func (self *Client) Observe(listKey ListKey, callback ObserveFunction) func() {
	return self.store.Observe(listKey, callback)
}

func (self *Client) ObservePresence(roomKey RoomKey, callback PresenceFunction) func() {
	return self.presence.Observe(roomKey, callback)
}

func (self *Client) ObserveTyping(roomKey RoomKey, callback PresenceFunction) func() {
	return self.typing.Observe(roomKey, callback)
}

func (self *Client) ObserveReceipts(messageId EntityId, callback ReceiptFunction) func() {
	return self.receipts.Observe(messageId, callback)
}

func (self *Client) AddMutationFailureCallback(failureCallback MutationFailureFunction) func() {
	return self.tracker.AddFailureCallback(failureCallback)
}

func (self *Client) PresenceHeartbeat(roomKey RoomKey, actorId Id) {
	self.presence.Heartbeat(roomKey, actorId)
}

func (self *Client) TypingStart(roomKey RoomKey, actorId Id) {
	self.typing.Heartbeat(roomKey, actorId)
}

// the opposing "stop" event: clears the indicator and cancels its
// expiry timer
func (self *Client) TypingStop(roomKey RoomKey, actorId Id) {
	self.typing.Leave(roomKey, actorId)
}

func (self *Client) ApplyReceiptEvent(event *ReceiptEvent) {
	self.receipts.ApplyReceiptEvent(event)
}

func (self *Client) refetch(listKey ListKey) {
	entities, err := self.settings.FetchBacklog(self.ctx, listKey)
	if err != nil {
		glog.Infof("[c]backlog fetch %s: %v\n", listKey, err)
		return
	}
	self.engine.ApplyBacklog(listKey, entities)
	self.cache.Save(listKey)
}

func (self *Client) refetchAll() {
	if self.settings.FetchBacklog == nil {
		return
	}
	self.stateLock.Lock()
	listKeys := make([]ListKey, 0, len(self.rooms))
	for listKey := range self.rooms {
		listKeys = append(listKeys, listKey)
	}
	self.stateLock.Unlock()

	glog.Infof("[c]reconnect, refetching %d lists\n", len(listKeys))
	for _, listKey := range listKeys {
		go self.refetch(listKey)
	}
}

func (self *Client) Close() {
	self.stateLock.Lock()
	rooms := make([]*RoomSubscription, 0, len(self.rooms))
	for _, room := range self.rooms {
		rooms = append(rooms, room)
	}
	self.stateLock.Unlock()

	for _, room := range rooms {
		room.Close()
	}
	if self.removeConnectHook != nil {
		self.removeConnectHook()
	}
	self.cache.Close()
	self.cancel()
}
