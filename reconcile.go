package converge

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"
)

type ReconcileEngineSettings struct {
	// correlation fallback window for transports that do not echo the
	// client tag. a self-authored push event created within this window
	// of an unresolved insert is matched to it.
	CorrelationWindow time.Duration
}

func DefaultReconcileEngineSettings() *ReconcileEngineSettings {
	return &ReconcileEngineSettings{
		CorrelationWindow: 5 * time.Second,
	}
}

// consumes (a) synchronous responses to client-initiated operations and
// (b) asynchronous push events, and applies them to the store exactly
// once. the engine and the pending mutation tracker are the only
// mutators of the store.
type ReconcileEngine struct {
	store    *EntityStore
	tracker  *PendingMutationTracker
	settings *ReconcileEngineSettings

	stateLock sync.Mutex

	// list key -> dedupe key -> currently visible entity id
	visibleDedupe map[ListKey]map[string]EntityId
	// list key -> dedupe key -> raw event arrivals
	rawDedupeCounts map[ListKey]map[string]int

	trace LogFunction
}

func NewReconcileEngineWithDefaults(store *EntityStore, tracker *PendingMutationTracker) *ReconcileEngine {
	return NewReconcileEngine(store, tracker, DefaultReconcileEngineSettings())
}

func NewReconcileEngine(store *EntityStore, tracker *PendingMutationTracker, settings *ReconcileEngineSettings) *ReconcileEngine {
	return &ReconcileEngine{
		store:           store,
		tracker:         tracker,
		settings:        settings,
		visibleDedupe:   map[ListKey]map[string]EntityId{},
		rawDedupeCounts: map[ListKey]map[string]int{},
		trace:           LogFn("rec"),
	}
}

// applies one push event. correct under at-least-once, duplicated, and
// out-of-order delivery: applying the same event twice yields the same
// store state as applying it once.
func (self *ReconcileEngine) ApplyPushEvent(event *PushEvent) {
	if err := event.Validate(); err != nil {
		// logged and discarded. must never halt processing of
		// subsequent events.
		glog.Infof("[rec]drop malformed push event: %v\n", err)
		return
	}

	switch event.Kind {
	case PushEventKindInsert:
		self.applyInsert(event)
	case PushEventKindUpdate:
		self.applyUpdate(event)
	case PushEventKindDelete:
		self.applyDelete(event)
	}
}

func (self *ReconcileEngine) applyInsert(event *PushEvent) {
	entity := event.Entity
	listKey := event.ListKey

	if entity.DedupeKey != "" {
		self.countRawEvent(listKey, entity.DedupeKey)
	}

	// the local client's own mutation may have already resolved via the
	// direct response path
	if _, ok := self.store.GetById(listKey, entity.Id); ok {
		self.trace("duplicate insert %s in %s", entity.Id, listKey)
		if entity.DedupeKey != "" {
			self.collapseDedupe(listKey, entity)
		}
		return
	}

	if event.ClientTag != "" {
		if self.tracker.Resolve(event.ClientTag, entity, ResolvedByPush) {
			self.trace("push resolved %s -> %s in %s", event.ClientTag, entity.Id, listKey)
			if entity.DedupeKey != "" {
				self.collapseDedupe(listKey, entity)
			}
			return
		}
		if self.tracker.WasRecentlyFailed(event.ClientTag) {
			// late success after rollback. accepted as a fresh,
			// independent insert.
			glog.Infof("[rec]late success for failed %s in %s, inserting as foreign\n", event.ClientTag, listKey)
		}
	} else if match, ambiguous := self.tracker.MatchUnresolved(listKey, entity.AuthorId, entity.CreatedAt, self.settings.CorrelationWindow); match != nil {
		// no echoed client tag on this transport. heuristic correlation
		// is a known consistency risk under rapid repeated sends.
		glog.Infof("[rec]heuristic correlation %s -> %s in %s\n", match.TempId, entity.Id, listKey)
		if self.tracker.Resolve(match.TempId, entity, ResolvedByPush) {
			if entity.DedupeKey != "" {
				self.collapseDedupe(listKey, entity)
			}
			return
		}
	} else if ambiguous {
		// more than one eligible mutation. no guess: insert as foreign
		// and let the direct response path resolve its own mutation,
		// which converges through the idempotent upsert of the same id.
		glog.Infof("[rec]ambiguous correlation for author %s in %s\n", entity.AuthorId, listKey)
	}

	// genuinely foreign: written by another actor or another session
	confirmed := entity.Clone()
	confirmed.Status = EntityStatusConfirmed
	self.store.Upsert(listKey, confirmed)
	if entity.DedupeKey != "" {
		self.collapseDedupe(listKey, confirmed)
	}
}

// field-level merge, not full replacement, so local-only ephemeral
// fields are preserved
func (self *ReconcileEngine) applyUpdate(event *PushEvent) {
	entity, ok := self.store.GetById(event.ListKey, event.Id)
	if !ok {
		// the entity may not have been hydrated into this view yet.
		// absence of local knowledge is expected and acceptable.
		self.trace("stale update for %s in %s", event.Id, event.ListKey)
		return
	}
	merged := entity.Clone()
	if merged.Payload == nil {
		merged.Payload = Payload{}
	}
	for field, value := range event.Fields {
		merged.Payload[field] = value
	}
	merged.Status = EntityStatusConfirmed

	if event.ClientTag != "" && self.tracker.Resolve(event.ClientTag, merged, ResolvedByPush) {
		return
	}
	self.store.Upsert(event.ListKey, merged)
}

func (self *ReconcileEngine) applyDelete(event *PushEvent) {
	if event.ClientTag != "" && self.tracker.Resolve(event.ClientTag, nil, ResolvedByPush) {
		return
	}
	// no-op if absent. it is not this client's responsibility to
	// backfill on a delete of an unknown entity.
	self.store.Remove(event.ListKey, event.Id)
}

// applies the direct response for a submitted mutation.
// the response may arrive after a push event for the same logical write
// already resolved it; the second arrival is a no-op.
func (self *ReconcileEngine) ApplyMutationResult(tempId EntityId, result *Entity, resultErr error) {
	if resultErr != nil {
		self.tracker.Fail(tempId, resultErr)
		return
	}
	if !self.tracker.Resolve(tempId, result, ResolvedByResponse) {
		self.trace("response for %s already resolved", tempId)
	}
}

// replays an authoritative fetch through the same insert path.
// used for initial hydration, reconnect backlogs, and the poll fallback.
// the backlog may include already-applied entities; idempotent upsert
// makes the replay safe.
func (self *ReconcileEngine) ApplyBacklog(listKey ListKey, entities []*Entity) {
	for _, entity := range entities {
		self.applyInsert(&PushEvent{
			Kind:    PushEventKindInsert,
			ListKey: listKey,
			Entity:  entity,
		})
	}
}

// raw arrivals for a dedupe key, counted before collapse
func (self *ReconcileEngine) RawEventCount(listKey ListKey, dedupeKey string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	counts, ok := self.rawDedupeCounts[listKey]
	if !ok {
		return 0
	}
	return counts[dedupeKey]
}

// number of distinct dedupe keys currently visible in the list
func (self *ReconcileEngine) DistinctDedupeCount(listKey ListKey) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := 0
	for _, entityId := range self.visibleDedupe[listKey] {
		if _, ok := self.store.GetById(listKey, entityId); ok {
			n += 1
		}
	}
	return n
}

// bounds the dedupe bookkeeping that accumulates across a session
func (self *ReconcileEngine) EvictDedupeState(listKey ListKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.visibleDedupe, listKey)
	delete(self.rawDedupeCounts, listKey)
}

func (self *ReconcileEngine) countRawEvent(listKey ListKey, dedupeKey string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	counts, ok := self.rawDedupeCounts[listKey]
	if !ok {
		counts = map[string]int{}
		self.rawDedupeCounts[listKey] = counts
	}
	counts[dedupeKey] += 1
}

// keeps only the most recent entity per dedupe key visible
func (self *ReconcileEngine) collapseDedupe(listKey ListKey, entity *Entity) {
	self.stateLock.Lock()
	visible, ok := self.visibleDedupe[listKey]
	if !ok {
		visible = map[string]EntityId{}
		self.visibleDedupe[listKey] = visible
	}
	priorId, ok := visible[entity.DedupeKey]
	if !ok || priorId == entity.Id {
		visible[entity.DedupeKey] = entity.Id
		self.stateLock.Unlock()
		return
	}
	prior, present := self.store.GetById(listKey, priorId)
	if present && entity.CreatedAt.Before(prior.CreatedAt) {
		// the visible one is already the most recent
		self.stateLock.Unlock()
		self.store.Remove(listKey, entity.Id)
		return
	}
	visible[entity.DedupeKey] = entity.Id
	self.stateLock.Unlock()
	self.store.Remove(listKey, priorId)
}

type FetchBacklogFunction func(ctx context.Context, listKey ListKey) ([]*Entity, error)

type ListPollerSettings struct {
	// low-frequency reconciliation pass that re-runs the idempotent
	// upsert path alongside the push-driven path
	PollInterval time.Duration
}

func DefaultListPollerSettings() *ListPollerSettings {
	return &ListPollerSettings{
		PollInterval: 60 * time.Second,
	}
}

// explicit polling fallback for a single list
type ListPoller struct {
	ctx    context.Context
	cancel context.CancelFunc

	engine  *ReconcileEngine
	listKey ListKey
	fetch   FetchBacklogFunction

	limiter *rate.Limiter
}

func NewListPollerWithDefaults(ctx context.Context, engine *ReconcileEngine, listKey ListKey, fetch FetchBacklogFunction) *ListPoller {
	return NewListPoller(ctx, engine, listKey, fetch, DefaultListPollerSettings())
}

func NewListPoller(ctx context.Context, engine *ReconcileEngine, listKey ListKey, fetch FetchBacklogFunction, settings *ListPollerSettings) *ListPoller {
	cancelCtx, cancel := context.WithCancel(ctx)
	poller := &ListPoller{
		ctx:     cancelCtx,
		cancel:  cancel,
		engine:  engine,
		listKey: listKey,
		fetch:   fetch,
		limiter: rate.NewLimiter(rate.Every(settings.PollInterval), 1),
	}
	go poller.run()
	return poller
}

func (self *ListPoller) run() {
	for {
		if err := self.limiter.Wait(self.ctx); err != nil {
			return
		}
		entities, err := self.fetch(self.ctx, self.listKey)
		if err != nil {
			glog.Infof("[poll]fetch %s: %v\n", self.listKey, err)
			continue
		}
		self.engine.ApplyBacklog(self.listKey, entities)
	}
}

func (self *ListPoller) Close() {
	self.cancel()
}
