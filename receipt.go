package converge

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type ViewerReceipt struct {
	DeliveredAt time.Time `json:"deliveredAt"`
	// zero until read. only ever moves forward, never back.
	ReadAt time.Time `json:"readAt,omitempty"`
}

type ReceiptStatus struct {
	MessageId      EntityId
	DeliveredCount int
	ReadCount      int
	PerViewer      map[Id]ViewerReceipt
}

type ReceiptFunction func(status *ReceiptStatus)

// one per-viewer delivery/read event from the push channel.
// merged into the per-message status map without a message refetch.
type ReceiptEvent struct {
	MessageId   EntityId   `json:"messageId"`
	ViewerId    Id         `json:"viewerId"`
	DeliveredAt time.Time  `json:"deliveredAt"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

// merges per-viewer delivery/read events into a per-message status map.
// updates are monotonic, which guards against out-of-order delivery of
// receipt events.
type ReadReceiptAggregator struct {
	stateLock sync.Mutex

	// message -> viewer -> receipt
	receipts map[EntityId]map[Id]*ViewerReceipt

	observers map[EntityId]*CallbackList[ReceiptFunction]
}

func NewReadReceiptAggregator() *ReadReceiptAggregator {
	return &ReadReceiptAggregator{
		receipts:  map[EntityId]map[Id]*ViewerReceipt{},
		observers: map[EntityId]*CallbackList[ReceiptFunction]{},
	}
}

func (self *ReadReceiptAggregator) ApplyReceiptEvent(event *ReceiptEvent) {
	if event.MessageId == "" {
		glog.Infof("[rcp]drop receipt event missing message id\n")
		return
	}
	self.MarkDelivered(event.MessageId, event.ViewerId, event.DeliveredAt)
	if event.ReadAt != nil {
		self.MarkRead(event.MessageId, event.ViewerId, *event.ReadAt)
	}
}

func (self *ReadReceiptAggregator) MarkDelivered(messageId EntityId, viewerId Id, at time.Time) {
	self.stateLock.Lock()
	receipt := self.receipt(messageId, viewerId)
	changed := false
	if receipt.DeliveredAt.IsZero() || receipt.DeliveredAt.Before(at) {
		receipt.DeliveredAt = at
		changed = true
	}
	self.stateLock.Unlock()

	if changed {
		self.notifyMessage(messageId)
	}
}

// implies delivered if delivery was not already recorded.
// a call with an earlier timestamp than a previously recorded one is a
// no-op.
func (self *ReadReceiptAggregator) MarkRead(messageId EntityId, viewerId Id, at time.Time) {
	self.stateLock.Lock()
	receipt := self.receipt(messageId, viewerId)
	changed := false
	if receipt.DeliveredAt.IsZero() {
		receipt.DeliveredAt = at
		changed = true
	}
	if receipt.ReadAt.IsZero() || receipt.ReadAt.Before(at) {
		receipt.ReadAt = at
		changed = true
	}
	self.stateLock.Unlock()

	if changed {
		self.notifyMessage(messageId)
	}
}

func (self *ReadReceiptAggregator) StatusFor(messageId EntityId) *ReceiptStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.statusFor(messageId)
}

// whether at least one viewer other than the sender has read the
// message. derived as a boolean, not a count, to keep group-chat
// receipt semantics explicit.
func (self *ReadReceiptAggregator) ReadByOther(messageId EntityId, senderId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for viewerId, receipt := range self.receipts[messageId] {
		if viewerId != senderId && !receipt.ReadAt.IsZero() {
			return true
		}
	}
	return false
}

// the callback fires immediately with the current status and then on
// every committed receipt change. returns an unsubscribe function.
func (self *ReadReceiptAggregator) Observe(messageId EntityId, callback ReceiptFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.observers[messageId]
	if !ok {
		callbacks = NewCallbackList[ReceiptFunction]()
		self.observers[messageId] = callbacks
	}
	callbackId := callbacks.Add(callback)
	status := self.statusFor(messageId)
	self.stateLock.Unlock()

	func() {
		defer handleCallbackPanic()
		callback(status)
	}()

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		callbacks.Remove(callbackId)
	}
}

// drops receipt state for messages no longer in view
func (self *ReadReceiptAggregator) Evict(messageIds ...EntityId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, messageId := range messageIds {
		delete(self.receipts, messageId)
	}
}

func (self *ReadReceiptAggregator) TrackedMessageIds() []EntityId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.receipts)
}

func (self *ReadReceiptAggregator) receipt(messageId EntityId, viewerId Id) *ViewerReceipt {
	viewers, ok := self.receipts[messageId]
	if !ok {
		viewers = map[Id]*ViewerReceipt{}
		self.receipts[messageId] = viewers
	}
	receipt, ok := viewers[viewerId]
	if !ok {
		receipt = &ViewerReceipt{}
		viewers[viewerId] = receipt
	}
	return receipt
}

func (self *ReadReceiptAggregator) statusFor(messageId EntityId) *ReceiptStatus {
	status := &ReceiptStatus{
		MessageId: messageId,
		PerViewer: map[Id]ViewerReceipt{},
	}
	for viewerId, receipt := range self.receipts[messageId] {
		status.PerViewer[viewerId] = *receipt
		if !receipt.DeliveredAt.IsZero() {
			status.DeliveredCount += 1
		}
		if !receipt.ReadAt.IsZero() {
			status.ReadCount += 1
		}
	}
	return status
}

func (self *ReadReceiptAggregator) notifyMessage(messageId EntityId) {
	self.stateLock.Lock()
	callbacks, ok := self.observers[messageId]
	status := self.statusFor(messageId)
	self.stateLock.Unlock()

	if !ok {
		return
	}
	for _, callback := range callbacks.Get() {
		func() {
			defer handleCallbackPanic()
			callback(status)
		}()
	}
}
