package converge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

type PushHandlerFunction func(event *PushEvent)

type PushPredicateFunction func(event *PushEvent) bool

// reconnect is false on the first successful connect, true afterwards.
// a reconnect must be followed by a backlog re-fetch for affected
// lists; the engine's idempotent upsert makes the replay safe.
type ConnectFunction func(reconnect bool)

type ClientAuth struct {
	ByJwt      string `json:"byJwt"`
	InstanceId Id     `json:"instanceId"`
	AppVersion string `json:"appVersion"`
}

func (self *ClientAuth) UserId() (Id, error) {
	sessionToken, err := ParseSessionTokenUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return sessionToken.UserId, nil
}

type PushTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultPushTransportSettings() *PushTransportSettings {
	return &PushTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type pushSubscription struct {
	topic     string
	predicate PushPredicateFunction
	handler   PushHandlerFunction
}

// persistent push channel to the platform.
// maintains one websocket, authenticates with the session token, and
// dispatches decoded events to subscribed handlers. a transport drop is
// non-fatal: the transport reconnects and signals the connect callbacks
// so subscribers can re-fetch their backlog.
type PushTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	auth *ClientAuth

	settings *PushTransportSettings

	stateLock          sync.Mutex
	nextSubscriptionId int
	subscriptions      map[int]*pushSubscription

	connectCallbacks *CallbackList[ConnectFunction]
}

func NewPushTransportWithDefaults(ctx context.Context, url string, auth *ClientAuth) *PushTransport {
	return NewPushTransport(ctx, url, auth, DefaultPushTransportSettings())
}

func NewPushTransport(ctx context.Context, url string, auth *ClientAuth, settings *PushTransportSettings) *PushTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &PushTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		auth:             auth,
		settings:         settings,
		subscriptions:    map[int]*pushSubscription{},
		connectCallbacks: NewCallbackList[ConnectFunction](),
	}
	go transport.run()
	return transport
}

// an empty topic matches all events; otherwise the topic is matched
// against the event's list key. the optional predicate filters further.
// returns an unsubscribe function. after unsubscribe no further events
// reach the handler.
func (self *PushTransport) Subscribe(topic string, predicate PushPredicateFunction, handler PushHandlerFunction) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscriptionId := self.nextSubscriptionId
	self.nextSubscriptionId += 1
	self.subscriptions[subscriptionId] = &pushSubscription{
		topic:     topic,
		predicate: predicate,
		handler:   handler,
	}
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.subscriptions, subscriptionId)
	}
}

func (self *PushTransport) AddConnectCallback(connectCallback ConnectFunction) func() {
	callbackId := self.connectCallbacks.Add(connectCallback)
	return func() {
		self.connectCallbacks.Remove(callbackId)
	}
}

func (self *PushTransport) Close() {
	self.cancel()
}

func (self *PushTransport) run() {
	defer self.cancel()

	authBytes, err := json.Marshal(self.auth)
	if err != nil {
		return
	}

	connectCount := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws, err := self.connect(authBytes)
		if err != nil {
			glog.Infof("[pt]connect: %v\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
			}
			continue
		}

		reconnect := 0 < connectCount
		connectCount += 1
		for _, connectCallback := range self.connectCallbacks.Get() {
			func() {
				defer handleCallbackPanic()
				connectCallback(reconnect)
			}()
		}

		self.readLoop(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *PushTransport) connect(authBytes []byte) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	if messageType, message, err := ws.ReadMessage(); err != nil {
		return nil, err
	} else {
		// verify the auth echo
		switch messageType {
		case websocket.TextMessage:
			if !bytes.Equal(authBytes, message) {
				return nil, fmt.Errorf("auth response error: bad bytes")
			}
		default:
			return nil, fmt.Errorf("auth response error")
		}
	}

	success = true
	return ws, nil
}

func (self *PushTransport) readLoop(ws *websocket.Conn) {
	defer ws.Close()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		for {
			select {
			case <-self.ctx.Done():
				return
			case <-pingDone:
				return
			case <-time.After(self.settings.PingTimeout):
				deadline := time.Now().Add(self.settings.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					ws.Close()
					return
				}
			}
		}
	}()

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	})

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[pt]read: %v\n", err)
			return
		}
		event, err := ParsePushEvent(message)
		if err != nil {
			// logged and discarded. a bad event must never halt the
			// read loop.
			glog.Infof("[pt]drop malformed event: %v\n", err)
			continue
		}
		self.dispatch(event)
	}
}

func (self *PushTransport) dispatch(event *PushEvent) {
	self.stateLock.Lock()
	subscriptions := maps.Values(self.subscriptions)
	self.stateLock.Unlock()

	for _, subscription := range subscriptions {
		if subscription.topic != "" && subscription.topic != string(event.ListKey) {
			continue
		}
		if subscription.predicate != nil && !subscription.predicate(event) {
			continue
		}
		func() {
			defer handleCallbackPanic()
			subscription.handler(event)
		}()
	}
}
