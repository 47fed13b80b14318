package sync

import (
	"context"
	"errors"

	"github.com/golang/glog"
)

var ErrClientClosed = errors.New("sync client closed")

type resultCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleResultCallback[R any] struct {
	callback func(result R, err error)
}

func NewResultCallback[R any](callback func(result R, err error)) resultCallback[R] {
	return &simpleResultCallback[R]{
		callback: callback,
	}
}

func NewNoopResultCallback[R any]() resultCallback[R] {
	return &simpleResultCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleResultCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type CallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingResultCallback[R any]() (resultCallback[R], chan CallbackResult[R]) {
	c := make(chan CallbackResult[R], 1)
	callback := NewResultCallback[R](func(result R, err error) {
		c <- CallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

type FunctionCallback resultCallback[FunctionResult]

type ClientSettings struct {
	TransportSettings *SyncTransportSettings
	RequestBufferSize int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		TransportSettings: DefaultSyncTransportSettings(),
		RequestBufferSize: 32,
	}
}

// the asynchronous face of the sync client.
//
// a single worker goroutine owns the CoreClient and serializes every
// operation onto it: client calls queue work onto the worker, and the
// protocol's receive and connect channels feed it server traffic.
// subscriptions fan changed results out on conflated channels, so a
// slow consumer only ever misses intermediate values, never the
// latest.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	core     *CoreClient
	protocol SyncProtocol

	requests chan func()

	// worker-owned
	subscribers map[QueryToken]map[*Subscription]bool
	watchers    []chan map[QueryToken]FunctionResult
}

func NewClientWithDefaults(ctx context.Context, platformUrl string) *Client {
	return NewClient(ctx, platformUrl, DefaultClientSettings())
}

func NewClient(ctx context.Context, platformUrl string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	protocol := NewPlatformSyncTransport(cancelCtx, platformUrl, settings.TransportSettings)
	return newClient(cancelCtx, cancel, protocol, settings)
}

// for a custom protocol, e.g. an in-memory protocol in tests
func NewClientWithProtocol(ctx context.Context, protocol SyncProtocol, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return newClient(cancelCtx, cancel, protocol, settings)
}

func newClient(ctx context.Context, cancel context.CancelFunc, protocol SyncProtocol, settings *ClientSettings) *Client {
	client := &Client{
		ctx:         ctx,
		cancel:      cancel,
		core:        NewCoreClient(),
		protocol:    protocol,
		requests:    make(chan func(), settings.RequestBufferSize),
		subscribers: map[QueryToken]map[*Subscription]bool{},
	}
	go client.run()
	return client
}

func (self *Client) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case request := <-self.requests:
			request()
			self.flush()
		case lastCloseReason := <-self.protocol.Connects():
			glog.V(1).Infof("[c]connected, last close = %s\n", lastCloseReason)
			self.protocol.Send(self.core.ConnectMessage(lastCloseReason))
			self.core.Resend()
			self.flush()
		case message := <-self.protocol.Receive():
			changed, err := self.core.ReceiveMessage(message)
			if err != nil {
				// fatal desync. reconnect and resynchronize.
				glog.Infof("[c]desync = %s\n", err)
				self.protocol.ForceReconnect(err.Error())
				continue
			}
			self.notify(changed)
			self.flush()
		}
	}
}

func (self *Client) flush() {
	for {
		message, ok := self.core.PopNextMessage()
		if !ok {
			return
		}
		self.protocol.Send(message)
	}
}

// re-reads every changed token and fans the latest values out
func (self *Client) notify(changed []QueryToken) {
	for _, token := range changed {
		subscriptions, ok := self.subscribers[token]
		if !ok {
			continue
		}
		value, loaded, err := self.core.QueryResult(token)
		for subscription := range subscriptions {
			if err != nil {
				var serverErr *ServerError
				if errors.As(err, &serverErr) {
					conflatePush(subscription.updates, FunctionResult{Err: serverErr})
				}
			} else if loaded {
				conflatePush(subscription.updates, ValueResult(value))
			}
			// loading emits nothing. the previous value stands until
			// a result arrives.
		}
	}
	if 0 < len(changed) && 0 < len(self.watchers) {
		results := self.latestResults()
		for _, watcher := range self.watchers {
			conflatePush(watcher, results)
		}
	}
}

// a consistent view of every loaded query at the latest version
func (self *Client) latestResults() map[QueryToken]FunctionResult {
	results := map[QueryToken]FunctionResult{}
	for _, token := range self.core.Tokens() {
		value, loaded, err := self.core.QueryResult(token)
		if err != nil {
			var serverErr *ServerError
			if errors.As(err, &serverErr) {
				results[token] = FunctionResult{Err: serverErr}
			}
		} else if loaded {
			results[token] = ValueResult(value)
		}
	}
	return results
}

func (self *Client) enqueue(request func()) {
	select {
	case <-self.ctx.Done():
	case self.requests <- request:
	}
}

// a handle on one logical subscriber of a query
type Subscription struct {
	client *Client
	token  QueryToken

	updates chan FunctionResult

	// worker-owned
	unsubscribed bool
}

// the latest results for the subscribed query. conflated: only the
// newest unread value is retained. closed on unsubscribe.
func (self *Subscription) Updates() <-chan FunctionResult {
	return self.updates
}

func (self *Subscription) Token() QueryToken {
	return self.token
}

func (self *Subscription) Unsubscribe() {
	self.client.enqueue(func() {
		if self.unsubscribed {
			return
		}
		self.unsubscribed = true
		self.client.core.Unsubscribe(self.token)
		if subscriptions, ok := self.client.subscribers[self.token]; ok {
			delete(subscriptions, self)
			if len(subscriptions) == 0 {
				delete(self.client.subscribers, self.token)
			}
		}
		close(self.updates)
	})
}

// subscribes to the results of a query. an already-loaded result for
// the same query is delivered immediately.
func (self *Client) Subscribe(udfPath UdfPath, args map[string]any) *Subscription {
	subscription := &Subscription{
		client:  self,
		token:   NewQueryToken(udfPath, args),
		updates: make(chan FunctionResult, 1),
	}
	self.enqueue(func() {
		self.core.Subscribe(udfPath, args)
		subscriptions, ok := self.subscribers[subscription.token]
		if !ok {
			subscriptions = map[*Subscription]bool{}
			self.subscribers[subscription.token] = subscriptions
		}
		subscriptions[subscription] = true

		if value, loaded, err := self.core.QueryResult(subscription.token); err != nil {
			var serverErr *ServerError
			if errors.As(err, &serverErr) {
				conflatePush(subscription.updates, FunctionResult{Err: serverErr})
			}
		} else if loaded {
			conflatePush(subscription.updates, ValueResult(value))
		}
	})
	return subscription
}

// issues a mutation. a non-nil update is applied immediately as an
// optimistic update and rolled into every recompute until the server
// confirms or rejects the mutation. the callback fires once the
// synchronized state reflects the result.
func (self *Client) Mutation(udfPath UdfPath, args map[string]any, update OptimisticUpdate, callback FunctionCallback) {
	self.enqueue(func() {
		result, changed := self.core.Mutation(udfPath, args, update)
		self.notify(changed)
		go func() {
			select {
			case <-self.ctx.Done():
				callback.Result(FunctionResult{}, ErrClientClosed)
			case functionResult := <-result:
				callback.Result(functionResult, nil)
			}
		}()
	})
}

func (self *Client) MutationSync(udfPath UdfPath, args map[string]any, update OptimisticUpdate) (FunctionResult, error) {
	callback, c := NewBlockingResultCallback[FunctionResult]()
	self.Mutation(udfPath, args, update, callback)
	select {
	case <-self.ctx.Done():
		return FunctionResult{}, ErrClientClosed
	case callbackResult := <-c:
		return callbackResult.Result, callbackResult.Error
	}
}

func (self *Client) Action(udfPath UdfPath, args map[string]any, callback FunctionCallback) {
	self.enqueue(func() {
		result := self.core.Action(udfPath, args)
		go func() {
			select {
			case <-self.ctx.Done():
				callback.Result(FunctionResult{}, ErrClientClosed)
			case functionResult := <-result:
				callback.Result(functionResult, nil)
			}
		}()
	})
}

func (self *Client) ActionSync(udfPath UdfPath, args map[string]any) (FunctionResult, error) {
	callback, c := NewBlockingResultCallback[FunctionResult]()
	self.Action(udfPath, args, callback)
	select {
	case <-self.ctx.Done():
		return FunctionResult{}, ErrClientClosed
	case callbackResult := <-c:
		return callbackResult.Result, callbackResult.Error
	}
}

// sets the identity for the session, e.g. a fresh token from the auth
// provider's login flow
func (self *Client) SetAuth(token AuthToken) {
	self.enqueue(func() {
		self.core.SetAuth(token)
	})
}

func (self *Client) ClearAuth() {
	self.enqueue(func() {
		self.core.ClearAuth()
	})
}

func (self *Client) SendEvent(eventType string, event any) {
	self.enqueue(func() {
		self.core.SendEvent(eventType, event)
	})
}

// a consistent view of the results of the whole query set, delivered
// whenever any result changes. conflated like Subscription.Updates.
func (self *Client) WatchAll() <-chan map[QueryToken]FunctionResult {
	watcher := make(chan map[QueryToken]FunctionResult, 1)
	self.enqueue(func() {
		self.watchers = append(self.watchers, watcher)
	})
	return watcher
}

func (self *Client) QueryResult(token QueryToken) (any, bool, error) {
	type reply struct {
		value  any
		loaded bool
		err    error
	}
	c := make(chan reply, 1)
	self.enqueue(func() {
		value, loaded, err := self.core.QueryResult(token)
		c <- reply{
			value:  value,
			loaded: loaded,
			err:    err,
		}
	})
	select {
	case <-self.ctx.Done():
		return nil, false, ErrClientClosed
	case r := <-c:
		return r.value, r.loaded, r.err
	}
}

// true once every query live at the last reconnect has a post-restart
// result and no auth round trip is outstanding
func (self *Client) HasSyncedPastLastReconnect() bool {
	c := make(chan bool, 1)
	self.enqueue(func() {
		c <- self.core.HasSyncedPastLastReconnect()
	})
	select {
	case <-self.ctx.Done():
		return false
	case synced := <-c:
		return synced
	}
}

func (self *Client) Close() {
	self.cancel()
	self.protocol.Close()
}

// drop-and-replace: the channel only ever holds the newest value
func conflatePush[T any](c chan T, value T) {
	for {
		select {
		case c <- value:
			return
		default:
		}
		select {
		case <-c:
		default:
		}
	}
}
