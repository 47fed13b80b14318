package sync

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// an in-memory protocol so tests can play the server side
type testProtocol struct {
	send       chan ClientMessage
	receive    chan ServerMessage
	connects   chan string
	reconnects chan string
}

func newTestProtocol() *testProtocol {
	return &testProtocol{
		send:       make(chan ClientMessage, 64),
		receive:    make(chan ServerMessage, 64),
		connects:   make(chan string, 1),
		reconnects: make(chan string, 8),
	}
}

func (self *testProtocol) Send(message ClientMessage) {
	self.send <- message
}

func (self *testProtocol) Receive() <-chan ServerMessage {
	return self.receive
}

func (self *testProtocol) Connects() <-chan string {
	return self.connects
}

func (self *testProtocol) ForceReconnect(reason string) {
	self.reconnects <- reason
}

func (self *testProtocol) Close() {
}

func (self *testProtocol) nextSent(t *testing.T) ClientMessage {
	select {
	case message := <-self.send:
		return message
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for a client message")
		return nil
	}
}

func nextUpdate(t *testing.T, subscription *Subscription) FunctionResult {
	select {
	case result, ok := <-subscription.Updates():
		if !ok {
			t.Fatal("subscription closed")
		}
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for a subscription update")
		return FunctionResult{}
	}
}

func TestClientSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	protocol := newTestProtocol()
	client := NewClientWithProtocol(ctx, protocol, DefaultClientSettings())
	defer client.Close()

	protocol.connects <- "InitialConnect"
	connect := protocol.nextSent(t).(*ConnectMessage)
	assert.Equal(t, 0, connect.ConnectionCount)
	assert.Equal(t, "InitialConnect", connect.LastCloseReason)

	subscription := client.Subscribe("messages:list", nil)
	modify := protocol.nextSent(t).(*ModifyQuerySetMessage)
	add := modify.Modifications[0].(*AddQuery)

	protocol.receive <- transition(
		StateVersion{},
		StateVersion{QuerySet: 1, Ts: 10},
		&QueryUpdated{QueryId: add.QueryId, Value: []any{"m1"}},
	)
	update := nextUpdate(t, subscription)
	assert.Equal(t, (*ServerError)(nil), update.Err)
	assert.Equal(t, []any{"m1"}, update.Value)

	// the optimistic update is visible before any server round trip
	callback, mutationResult := NewBlockingResultCallback[FunctionResult]()
	client.Mutation("messages:send", map[string]any{"body": "m2"}, func(store LocalStore) {
		value, ok := store.GetQuery("messages:list", nil)
		if !ok {
			return
		}
		store.SetQuery("messages:list", nil, append(value.([]any), "m2"))
	}, callback)

	update = nextUpdate(t, subscription)
	assert.Equal(t, []any{"m1", "m2"}, update.Value)
	mutation := protocol.nextSent(t).(*MutationRequestMessage)

	ts := Timestamp(20)
	protocol.receive <- &MutationResponseMessage{
		RequestId: mutation.RequestId,
		Success:   true,
		Result:    "sent",
		Ts:        &ts,
	}
	// held until the state catches up
	select {
	case <-mutationResult:
		t.Fatal("mutation completed before a covering transition")
	case <-time.After(100 * time.Millisecond):
	}

	protocol.receive <- transition(
		StateVersion{QuerySet: 1, Ts: 10},
		StateVersion{QuerySet: 1, Ts: 20},
		&QueryUpdated{QueryId: add.QueryId, Value: []any{"m1", "m2"}},
	)
	select {
	case callbackResult := <-mutationResult:
		assert.Equal(t, nil, callbackResult.Error)
		assert.Equal(t, "sent", callbackResult.Result.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the mutation result")
	}

	value, loaded, err := client.QueryResult(subscription.Token())
	assert.Equal(t, nil, err)
	assert.Equal(t, true, loaded)
	assert.Equal(t, []any{"m1", "m2"}, value)
	assert.Equal(t, true, client.HasSyncedPastLastReconnect())
}

func TestClientReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	protocol := newTestProtocol()
	client := NewClientWithProtocol(ctx, protocol, DefaultClientSettings())
	defer client.Close()

	protocol.connects <- "InitialConnect"
	protocol.nextSent(t)

	subscription := client.Subscribe("messages:list", nil)
	modify := protocol.nextSent(t).(*ModifyQuerySetMessage)
	add := modify.Modifications[0].(*AddQuery)

	protocol.receive <- transition(
		StateVersion{},
		StateVersion{QuerySet: 1, Ts: 10},
		&QueryUpdated{QueryId: add.QueryId, Value: "r1"},
	)
	nextUpdate(t, subscription)

	// a fatal server error forces a reconnect
	protocol.receive <- &FatalErrorMessage{
		Error: "client too old",
	}
	select {
	case reason := <-protocol.reconnects:
		assert.Equal(t, "client too old", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the forced reconnect")
	}

	// the transport reconnects. the client replays connect and the full
	// query set, and the query blocks sync until a fresh result.
	protocol.connects <- "client too old"
	connect := protocol.nextSent(t).(*ConnectMessage)
	assert.Equal(t, 1, connect.ConnectionCount)
	assert.Equal(t, "client too old", connect.LastCloseReason)
	assert.Equal(t, Timestamp(10), *connect.MaxObservedTimestamp)

	modify = protocol.nextSent(t).(*ModifyQuerySetMessage)
	assert.Equal(t, QuerySetVersion(0), modify.BaseVersion)
	resentAdd := modify.Modifications[0].(*AddQuery)
	assert.Equal(t, add.QueryId, resentAdd.QueryId)
	assert.Equal(t, false, client.HasSyncedPastLastReconnect())

	protocol.receive <- transition(
		StateVersion{},
		StateVersion{QuerySet: 1, Ts: 30},
		&QueryUpdated{QueryId: add.QueryId, Value: "r1b"},
	)
	update := nextUpdate(t, subscription)
	assert.Equal(t, "r1b", update.Value)
	assert.Equal(t, true, client.HasSyncedPastLastReconnect())
}

func TestClientUnsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	protocol := newTestProtocol()
	client := NewClientWithProtocol(ctx, protocol, DefaultClientSettings())
	defer client.Close()

	protocol.connects <- "InitialConnect"
	protocol.nextSent(t)

	subscription := client.Subscribe("messages:list", nil)
	protocol.nextSent(t)

	subscription.Unsubscribe()
	modify := protocol.nextSent(t).(*ModifyQuerySetMessage)
	remove, ok := modify.Modifications[0].(*RemoveQuery)
	assert.Equal(t, true, ok)
	assert.Equal(t, QueryId(0), remove.QueryId)

	// the updates channel closes on unsubscribe
	select {
	case _, ok := <-subscription.Updates():
		assert.Equal(t, false, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the subscription to close")
	}
}

func TestClientAction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	protocol := newTestProtocol()
	client := NewClientWithProtocol(ctx, protocol, DefaultClientSettings())
	defer client.Close()

	protocol.connects <- "InitialConnect"
	protocol.nextSent(t)

	callback, actionResult := NewBlockingResultCallback[FunctionResult]()
	client.Action("mail:send", map[string]any{"to": "a@b.c"}, callback)
	action := protocol.nextSent(t).(*ActionRequestMessage)

	protocol.receive <- &ActionResponseMessage{
		RequestId: action.RequestId,
		Success:   true,
		Result:    "queued",
	}
	select {
	case callbackResult := <-actionResult:
		assert.Equal(t, nil, callbackResult.Error)
		assert.Equal(t, "queued", callbackResult.Result.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the action result")
	}
}

func TestClientWatchAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	protocol := newTestProtocol()
	client := NewClientWithProtocol(ctx, protocol, DefaultClientSettings())
	defer client.Close()

	protocol.connects <- "InitialConnect"
	protocol.nextSent(t)

	watcher := client.WatchAll()
	subscription1 := client.Subscribe("a:get", nil)
	subscription2 := client.Subscribe("b:get", nil)
	modify1 := protocol.nextSent(t).(*ModifyQuerySetMessage)
	modify2 := protocol.nextSent(t).(*ModifyQuerySetMessage)
	add1 := modify1.Modifications[0].(*AddQuery)
	add2 := modify2.Modifications[0].(*AddQuery)

	protocol.receive <- transition(
		StateVersion{},
		StateVersion{QuerySet: 2, Ts: 10},
		&QueryUpdated{QueryId: add1.QueryId, Value: "a1"},
		&QueryUpdated{QueryId: add2.QueryId, Value: "b1"},
	)

	select {
	case results := <-watcher:
		assert.Equal(t, 2, len(results))
		assert.Equal(t, "a1", results[subscription1.Token()].Value)
		assert.Equal(t, "b1", results[subscription2.Token()].Value)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the watch snapshot")
	}
}
