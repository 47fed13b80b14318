package sync

import (
	"github.com/golang/glog"
)

// the synchronous core of the sync client.
//
// combines the local query set state, the optimistic overlay, and
// request correlation into one state machine. every method runs to
// completion with no suspension and no internal parallelism; the
// caller (normally the Client worker goroutine) serializes all access.
// anything a method hands back — result values, changed-token slices,
// snapshots — is an immutable view and must not be mutated.
//
// control flow: the transport decodes frames and feeds them to
// ReceiveMessage, which updates the authoritative per-query results,
// recomputes the overlay, and returns the changed query tokens for the
// observer layer. client-initiated calls queue outbound messages that
// the transport drains with PopNextMessage.
type CoreClient struct {
	sessionId       Id
	connectionCount int

	localState *LocalState
	optimistic *OptimisticQueryResults
	requests   *requestManager

	outbound []ClientMessage
}

func NewCoreClient() *CoreClient {
	return &CoreClient{
		sessionId:  NewId(),
		localState: NewLocalState(),
		optimistic: NewOptimisticQueryResults(),
		requests:   newRequestManager(),
	}
}

func (self *CoreClient) SessionId() Id {
	return self.sessionId
}

// adds a logical subscriber for (udfPath, args) and returns its stable
// token. the query set delta goes out with the next drain.
func (self *CoreClient) Subscribe(udfPath UdfPath, args map[string]any) QueryToken {
	token, _ := self.localState.Subscribe(udfPath, args)
	self.flushQuerySet()
	return token
}

func (self *CoreClient) Unsubscribe(token QueryToken) {
	self.localState.Unsubscribe(token)
	self.flushQuerySet()
}

func (self *CoreClient) QueryId(udfPath UdfPath, args map[string]any) (QueryId, bool) {
	return self.localState.QueryId(udfPath, args)
}

// issues a mutation. when update is non-nil it is applied as an
// optimistic update correlated with this mutation, and the tokens it
// touched are returned so the observer layer can re-read them. the
// result channel delivers once the server state reflects the mutation
// (or immediately on error).
func (self *CoreClient) Mutation(udfPath UdfPath, args map[string]any, update OptimisticUpdate) (<-chan FunctionResult, []QueryToken) {
	requestId, message, result := self.requests.NewMutationRequest(udfPath, args)
	self.outbound = append(self.outbound, message)

	var changed []QueryToken
	if update != nil {
		changed = self.optimistic.ApplyOptimisticUpdate(update, requestId)
	}
	return result, changed
}

func (self *CoreClient) Action(udfPath UdfPath, args map[string]any) <-chan FunctionResult {
	_, message, result := self.requests.NewActionRequest(udfPath, args)
	self.outbound = append(self.outbound, message)
	return result
}

func (self *CoreClient) SetAuth(token AuthToken) {
	self.outbound = append(self.outbound, self.localState.SetAuth(token))
}

func (self *CoreClient) ClearAuth() {
	self.outbound = append(self.outbound, self.localState.ClearAuth())
}

// sends structured client telemetry. fire-and-forget.
func (self *CoreClient) SendEvent(eventType string, event any) {
	self.outbound = append(self.outbound, &EventMessage{
		EventType: eventType,
		Event:     event,
	})
}

// the overlay value for a token: server result with pending optimistic
// updates applied. (nil, false, nil) while loading.
func (self *CoreClient) QueryResult(token QueryToken) (any, bool, error) {
	return self.optimistic.QueryResult(token)
}

// subscribed tokens in subscription order
func (self *CoreClient) Tokens() []QueryToken {
	return self.localState.Tokens()
}

func (self *CoreClient) HasSyncedPastLastReconnect() bool {
	return self.localState.HasSyncedPastLastReconnect()
}

func (self *CoreClient) MaxObservedTimestamp() *Timestamp {
	return self.requests.MaxObservedTimestamp()
}

// the handshake message for a (re)opened connection
func (self *CoreClient) ConnectMessage(lastCloseReason string) *ConnectMessage {
	connectionCount := self.connectionCount
	self.connectionCount += 1
	return &ConnectMessage{
		SessionId:            self.sessionId,
		ConnectionCount:      connectionCount,
		LastCloseReason:      lastCloseReason,
		MaxObservedTimestamp: self.requests.MaxObservedTimestamp(),
	}
}

// applies one server message.
// returns the query tokens whose overlay values changed, for the
// observer layer to re-read. a non-nil error is a fatal protocol
// violation: the transport must drop the connection, reconnect, and
// call Resend.
func (self *CoreClient) ReceiveMessage(message ServerMessage) ([]QueryToken, error) {
	switch v := message.(type) {
	case *TransitionMessage:
		if err := self.localState.Transition(v); err != nil {
			return nil, err
		}
		glog.V(2).Infof("[c]transition %s -> %s\n", v.StartVersion, v.EndVersion)
		dropped := self.requests.ObserveTimestamp(v.EndVersion.Ts)
		changed := self.optimistic.IngestQueryResultsFromServer(self.localState.Snapshot(), dropped)
		return changed, nil
	case *MutationResponseMessage:
		dropped := self.requests.HandleMutationResponse(v)
		if len(dropped) == 0 {
			return nil, nil
		}
		// the mutation's optimistic update is confirmed or rejected.
		// recompute the overlay without it against the unchanged
		// server view.
		changed := self.optimistic.IngestQueryResultsFromServer(self.localState.Snapshot(), dropped)
		return changed, nil
	case *ActionResponseMessage:
		self.requests.HandleActionResponse(v)
		return nil, nil
	case *AuthErrorMessage:
		// recoverable. unrelated query results stay valid.
		glog.Infof("[c]auth error = %s\n", v.Error)
		self.localState.MarkAuthCompletion()
		return nil, nil
	case *FatalErrorMessage:
		return nil, &ProtocolError{
			Reason: v.Error,
		}
	case *PingMessage:
		return nil, nil
	default:
		return nil, &ProtocolError{
			Reason: "unhandled server message",
		}
	}
}

// pops the next outbound message, or false when there is nothing to
// send
func (self *CoreClient) PopNextMessage() (ClientMessage, bool) {
	if len(self.outbound) == 0 {
		return nil, false
	}
	message := self.outbound[0]
	self.outbound = self.outbound[1:]
	return message, true
}

// rebuilds the outbound queue after a reconnect: Authenticate first
// when an identity is set, then the full query set from a fresh
// version baseline, then unacknowledged mutations in issuance order.
// anything queued before the connection dropped is discarded; the
// rebuild covers it.
func (self *CoreClient) Resend() {
	self.outbound = nil
	if authenticate := self.localState.Restart(nil); authenticate != nil {
		self.outbound = append(self.outbound, authenticate)
	}
	self.flushQuerySet()
	for _, message := range self.requests.Resend() {
		self.outbound = append(self.outbound, message)
	}
}

func (self *CoreClient) flushQuerySet() {
	if message := self.localState.FlushModifications(); message != nil {
		self.outbound = append(self.outbound, message)
	}
}
