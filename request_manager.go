package sync

import (
	"fmt"
)

// correlates a mutation or action with its confirming or rejecting
// server response
type RequestId uint64

const (
	requestMutation = iota
	requestAction
)

type inflightRequest struct {
	requestId RequestId
	kind      int
	udfPath   UdfPath
	// retained so an in-flight mutation can be resent after a
	// reconnect
	message ClientMessage
	result  chan FunctionResult

	// set when the server has accepted the mutation but the state has
	// not yet transitioned past the mutation's timestamp
	completedAsOf   *Timestamp
	completedResult *FunctionResult
}

// tracks outstanding mutation and action requests.
//
// a successful mutation response is held until a transition carries
// the synchronized state past the mutation's timestamp, so that by the
// time the caller observes the result every tracked query already
// reflects the mutation. error responses release immediately. actions
// have no timestamp and release on response.
type requestManager struct {
	nextRequestId RequestId
	inflight      map[RequestId]*inflightRequest
	// issuance order. resends and releases walk in this order
	requestOrder []RequestId

	latestTransitionTs   Timestamp
	hasObservedTimestamp bool
	maxObservedTimestamp Timestamp
}

func newRequestManager() *requestManager {
	return &requestManager{
		inflight: map[RequestId]*inflightRequest{},
	}
}

func (self *requestManager) NewMutationRequest(udfPath UdfPath, args map[string]any) (RequestId, *MutationRequestMessage, <-chan FunctionResult) {
	requestId := self.nextRequestId
	self.nextRequestId += 1

	message := &MutationRequestMessage{
		RequestId: requestId,
		UdfPath:   udfPath.Canonicalize(),
		Args:      wireArgs(args),
	}
	request := &inflightRequest{
		requestId: requestId,
		kind:      requestMutation,
		udfPath:   udfPath,
		message:   message,
		result:    make(chan FunctionResult, 1),
	}
	self.inflight[requestId] = request
	self.requestOrder = append(self.requestOrder, requestId)
	return requestId, message, request.result
}

func (self *requestManager) NewActionRequest(udfPath UdfPath, args map[string]any) (RequestId, *ActionRequestMessage, <-chan FunctionResult) {
	requestId := self.nextRequestId
	self.nextRequestId += 1

	message := &ActionRequestMessage{
		RequestId: requestId,
		UdfPath:   udfPath.Canonicalize(),
		Args:      wireArgs(args),
	}
	request := &inflightRequest{
		requestId: requestId,
		kind:      requestAction,
		udfPath:   udfPath,
		message:   message,
		result:    make(chan FunctionResult, 1),
	}
	self.inflight[requestId] = request
	self.requestOrder = append(self.requestOrder, requestId)
	return requestId, message, request.result
}

// returns the mutation ids whose optimistic updates are now confirmed
// or rejected and must be dropped from the overlay
func (self *requestManager) HandleMutationResponse(response *MutationResponseMessage) []RequestId {
	request, ok := self.inflight[response.RequestId]
	if !ok || request.kind != requestMutation {
		// response for a request this session no longer tracks
		return nil
	}

	if response.Ts != nil {
		self.observe(*response.Ts)
	}

	if !response.Success {
		message := fmt.Sprintf("%v", response.Result)
		self.complete(request, ErrorResult(message, response.ErrorData))
		return []RequestId{request.requestId}
	}

	result := ValueResult(response.Result)
	if response.Ts == nil || *response.Ts <= self.latestTransitionTs {
		// the state already reflects the mutation
		self.complete(request, result)
		return []RequestId{request.requestId}
	}
	ts := *response.Ts
	request.completedAsOf = &ts
	request.completedResult = &result
	return nil
}

func (self *requestManager) HandleActionResponse(response *ActionResponseMessage) {
	request, ok := self.inflight[response.RequestId]
	if !ok || request.kind != requestAction {
		return
	}
	if response.Success {
		self.complete(request, ValueResult(response.Result))
	} else {
		message := fmt.Sprintf("%v", response.Result)
		self.complete(request, ErrorResult(message, response.ErrorData))
	}
}

// a transition advanced the synchronized state to ts. releases every
// held mutation whose timestamp is now covered and returns their ids.
func (self *requestManager) ObserveTimestamp(ts Timestamp) []RequestId {
	self.latestTransitionTs = ts
	self.observe(ts)

	released := []RequestId{}
	for _, requestId := range append([]RequestId{}, self.requestOrder...) {
		request := self.inflight[requestId]
		if request == nil || request.completedAsOf == nil {
			continue
		}
		if *request.completedAsOf <= ts {
			self.complete(request, *request.completedResult)
			released = append(released, requestId)
		}
	}
	return released
}

// the greatest server timestamp this client has observed, from
// transitions and mutation responses. echoed on Connect so a failover
// cannot serve an older view.
func (self *requestManager) MaxObservedTimestamp() *Timestamp {
	if !self.hasObservedTimestamp {
		return nil
	}
	ts := self.maxObservedTimestamp
	return &ts
}

func (self *requestManager) observe(ts Timestamp) {
	if !self.hasObservedTimestamp || self.maxObservedTimestamp < ts {
		self.maxObservedTimestamp = ts
	}
	self.hasObservedTimestamp = true
}

// messages to resend after a reconnect, in issuance order.
// unacknowledged mutations are resent verbatim. mutations already
// accepted stay held for a covering transition. in-flight actions
// cannot be safely retried and fail immediately.
func (self *requestManager) Resend() []ClientMessage {
	messages := []ClientMessage{}
	for _, requestId := range append([]RequestId{}, self.requestOrder...) {
		request := self.inflight[requestId]
		if request == nil {
			continue
		}
		switch request.kind {
		case requestMutation:
			if request.completedAsOf == nil {
				messages = append(messages, request.message)
			}
		case requestAction:
			self.complete(request, ErrorResult(
				fmt.Sprintf("connection lost while %s was in flight", request.udfPath),
				nil,
			))
		}
	}
	return messages
}

func (self *requestManager) complete(request *inflightRequest, result FunctionResult) {
	request.result <- result
	delete(self.inflight, request.requestId)
	for i, requestId := range self.requestOrder {
		if requestId == request.requestId {
			self.requestOrder = append(self.requestOrder[:i], self.requestOrder[i+1:]...)
			break
		}
	}
}
