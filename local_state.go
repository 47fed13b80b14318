package sync

import (
	"fmt"

	"golang.org/x/exp/maps"
)

// the locally requested query set and the authoritative results the
// server has pushed for it.
//
// the local state is versioned on three dimensions (query set,
// timestamp, identity). outbound ModifyQuerySet and Authenticate
// messages advance the query set and identity dimensions; inbound
// Transition messages advance all three. a Transition whose start
// version does not equal the last adopted end version means the
// session is desynchronized and the transport must reconnect.
//
// single goroutine ownership. see CoreClient.

type localQuery struct {
	token   QueryToken
	queryId QueryId
	udfPath UdfPath
	args    map[string]any

	// logical subscribers sharing this query
	refCount int
	journal  QueryJournal
	result   QueryResult
	// true when the query was live at the last restart and has not
	// received a post-restart result yet
	awaitingResult bool
}

type LocalState struct {
	nextQueryId     QueryId
	querySetVersion QuerySetVersion
	identityVersion IdentityVersion
	currentVersion  StateVersion

	queries         map[QueryToken]*localQuery
	tokensByQueryId map[QueryId]QueryToken
	// subscription creation order. snapshots and changed-token sets
	// iterate in this order so downstream consumers see a stable order
	tokenOrder []QueryToken

	pendingModifications []QuerySetModification

	authToken   *AuthToken
	authPending bool
}

func NewLocalState() *LocalState {
	return &LocalState{
		queries:         map[QueryToken]*localQuery{},
		tokensByQueryId: map[QueryId]QueryToken{},
	}
}

// adds a logical subscriber for (udfPath, args).
// the first subscriber for a token allocates a query id and queues an
// Add for the next outbound ModifyQuerySet. later subscribers share
// the existing query id.
func (self *LocalState) Subscribe(udfPath UdfPath, args map[string]any) (QueryToken, QueryId) {
	token := NewQueryToken(udfPath, args)
	if query, ok := self.queries[token]; ok {
		query.refCount += 1
		return token, query.queryId
	}

	queryId := self.nextQueryId
	self.nextQueryId += 1

	query := &localQuery{
		token:    token,
		queryId:  queryId,
		udfPath:  udfPath.Canonicalize(),
		args:     args,
		refCount: 1,
		result:   LoadingResult(),
	}
	self.queries[token] = query
	self.tokensByQueryId[queryId] = token
	self.tokenOrder = append(self.tokenOrder, token)

	self.pendingModifications = append(self.pendingModifications, &AddQuery{
		QueryId: queryId,
		UdfPath: query.udfPath,
		Args:    wireArgs(args),
		Journal: query.journal,
	})
	return token, queryId
}

// removes one logical subscriber. at zero subscribers the local
// bookkeeping is freed immediately and a Remove is queued
// fire-and-forget. the server confirmation (QueryRemoved) may race a
// later transition and is handled idempotently.
func (self *LocalState) Unsubscribe(token QueryToken) {
	query, ok := self.queries[token]
	if !ok {
		return
	}
	query.refCount -= 1
	if 0 < query.refCount {
		return
	}
	self.dropQuery(token)
	self.pendingModifications = append(self.pendingModifications, &RemoveQuery{
		QueryId: query.queryId,
	})
}

func (self *LocalState) dropQuery(token QueryToken) {
	query, ok := self.queries[token]
	if !ok {
		return
	}
	delete(self.queries, token)
	delete(self.tokensByQueryId, query.queryId)
	for i, orderedToken := range self.tokenOrder {
		if orderedToken == token {
			self.tokenOrder = append(self.tokenOrder[:i], self.tokenOrder[i+1:]...)
			break
		}
	}
}

func (self *LocalState) QueryId(udfPath UdfPath, args map[string]any) (QueryId, bool) {
	query, ok := self.queries[NewQueryToken(udfPath, args)]
	if !ok {
		return 0, false
	}
	return query.queryId, true
}

func (self *LocalState) QueryResult(token QueryToken) (QueryResult, bool) {
	query, ok := self.queries[token]
	if !ok {
		return QueryResult{}, false
	}
	return query.result, true
}

func (self *LocalState) QueryJournal(token QueryToken) (QueryJournal, bool) {
	query, ok := self.queries[token]
	if !ok {
		return nil, false
	}
	return query.journal, true
}

func (self *LocalState) CurrentVersion() StateVersion {
	return self.currentVersion
}

// all live query tokens, in subscription creation order
func (self *LocalState) Tokens() []QueryToken {
	tokens := make([]QueryToken, len(self.tokenOrder))
	copy(tokens, self.tokenOrder)
	return tokens
}

// true iff no query live at the last restart is still awaiting its
// first post-restart result, and no auth round trip is outstanding
func (self *LocalState) HasSyncedPastLastReconnect() bool {
	if self.authPending {
		return false
	}
	for _, query := range self.queries {
		if query.awaitingResult {
			return false
		}
	}
	return true
}

// applies a server-pushed delta between two state versions.
// modifications apply in array order. returns a *ProtocolError when
// the transition does not start at the current version.
func (self *LocalState) Transition(transition *TransitionMessage) error {
	if transition.StartVersion != self.currentVersion {
		return &ProtocolError{
			Reason: fmt.Sprintf(
				"transition start %s does not match current %s",
				transition.StartVersion,
				self.currentVersion,
			),
		}
	}
	for _, modification := range transition.Modifications {
		switch v := modification.(type) {
		case *QueryUpdated:
			if token, ok := self.tokensByQueryId[v.QueryId]; ok {
				query := self.queries[token]
				query.result = SuccessResult(v.Value)
				query.journal = v.Journal
				query.awaitingResult = false
			}
		case *QueryFailed:
			if token, ok := self.tokensByQueryId[v.QueryId]; ok {
				query := self.queries[token]
				query.result = FailureResult(v.ErrorMessage, v.ErrorData)
				query.journal = v.Journal
				query.awaitingResult = false
			}
		case *QueryRemoved:
			// no-op if already removed locally. a client-initiated
			// unsubscribe races the server confirmation.
			if token, ok := self.tokensByQueryId[v.QueryId]; ok {
				self.dropQuery(token)
			}
		}
	}
	self.currentVersion = transition.EndVersion
	if self.authPending && self.identityVersion <= transition.EndVersion.Identity {
		self.authPending = false
	}
	return nil
}

// requests a new identity for the session. the identity dimension has
// an outstanding round trip until the server adopts the new version in
// a transition, or MarkAuthCompletion is called.
func (self *LocalState) SetAuth(token AuthToken) *AuthenticateMessage {
	self.authToken = &token
	message := &AuthenticateMessage{
		BaseVersion: self.identityVersion,
		TokenType:   token.Kind,
		Value:       token.Value,
	}
	self.identityVersion += 1
	self.authPending = true
	return message
}

// de-authenticates. versioned exactly like SetAuth.
func (self *LocalState) ClearAuth() *AuthenticateMessage {
	self.authToken = nil
	message := &AuthenticateMessage{
		BaseVersion: self.identityVersion,
		TokenType:   AuthTokenNone,
	}
	self.identityVersion += 1
	self.authPending = true
	return message
}

func (self *LocalState) MarkAuthCompletion() {
	self.authPending = false
}

// resets the version baseline after the transport reconnects.
// queries whose tokens are absent from stillWanted are dropped; a nil
// stillWanted keeps everything. every surviving query keeps its query
// id, journal and last known (now stale) result, is marked awaiting
// its first post-restart result, and is re-queued as an Add. returns
// the Authenticate message to resend, when an identity is set.
func (self *LocalState) Restart(stillWanted map[QueryToken]bool) *AuthenticateMessage {
	self.currentVersion = StateVersion{}
	self.querySetVersion = 0
	self.identityVersion = 0
	self.pendingModifications = nil

	if stillWanted != nil {
		for _, token := range maps.Keys(self.queries) {
			if !stillWanted[token] {
				self.dropQuery(token)
			}
		}
	}

	for _, token := range self.tokenOrder {
		query := self.queries[token]
		query.awaitingResult = true
		self.pendingModifications = append(self.pendingModifications, &AddQuery{
			QueryId: query.queryId,
			UdfPath: query.udfPath,
			Args:    wireArgs(query.args),
			Journal: query.journal,
		})
	}

	self.authPending = false
	if self.authToken != nil {
		return self.SetAuth(*self.authToken)
	}
	return nil
}

// drains the queued query set deltas into a single outbound
// ModifyQuerySet, advancing the query set version. nil when there is
// nothing to send.
func (self *LocalState) FlushModifications() *ModifyQuerySetMessage {
	if len(self.pendingModifications) == 0 {
		return nil
	}
	baseVersion := self.querySetVersion
	self.querySetVersion += 1
	message := &ModifyQuerySetMessage{
		BaseVersion:   baseVersion,
		NewVersion:    self.querySetVersion,
		Modifications: self.pendingModifications,
	}
	self.pendingModifications = nil
	return message
}

// a full snapshot of the authoritative results, in subscription
// creation order. the overlay replaces its server view wholesale with
// this on every ingest.
func (self *LocalState) Snapshot() *QuerySnapshot {
	snapshot := NewQuerySnapshot()
	for _, token := range self.tokenOrder {
		query := self.queries[token]
		snapshot.Set(token, query.udfPath, query.args, query.result)
	}
	return snapshot
}
