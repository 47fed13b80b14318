package sync

import (
	"reflect"

	"github.com/golang/glog"
)

// overlays not-yet-confirmed local mutations on top of the server's
// authoritative query results.
//
// the overlay is a pure function of (server snapshot, ordered pending
// update list): every ingest replaces the server view wholesale and
// replays the surviving updates in issuance order against a transient
// copy. update functions must be pure with respect to their LocalStore
// reads and writes. they are replayed arbitrarily many times.

// the read/write capability handed to an optimistic update function.
// writes touch only the transient overlay, never the server results.
type LocalStore interface {
	// the current overlay value, or (nil, false) while loading,
	// failed, or untracked
	GetQuery(udfPath UdfPath, args map[string]any) (any, bool)
	// every tracked args variant for a function, in tracking order
	GetAllQueries(udfPath UdfPath) []TrackedQuery
	// a nil value forces the query to loading, which is how a
	// ui-visible pending state is modeled
	SetQuery(udfPath UdfPath, args map[string]any, value any)
}

type TrackedQuery struct {
	Args   map[string]any
	Value  any
	Loaded bool
}

type OptimisticUpdate func(store LocalStore)

type snapshotEntry struct {
	token   QueryToken
	udfPath UdfPath
	args    map[string]any
	result  QueryResult
}

// an insertion-ordered map of query results. map iteration order is
// not stable in go, and changed-token reporting must be, so the order
// is explicit.
type QuerySnapshot struct {
	tokenOrder []QueryToken
	entries    map[QueryToken]*snapshotEntry
}

func NewQuerySnapshot() *QuerySnapshot {
	return &QuerySnapshot{
		entries: map[QueryToken]*snapshotEntry{},
	}
}

func (self *QuerySnapshot) Set(token QueryToken, udfPath UdfPath, args map[string]any, result QueryResult) {
	if entry, ok := self.entries[token]; ok {
		entry.result = result
		return
	}
	self.entries[token] = &snapshotEntry{
		token:   token,
		udfPath: udfPath.Canonicalize(),
		args:    args,
		result:  result,
	}
	self.tokenOrder = append(self.tokenOrder, token)
}

func (self *QuerySnapshot) Get(token QueryToken) (QueryResult, bool) {
	entry, ok := self.entries[token]
	if !ok {
		return QueryResult{}, false
	}
	return entry.result, true
}

func (self *QuerySnapshot) Len() int {
	return len(self.entries)
}

// tokens in insertion order
func (self *QuerySnapshot) Tokens() []QueryToken {
	tokens := make([]QueryToken, len(self.tokenOrder))
	copy(tokens, self.tokenOrder)
	return tokens
}

func (self *QuerySnapshot) clone() *QuerySnapshot {
	out := NewQuerySnapshot()
	for _, token := range self.tokenOrder {
		entry := self.entries[token]
		out.Set(token, entry.udfPath, entry.args, entry.result)
	}
	return out
}

type pendingUpdate struct {
	mutationId RequestId
	apply      OptimisticUpdate
}

type OptimisticQueryResults struct {
	serverResults *QuerySnapshot
	// serverResults with pendingUpdates replayed on top
	overlay        *QuerySnapshot
	pendingUpdates []*pendingUpdate
}

func NewOptimisticQueryResults() *OptimisticQueryResults {
	return &OptimisticQueryResults{
		serverResults: NewQuerySnapshot(),
		overlay:       NewQuerySnapshot(),
	}
}

// replaces the server view, drops the named updates, and replays the
// rest in issuance order. returns every token whose overlay value
// differs from its value immediately before the call, in snapshot
// order with vanished tokens appended.
func (self *OptimisticQueryResults) IngestQueryResultsFromServer(
	newServerResults *QuerySnapshot,
	droppedMutationIds []RequestId,
) []QueryToken {
	dropped := map[RequestId]bool{}
	for _, mutationId := range droppedMutationIds {
		dropped[mutationId] = true
	}
	remaining := make([]*pendingUpdate, 0, len(self.pendingUpdates))
	for _, update := range self.pendingUpdates {
		if !dropped[update.mutationId] {
			remaining = append(remaining, update)
		}
	}

	before := self.overlay
	self.serverResults = newServerResults
	self.pendingUpdates = remaining
	self.overlay = self.replay(newServerResults)

	return changedTokens(before, self.overlay)
}

// replays the pending updates against a transient copy of
// serverResults. the copy is constructed and discarded per call, never
// retained as ambient state. an update that panics is dropped from the
// pending list and the remainder keeps replaying.
func (self *OptimisticQueryResults) replay(serverResults *QuerySnapshot) *QuerySnapshot {
	overlay := serverResults.clone()
	surviving := make([]*pendingUpdate, 0, len(self.pendingUpdates))
	for _, update := range self.pendingUpdates {
		if self.replayOne(overlay, update) {
			surviving = append(surviving, update)
		}
	}
	self.pendingUpdates = surviving
	return overlay
}

func (self *OptimisticQueryResults) replayOne(overlay *QuerySnapshot, update *pendingUpdate) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[o]dropped panicked update %d = %v\n", update.mutationId, r)
			ok = false
		}
	}()
	store := &overlayStore{
		overlay: overlay,
	}
	update.apply(store)
	return true
}

// registers an update and executes it once against the current
// overlay. returns exactly the tokens this call's SetQuery touched, in
// write order.
func (self *OptimisticQueryResults) ApplyOptimisticUpdate(
	update OptimisticUpdate,
	mutationId RequestId,
) []QueryToken {
	pending := &pendingUpdate{
		mutationId: mutationId,
		apply:      update,
	}
	self.pendingUpdates = append(self.pendingUpdates, pending)

	store := &overlayStore{
		overlay: self.overlay,
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				glog.Infof("[o]dropped panicked update %d = %v\n", mutationId, r)
				self.pendingUpdates = self.pendingUpdates[:len(self.pendingUpdates)-1]
			}
		}()
		update(store)
	}()
	return store.written
}

// the current overlay value for a token.
// (nil, false, nil) while loading or untracked. a failure returns the
// reconstructed server error.
func (self *OptimisticQueryResults) QueryResult(token QueryToken) (any, bool, error) {
	result, ok := self.overlay.Get(token)
	if !ok {
		return nil, false, nil
	}
	return result.Get()
}

func (self *OptimisticQueryResults) RawQueryResult(token QueryToken) (QueryResult, bool) {
	return self.overlay.Get(token)
}

func (self *OptimisticQueryResults) HasPendingUpdates() bool {
	return 0 < len(self.pendingUpdates)
}

// a LocalStore view over one overlay snapshot
type overlayStore struct {
	overlay *QuerySnapshot
	written []QueryToken
}

func (self *overlayStore) GetQuery(udfPath UdfPath, args map[string]any) (any, bool) {
	result, ok := self.overlay.Get(NewQueryToken(udfPath, args))
	if !ok {
		return nil, false
	}
	value, loaded, err := result.Get()
	if err != nil || !loaded {
		return nil, false
	}
	return value, true
}

func (self *overlayStore) GetAllQueries(udfPath UdfPath) []TrackedQuery {
	canonical := udfPath.Canonicalize()
	tracked := []TrackedQuery{}
	for _, token := range self.overlay.tokenOrder {
		entry := self.overlay.entries[token]
		if entry.udfPath != canonical {
			continue
		}
		value, loaded, err := entry.result.Get()
		if err != nil {
			loaded = false
			value = nil
		}
		tracked = append(tracked, TrackedQuery{
			Args:   entry.args,
			Value:  value,
			Loaded: loaded,
		})
	}
	return tracked
}

func (self *overlayStore) SetQuery(udfPath UdfPath, args map[string]any, value any) {
	token := NewQueryToken(udfPath, args)
	result := LoadingResult()
	if value != nil {
		result = SuccessResult(value)
	}
	self.overlay.Set(token, udfPath, args, result)
	for _, writtenToken := range self.written {
		if writtenToken == token {
			return
		}
	}
	self.written = append(self.written, token)
}

func changedTokens(before *QuerySnapshot, after *QuerySnapshot) []QueryToken {
	changed := []QueryToken{}
	for _, token := range after.tokenOrder {
		afterResult, _ := after.Get(token)
		beforeResult, ok := before.Get(token)
		if !ok || !resultsEqual(beforeResult, afterResult) {
			changed = append(changed, token)
		}
	}
	// tokens that vanished also changed
	for _, token := range before.tokenOrder {
		if _, ok := after.Get(token); !ok {
			changed = append(changed, token)
		}
	}
	return changed
}

// value identity over decoded json trees
func resultsEqual(a QueryResult, b QueryResult) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case resultSuccess:
		return reflect.DeepEqual(a.value, b.value)
	case resultFailure:
		return a.errorMessage == b.errorMessage && reflect.DeepEqual(a.errorData, b.errorData)
	default:
		return true
	}
}
