package sync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTimestampWire(t *testing.T) {
	b, err := wireJson.Marshal(Timestamp(1))
	assert.Equal(t, nil, err)
	assert.Equal(t, `"AQAAAAAAAAA="`, string(b))

	var ts Timestamp
	err = wireJson.Unmarshal(b, &ts)
	assert.Equal(t, nil, err)
	assert.Equal(t, Timestamp(1), ts)

	// above 2^53 a json number would lose precision
	big := Timestamp(1<<62 + 12345)
	b, err = wireJson.Marshal(big)
	assert.Equal(t, nil, err)
	err = wireJson.Unmarshal(b, &ts)
	assert.Equal(t, nil, err)
	assert.Equal(t, big, ts)

	err = wireJson.Unmarshal([]byte(`1234`), &ts)
	assert.NotEqual(t, nil, err)
	// 4 bytes, not 8
	err = wireJson.Unmarshal([]byte(`"AQAAAA=="`), &ts)
	assert.NotEqual(t, nil, err)
}

func TestUdfPathCanonicalize(t *testing.T) {
	assert.Equal(t, UdfPath("listMessages:default"), UdfPath("listMessages").Canonicalize())
	assert.Equal(t, UdfPath("listMessages:default"), UdfPath("listMessages.js").Canonicalize())
	assert.Equal(t, UdfPath("messages:list"), UdfPath("messages:list").Canonicalize())
	assert.Equal(t, UdfPath("foo/bar:baz"), UdfPath("foo/bar.js:baz").Canonicalize())
}

func TestQueryToken(t *testing.T) {
	a := NewQueryToken("messages:list", map[string]any{"channel": "general", "limit": 10})
	b := NewQueryToken("messages:list", map[string]any{"limit": 10, "channel": "general"})
	assert.Equal(t, a, b)

	c := NewQueryToken("messages:list", map[string]any{"channel": "random"})
	assert.NotEqual(t, a, c)

	// two spellings of the default export share a token
	d := NewQueryToken("messages", nil)
	e := NewQueryToken("messages.js:default", nil)
	assert.Equal(t, d, e)
}

func TestEncodeClientMessage(t *testing.T) {
	sessionId := NewId()
	b := RequireEncodeClientMessage(&ConnectMessage{
		SessionId:       sessionId,
		ConnectionCount: 0,
		LastCloseReason: "InitialConnect",
	})

	var decoded map[string]any
	err := wireJson.Unmarshal(b, &decoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, "Connect", decoded["type"])
	assert.Equal(t, sessionId.String(), decoded["sessionId"])
	assert.Equal(t, "InitialConnect", decoded["lastCloseReason"])
	// omitted when the client has not observed a timestamp
	_, ok := decoded["maxObservedTimestamp"]
	assert.Equal(t, false, ok)

	b = RequireEncodeClientMessage(&ModifyQuerySetMessage{
		BaseVersion: 0,
		NewVersion:  1,
		Modifications: []QuerySetModification{
			&AddQuery{
				QueryId: 0,
				UdfPath: "messages:list",
				Args:    wireArgs(map[string]any{"channel": "general"}),
			},
			&RemoveQuery{
				QueryId: 7,
			},
		},
	})
	err = wireJson.Unmarshal(b, &decoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, "ModifyQuerySet", decoded["type"])
	modifications := decoded["modifications"].([]any)
	assert.Equal(t, 2, len(modifications))
	assert.Equal(t, "Add", modifications[0].(map[string]any)["type"])
	assert.Equal(t, "Remove", modifications[1].(map[string]any)["type"])
	// args are an array holding the single args object
	args := modifications[0].(map[string]any)["args"].([]any)
	assert.Equal(t, 1, len(args))

	b = RequireEncodeClientMessage(&MutationRequestMessage{
		RequestId: 1,
		UdfPath:   "messages:send",
		Args:      wireArgs(map[string]any{"body": "hi"}),
	})
	err = wireJson.Unmarshal(b, &decoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, "Mutation", decoded["type"])

	b = RequireEncodeClientMessage(&AuthenticateMessage{
		BaseVersion: 0,
		TokenType:   AuthTokenUser,
		Value:       "token-value",
	})
	err = wireJson.Unmarshal(b, &decoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, "Authenticate", decoded["type"])
	assert.Equal(t, "User", decoded["tokenType"])
}

func TestDecodeServerMessage(t *testing.T) {
	message := RequireDecodeServerMessage([]byte(`{
		"type": "Transition",
		"startVersion": {"querySet": 0, "ts": "AAAAAAAAAAA=", "identity": 0},
		"endVersion": {"querySet": 1, "ts": "AQAAAAAAAAA=", "identity": 0},
		"modifications": [
			{"type": "QueryUpdated", "queryId": 0, "value": ["a", "b"]},
			{"type": "QueryFailed", "queryId": 1, "errorMessage": "boom"},
			{"type": "QueryRemoved", "queryId": 2}
		]
	}`))
	transitionMessage, ok := message.(*TransitionMessage)
	assert.Equal(t, true, ok)
	assert.Equal(t, StateVersion{QuerySet: 1, Ts: 1, Identity: 0}, transitionMessage.EndVersion)
	assert.Equal(t, 3, len(transitionMessage.Modifications))
	updated := transitionMessage.Modifications[0].(*QueryUpdated)
	assert.Equal(t, QueryId(0), updated.QueryId)
	failed := transitionMessage.Modifications[1].(*QueryFailed)
	assert.Equal(t, "boom", failed.ErrorMessage)
	removed := transitionMessage.Modifications[2].(*QueryRemoved)
	assert.Equal(t, QueryId(2), removed.QueryId)

	message = RequireDecodeServerMessage([]byte(`{
		"type": "MutationResponse",
		"requestId": 3,
		"success": true,
		"result": 42,
		"ts": "CgAAAAAAAAA="
	}`))
	mutationResponse, ok := message.(*MutationResponseMessage)
	assert.Equal(t, true, ok)
	assert.Equal(t, RequestId(3), mutationResponse.RequestId)
	assert.Equal(t, true, mutationResponse.Success)
	assert.Equal(t, Timestamp(10), *mutationResponse.Ts)

	message = RequireDecodeServerMessage([]byte(`{"type": "Ping"}`))
	_, ok = message.(*PingMessage)
	assert.Equal(t, true, ok)

	_, err := DecodeServerMessage([]byte(`{"type": "Bogus"}`))
	assert.NotEqual(t, nil, err)
	_, ok = err.(*ProtocolError)
	assert.Equal(t, true, ok)

	// an unknown modification inside a transition is also fatal
	_, err = DecodeServerMessage([]byte(`{
		"type": "Transition",
		"startVersion": {"querySet": 0, "ts": "AAAAAAAAAAA=", "identity": 0},
		"endVersion": {"querySet": 0, "ts": "AQAAAAAAAAA=", "identity": 0},
		"modifications": [{"type": "Bogus"}]
	}`))
	assert.NotEqual(t, nil, err)
}

func TestWireRoundTrip(t *testing.T) {
	journal := "journal-blob"
	original := &TransitionMessage{
		StartVersion: StateVersion{QuerySet: 1, Ts: 100, Identity: 0},
		EndVersion:   StateVersion{QuerySet: 2, Ts: 200, Identity: 1},
		Modifications: StateModifications{
			&QueryUpdated{
				QueryId: 5,
				Value:   "hello",
				Journal: &journal,
			},
		},
	}
	original.Type = "Transition"
	b, err := wireJson.Marshal(original)
	assert.Equal(t, nil, err)

	message := RequireDecodeServerMessage(b)
	decoded := message.(*TransitionMessage)
	assert.Equal(t, original.StartVersion, decoded.StartVersion)
	assert.Equal(t, original.EndVersion, decoded.EndVersion)
	updated := decoded.Modifications[0].(*QueryUpdated)
	assert.Equal(t, "hello", updated.Value)
	assert.Equal(t, "journal-blob", *updated.Journal)
}
