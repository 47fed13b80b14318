package sync

import (
	"encoding/json"
	"fmt"
)

// json message envelope for the sync protocol. one object per frame,
// discriminated by a `type` tag. the tag sets are closed: an
// unrecognized tag on decode is a protocol violation, never a
// recoverable condition, and surfaces as a *ProtocolError so the
// transport can tear the connection down.

// a fatal protocol violation. not locally recoverable; the transport
// must reconnect and restart the query set.
type ProtocolError struct {
	Reason string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", self.Reason)
}

type ClientMessage interface {
	isClientMessage()
}

type ConnectMessage struct {
	Type            string `json:"type"`
	SessionId       Id     `json:"sessionId"`
	ConnectionCount int    `json:"connectionCount"`
	LastCloseReason string `json:"lastCloseReason"`
	// the greatest timestamp this client has observed, so that a new
	// server instance does not serve it an older view
	MaxObservedTimestamp *Timestamp `json:"maxObservedTimestamp,omitempty"`
}

type AuthenticateMessage struct {
	Type        string          `json:"type"`
	BaseVersion IdentityVersion `json:"baseVersion"`
	TokenType   string          `json:"tokenType"`
	Value       string          `json:"value,omitempty"`
}

type ModifyQuerySetMessage struct {
	Type          string                 `json:"type"`
	BaseVersion   QuerySetVersion        `json:"baseVersion"`
	NewVersion    QuerySetVersion        `json:"newVersion"`
	Modifications []QuerySetModification `json:"modifications"`
}

type MutationRequestMessage struct {
	Type      string    `json:"type"`
	RequestId RequestId `json:"requestId"`
	UdfPath   UdfPath   `json:"udfPath"`
	Args      []any     `json:"args"`
}

type ActionRequestMessage struct {
	Type      string    `json:"type"`
	RequestId RequestId `json:"requestId"`
	UdfPath   UdfPath   `json:"udfPath"`
	Args      []any     `json:"args"`
}

type EventMessage struct {
	Type      string `json:"type"`
	EventType string `json:"eventType"`
	Event     any    `json:"event"`
}

func (self *ConnectMessage) isClientMessage()         {}
func (self *AuthenticateMessage) isClientMessage()    {}
func (self *ModifyQuerySetMessage) isClientMessage()  {}
func (self *MutationRequestMessage) isClientMessage() {}
func (self *ActionRequestMessage) isClientMessage()   {}
func (self *EventMessage) isClientMessage()           {}

type QuerySetModification interface {
	isQuerySetModification()
}

type AddQuery struct {
	Type    string       `json:"type"`
	QueryId QueryId      `json:"queryId"`
	UdfPath UdfPath      `json:"udfPath"`
	Args    []any        `json:"args"`
	Journal QueryJournal `json:"journal,omitempty"`
}

type RemoveQuery struct {
	Type    string  `json:"type"`
	QueryId QueryId `json:"queryId"`
}

func (self *AddQuery) isQuerySetModification()    {}
func (self *RemoveQuery) isQuerySetModification() {}

type ServerMessage interface {
	isServerMessage()
}

type TransitionMessage struct {
	Type          string             `json:"type"`
	StartVersion  StateVersion       `json:"startVersion"`
	EndVersion    StateVersion       `json:"endVersion"`
	Modifications StateModifications `json:"modifications"`
}

type MutationResponseMessage struct {
	Type      string     `json:"type"`
	RequestId RequestId  `json:"requestId"`
	Success   bool       `json:"success"`
	Result    any        `json:"result"`
	Ts        *Timestamp `json:"ts,omitempty"`
	ErrorData any        `json:"errorData,omitempty"`
	LogLines  []string   `json:"logLines,omitempty"`
}

type ActionResponseMessage struct {
	Type      string    `json:"type"`
	RequestId RequestId `json:"requestId"`
	Success   bool      `json:"success"`
	Result    any       `json:"result"`
	ErrorData any       `json:"errorData,omitempty"`
	LogLines  []string  `json:"logLines,omitempty"`
}

type FatalErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type AuthErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	// the identity base version the failed Authenticate carried, when
	// the server includes it
	BaseVersion         *IdentityVersion `json:"baseVersion,omitempty"`
	AuthUpdateAttempted bool             `json:"authUpdateAttempted,omitempty"`
}

type PingMessage struct {
	Type string `json:"type"`
}

func (self *TransitionMessage) isServerMessage()       {}
func (self *MutationResponseMessage) isServerMessage() {}
func (self *ActionResponseMessage) isServerMessage()   {}
func (self *FatalErrorMessage) isServerMessage()       {}
func (self *AuthErrorMessage) isServerMessage()        {}
func (self *PingMessage) isServerMessage()             {}

type StateModification interface {
	isStateModification()
}

type QueryUpdated struct {
	Type     string       `json:"type"`
	QueryId  QueryId      `json:"queryId"`
	Value    any          `json:"value"`
	Journal  QueryJournal `json:"journal,omitempty"`
	LogLines []string     `json:"logLines,omitempty"`
}

type QueryFailed struct {
	Type         string       `json:"type"`
	QueryId      QueryId      `json:"queryId"`
	ErrorMessage string       `json:"errorMessage"`
	ErrorData    any          `json:"errorData,omitempty"`
	Journal      QueryJournal `json:"journal,omitempty"`
	LogLines     []string     `json:"logLines,omitempty"`
}

type QueryRemoved struct {
	Type    string  `json:"type"`
	QueryId QueryId `json:"queryId"`
}

func (self *QueryUpdated) isStateModification() {}
func (self *QueryFailed) isStateModification()  {}
func (self *QueryRemoved) isStateModification() {}

type StateModifications []StateModification

func (self StateModifications) MarshalJSON() ([]byte, error) {
	for _, modification := range self {
		switch v := modification.(type) {
		case *QueryUpdated:
			v.Type = "QueryUpdated"
		case *QueryFailed:
			v.Type = "QueryFailed"
		case *QueryRemoved:
			v.Type = "QueryRemoved"
		default:
			return nil, fmt.Errorf("Unknown modification type: %T", v)
		}
	}
	return wireJson.Marshal([]StateModification(self))
}

func (self *StateModifications) UnmarshalJSON(src []byte) error {
	var raws []json.RawMessage
	if err := wireJson.Unmarshal(src, &raws); err != nil {
		return err
	}
	modifications := make([]StateModification, 0, len(raws))
	for _, raw := range raws {
		var envelope struct {
			Type string `json:"type"`
		}
		if err := wireJson.Unmarshal(raw, &envelope); err != nil {
			return err
		}
		var modification StateModification
		switch envelope.Type {
		case "QueryUpdated":
			modification = &QueryUpdated{}
		case "QueryFailed":
			modification = &QueryFailed{}
		case "QueryRemoved":
			modification = &QueryRemoved{}
		default:
			return &ProtocolError{
				Reason: fmt.Sprintf("unknown modification type: %s", envelope.Type),
			}
		}
		if err := wireJson.Unmarshal(raw, modification); err != nil {
			return err
		}
		modifications = append(modifications, modification)
	}
	*self = modifications
	return nil
}

func EncodeClientMessage(message ClientMessage) ([]byte, error) {
	switch v := message.(type) {
	case *ConnectMessage:
		v.Type = "Connect"
	case *AuthenticateMessage:
		v.Type = "Authenticate"
	case *ModifyQuerySetMessage:
		v.Type = "ModifyQuerySet"
		for _, modification := range v.Modifications {
			switch m := modification.(type) {
			case *AddQuery:
				m.Type = "Add"
			case *RemoveQuery:
				m.Type = "Remove"
			default:
				return nil, fmt.Errorf("Unknown modification type: %T", m)
			}
		}
	case *MutationRequestMessage:
		v.Type = "Mutation"
	case *ActionRequestMessage:
		v.Type = "Action"
	case *EventMessage:
		v.Type = "Event"
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	return wireJson.Marshal(message)
}

func RequireEncodeClientMessage(message ClientMessage) []byte {
	b, err := EncodeClientMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeServerMessage(b []byte) (ServerMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := wireJson.Unmarshal(b, &envelope); err != nil {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("malformed frame: %s", err),
		}
	}
	var message ServerMessage
	switch envelope.Type {
	case "Transition":
		message = &TransitionMessage{}
	case "MutationResponse":
		message = &MutationResponseMessage{}
	case "ActionResponse":
		message = &ActionResponseMessage{}
	case "FatalError":
		message = &FatalErrorMessage{}
	case "AuthError":
		message = &AuthErrorMessage{}
	case "Ping":
		message = &PingMessage{}
	default:
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("unknown message type: %s", envelope.Type),
		}
	}
	if err := wireJson.Unmarshal(b, message); err != nil {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("malformed %s: %s", envelope.Type, err),
		}
	}
	return message, nil
}

func RequireDecodeServerMessage(b []byte) ServerMessage {
	message, err := DecodeServerMessage(b)
	if err != nil {
		panic(err)
	}
	return message
}

// wire args are an array holding the single args object
func wireArgs(args map[string]any) []any {
	if args == nil {
		args = map[string]any{}
	}
	return []any{args}
}
