package sync

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	jsoniter "github.com/json-iterator/go"
)

// the codec json is configured for stable map key order,
// which the query token canonicalization relies on
var wireJson = jsoniter.ConfigCompatibleWithStandardLibrary

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// a logical timestamp from the server's commit log.
// json numbers are not safe above 2^53, and timestamps use the full
// 64-bit range, so on the wire a timestamp is the base64 of its
// 8-byte little-endian encoding rather than a json number.
type Timestamp uint64

func (self Timestamp) MarshalJSON() ([]byte, error) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(self))
	encoded := base64.StdEncoding.EncodeToString(b[:])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encoded)
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Timestamp) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("timestamp must be a base64 string: %s", string(src))
	}
	b, err := base64.StdEncoding.DecodeString(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	if len(b) != 8 {
		return fmt.Errorf("timestamp must be 8 bytes: %d", len(b))
	}
	*self = Timestamp(binary.LittleEndian.Uint64(b))
	return nil
}

// identifies a query within the current query set version.
// server-scoped and ephemeral. ids can be reused by the server after a
// removal is confirmed, which is why local identity is the query token.
type QueryId uint32

// version of the requested query set. advances by one on each outbound
// ModifyQuerySet message.
type QuerySetVersion uint32

// version of the requested identity. advances by one on each outbound
// Authenticate message.
type IdentityVersion uint32

// the version triple of the synchronized state.
// strictly non-decreasing over a session
type StateVersion struct {
	QuerySet QuerySetVersion `json:"querySet"`
	Ts       Timestamp       `json:"ts"`
	Identity IdentityVersion `json:"identity"`
}

func (self StateVersion) String() string {
	return fmt.Sprintf("v(%d,%d,%d)", self.QuerySet, self.Ts, self.Identity)
}

// `path.to.module:export`. the default export is normalized to an
// explicit `:default` so that two spellings of the same function
// produce the same query token
type UdfPath string

func (self UdfPath) Canonicalize() UdfPath {
	path := string(self)
	if module, found := strings.CutSuffix(path, ".js"); found {
		path = module
	}
	if !strings.Contains(path, ":") {
		path = path + ":default"
	}
	return UdfPath(path)
}

// the stable identity of a (function, args) pair, independent of
// server-assigned query id churn
type QueryToken string

func NewQueryToken(udfPath UdfPath, args map[string]any) QueryToken {
	if args == nil {
		args = map[string]any{}
	}
	// map keys serialize in sorted order, so equal args give equal tokens
	argsJson, err := wireJson.Marshal(args)
	if err != nil {
		panic(err)
	}
	return QueryToken(fmt.Sprintf("%s|%s", udfPath.Canonicalize(), string(argsJson)))
}

// an opaque continuation token for paginated queries.
// stored per query token and echoed back verbatim on the next add for
// that token, including across reconnects
type QueryJournal = *string

// an error returned by a function on the server
type ServerError struct {
	Message string
	// structured application error payload, when the function threw one
	Data any
}

func (self *ServerError) Error() string {
	return self.Message
}

// the result of a query, mutation, or action
type FunctionResult struct {
	Value any
	Err   *ServerError
}

func ValueResult(value any) FunctionResult {
	return FunctionResult{
		Value: value,
	}
}

func ErrorResult(message string, errorData any) FunctionResult {
	return FunctionResult{
		Err: &ServerError{
			Message: message,
			Data:    errorData,
		},
	}
}

const (
	resultLoading = iota
	resultSuccess
	resultFailure
)

// the tracked state of one query: loading (no result yet), a value, or
// an error
type QueryResult struct {
	kind         int
	value        any
	errorMessage string
	errorData    any
}

func LoadingResult() QueryResult {
	return QueryResult{
		kind: resultLoading,
	}
}

func SuccessResult(value any) QueryResult {
	return QueryResult{
		kind:  resultSuccess,
		value: value,
	}
}

func FailureResult(errorMessage string, errorData any) QueryResult {
	return QueryResult{
		kind:         resultFailure,
		errorMessage: errorMessage,
		errorData:    errorData,
	}
}

func (self QueryResult) IsLoading() bool {
	return self.kind == resultLoading
}

// (value, loaded, err). while loading, (nil, false, nil).
// a failed query returns its reconstructed server error.
func (self QueryResult) Get() (any, bool, error) {
	switch self.kind {
	case resultSuccess:
		return self.value, true, nil
	case resultFailure:
		return nil, false, &ServerError{
			Message: self.errorMessage,
			Data:    self.errorData,
		}
	default:
		return nil, false, nil
	}
}

func (self QueryResult) String() string {
	switch self.kind {
	case resultSuccess:
		return fmt.Sprintf("success(%v)", self.value)
	case resultFailure:
		return fmt.Sprintf("failure(%s)", self.errorMessage)
	default:
		return "loading"
	}
}
