package replicant

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// A replicant is a named, schema-validated, optionally persistent piece of
// state that is observed on the server and replicated in real time to any
// number of connected clients. Mutations in any context serialize to a stream
// of ordered operations, broadcast to every other context subscribed to the
// same namespace, and applied locally to reconstruct an identical value tree.
//
// The (namespace, name) pair is the primary key. Namespaces partition the
// persistence store and the broadcast rooms.

const DefaultPersistenceIntervalMillis = 100

// events on the wire

const (
	EventDeclare    = "replicant:declare"
	EventPropose    = "replicant:proposeOperations"
	EventRead       = "replicant:read"
	EventOperations = "replicant:operations"
)

// reject reasons carried in declare/propose replies

const (
	RejectSchemaMismatch   = "schema-mismatch"
	RejectRevisionMismatch = "revision-mismatch"
	RejectValueInvalid     = "value-invalid"
)

// Options declares a replicant. The server ignores SchemaPath when it arrives
// over the wire; schemas are server owned.
type Options struct {
	DefaultValue any `json:"defaultValue,omitempty"`
	// Persistent defaults to true when nil.
	Persistent *bool `json:"persistent,omitempty"`
	// PersistenceIntervalMillis is the minimum wall clock gap between
	// snapshot writes. Zero means the replicator's
	// ReplicatorSettings.PersistenceInterval.
	PersistenceIntervalMillis int64  `json:"persistenceInterval,omitempty"`
	SchemaPath                string `json:"schemaPath,omitempty"`
}

func (self *Options) IsPersistent() bool {
	if self.Persistent == nil {
		return true
	}
	return *self.Persistent
}

type DeclareRequest struct {
	Name      string  `json:"name"`
	Namespace string  `json:"namespace"`
	Opts      Options `json:"opts"`
}

type DeclareResponse struct {
	Value        any            `json:"value"`
	Revision     int64          `json:"revision"`
	Schema       map[string]any `json:"schema,omitempty"`
	SchemaSum    string         `json:"schemaSum,omitempty"`
	RejectReason string         `json:"rejectReason,omitempty"`
}

type ProposeRequest struct {
	Name       string      `json:"name"`
	Namespace  string      `json:"namespace"`
	Operations []Operation `json:"operations"`
	Opts       Options     `json:"opts"`
	Revision   int64       `json:"revision"`
	SchemaSum  string      `json:"schemaSum,omitempty"`
}

// ProposeResponse mirrors DeclareResponse. A propose reply always carries the
// authoritative value and revision so a rejected proposer can reconcile
// without another round trip.
type ProposeResponse = DeclareResponse

type ReadRequest struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

type OperationsBroadcast struct {
	Name       string      `json:"name"`
	Namespace  string      `json:"namespace"`
	Revision   int64       `json:"revision"`
	Operations []Operation `json:"operations"`
}

// RoomName returns the broadcast room for a namespace.
func RoomName(namespace string) string {
	return fmt.Sprintf("replicant:%s", namespace)
}

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

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
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
		// assume invalid.
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

// normalizeValue round trips a value through JSON so that every tree in the
// engine uses the same shapes (map[string]any, []any, float64, string, bool,
// nil). Functions, channels, host objects and cyclic graphs fail here with
// ErrValueInvalid.
func normalizeValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValueInvalid, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValueInvalid, err)
	}
	return out, nil
}
