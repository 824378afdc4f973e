package common

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ActorID identifies a single writer (process, session, or device) that
// may append changes to a document. It is backed by a UUID v7 so that
// actor ids sort roughly in creation order, matching how the rest of the
// ecosystem (SessionID-style identifiers) mint opaque ids.
type ActorID uuid.UUID

// NewActorID creates a new ActorID using UUID v7.
func NewActorID() ActorID {
	id, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("failed to create ActorID: %v", err))
	}
	return ActorID(id)
}

// String returns the string representation of the ActorID.
func (a ActorID) String() string {
	return uuid.UUID(a).String()
}

// Compare returns -1, 0, or 1 comparing two ActorIDs lexicographically.
func (a ActorID) Compare(other ActorID) int {
	for i := 0; i < 16; i++ {
		if a[i] < other[i] {
			return -1
		}
		if a[i] > other[i] {
			return 1
		}
	}
	return 0
}

// IsZero reports whether this is the zero ActorID, used to identify the
// well-known root object.
func (a ActorID) IsZero() bool {
	return a == ActorID{}
}

// MarshalJSON implements json.Marshaler.
func (a ActorID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(a).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *ActorID) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("actor id must be a string: %w", err)
	}
	u, err := uuid.Parse(str)
	if err != nil {
		return fmt.Errorf("invalid actor id: %w", err)
	}
	*a = ActorID(u)
	return nil
}

// DocID identifies a document. Like ActorID it is a UUID, but the two
// types are kept distinct so a document id can never be mistaken for an
// actor id at the type level.
type DocID uuid.UUID

// NewDocID creates a new, randomly generated DocID.
func NewDocID() DocID {
	id, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("failed to create DocID: %v", err))
	}
	return DocID(id)
}

func (d DocID) String() string {
	return uuid.UUID(d).String()
}

// OpID is a Lamport timestamp: a monotonically increasing per-actor
// counter paired with the actor that minted it. OpIDs are totally
// ordered by (Counter, Actor), counter dominant — the order used
// throughout the materialiser to pick Lamport-max winners.
type OpID struct {
	Counter uint64  `json:"ctr"`
	Actor   ActorID `json:"actor"`
}

// RootID is the well-known zero OpID that identifies the implicit root
// map object every document starts with.
var RootID = OpID{}

// IsRoot reports whether this OpID is the well-known root object id.
func (id OpID) IsRoot() bool {
	return id.Counter == 0 && id.Actor.IsZero()
}

// Compare orders two OpIDs: counter dominates, actor id breaks ties.
// Returns -1, 0, or 1.
func (id OpID) Compare(other OpID) int {
	if id.Counter < other.Counter {
		return -1
	}
	if id.Counter > other.Counter {
		return 1
	}
	return id.Actor.Compare(other.Actor)
}

// Less reports whether id sorts before other in Lamport order.
func (id OpID) Less(other OpID) bool {
	return id.Compare(other) < 0
}

func (id OpID) String() string {
	return fmt.Sprintf("%d@%s", id.Counter, id.Actor.String())
}

// ChangeHash is the SHA-256 content hash of a change's canonical encoding.
// Changes reference their dependencies by hash, forming the causal DAG.
type ChangeHash [32]byte

// HashBytes computes the ChangeHash of a canonical byte encoding.
func HashBytes(b []byte) ChangeHash {
	return ChangeHash(sha256.Sum256(b))
}

func (h ChangeHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash (used as a sentinel for
// "no dependency").
func (h ChangeHash) IsZero() bool {
	return h == ChangeHash{}
}

func (h ChangeHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *ChangeHash) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("change hash must be a string: %w", err)
	}
	raw, err := hex.DecodeString(str)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("invalid change hash %q", str)
	}
	copy(h[:], raw)
	return nil
}

// ObjType identifies the kind of composite object an OpID's MakeXxx
// operation instantiated.
type ObjType string

const (
	ObjTypeMap  ObjType = "map"
	ObjTypeList ObjType = "list"
	ObjTypeText ObjType = "text"
)

// ScalarType identifies the kind of scalar value carried by a Set/Insert
// operation's Value field.
type ScalarType string

const (
	ScalarNull    ScalarType = "null"
	ScalarBool    ScalarType = "bool"
	ScalarInt     ScalarType = "int"
	ScalarFloat   ScalarType = "float"
	ScalarString  ScalarType = "string"
	ScalarBytes   ScalarType = "bytes"
	ScalarCounter ScalarType = "counter"
)

// Action identifies what an Operation does. This is the full action set
// named in the specification: object creation, scalar assignment,
// deletion, sequence insertion, numeric increment, and text mark.
type Action string

const (
	ActionMakeMap  Action = "makeMap"
	ActionMakeList Action = "makeList"
	ActionMakeText Action = "makeText"
	ActionSet      Action = "set"
	ActionDel      Action = "del"
	ActionIns      Action = "ins"
	ActionInc      Action = "inc"
	ActionMark     Action = "mark"
)

// ExpandPolicy controls whether a text mark's range grows to include
// characters inserted at its boundaries.
type ExpandPolicy string

const (
	ExpandNone   ExpandPolicy = "none"
	ExpandBefore ExpandPolicy = "before"
	ExpandAfter  ExpandPolicy = "after"
	ExpandBoth   ExpandPolicy = "both"
)

// EncodingFormat names a document or change serialization.
type EncodingFormat string

const (
	EncodingFormatJSON   EncodingFormat = "json"
	EncodingFormatBinary EncodingFormat = "binary"
)
