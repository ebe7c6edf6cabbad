package storage

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Errors surfaced to the command layer. The server maps these onto RESP
// error replies, so the messages carry the exact Redis wording.
var (
	// ErrWrongType indicates an operation against a key holding another type
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

	// ErrStreamIDTooSmall indicates an XADD id not above the stream's top item
	ErrStreamIDTooSmall = errors.New("The ID specified in XADD is equal or smaller than the target stream top item")

	// ErrStreamIDZero indicates the reserved 0-0 stream id
	ErrStreamIDZero = errors.New("The ID specified in XADD must be greater than 0-0")

	// ErrInvalidStreamID indicates an unparsable stream id
	ErrInvalidStreamID = errors.New("Invalid stream ID specified as stream command argument")
)

// ValueType represents the data type held by a key
type ValueType int

const (
	ValueTypeNone ValueType = iota
	ValueTypeString
	ValueTypeStream
)

// String returns the Redis-compatible type name
func (vt ValueType) String() string {
	switch vt {
	case ValueTypeString:
		return "string"
	case ValueTypeStream:
		return "stream"
	default:
		return "none"
	}
}

// Value represents a stored value with metadata
type Value struct {
	Type   ValueType
	Data   interface{}
	Expiry *time.Time
}

// IsExpired returns true if the value has expired
func (v *Value) IsExpired() bool {
	return v.Expiry != nil && time.Now().After(*v.Expiry)
}

// StringValue represents a string value
type StringValue struct {
	Data []byte
}

// StreamValue represents a stream value. Entries are kept in insertion
// order, which is also strictly increasing id order.
type StreamValue struct {
	Entries []StreamEntry
	LastID  StreamID
}

// StreamEntry represents a single stream entry
type StreamEntry struct {
	ID     StreamID
	Fields []FieldPair
}

// FieldPair is one field/value pair of a stream entry, order-preserving
type FieldPair struct {
	Field []byte
	Value []byte
}

// StreamID identifies a stream entry. Ordering is lexicographic on
// (Ms, Seq).
type StreamID struct {
	Ms  uint64
	Seq uint64
}

// Compare returns -1, 0 or 1 comparing id against other
func (id StreamID) Compare(other StreamID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether id is the reserved 0-0 id
func (id StreamID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// String renders the id in the <ms>-<seq> wire form
func (id StreamID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// IDSpecKind selects how XADD assigns the entry id
type IDSpecKind int

const (
	// IDAuto is "*": both ms and seq are server-assigned
	IDAuto IDSpecKind = iota
	// IDAutoSeq is "<ms>-*": ms is explicit, seq is server-assigned
	IDAutoSeq
	// IDExplicit is "<ms>-<seq>"
	IDExplicit
)

// IDSpec is a parsed XADD id argument
type IDSpec struct {
	Kind IDSpecKind
	Ms   uint64
	Seq  uint64
}

// ParseIDSpec parses an XADD id argument: "*", "<ms>-*" or "<ms>-<seq>"
func ParseIDSpec(s string) (IDSpec, error) {
	if s == "*" {
		return IDSpec{Kind: IDAuto}, nil
	}

	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		ms, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return IDSpec{}, ErrInvalidStreamID
		}
		return IDSpec{Kind: IDExplicit, Ms: ms, Seq: 0}, nil
	}

	ms, err := strconv.ParseUint(s[:dash], 10, 64)
	if err != nil {
		return IDSpec{}, ErrInvalidStreamID
	}

	rest := s[dash+1:]
	if rest == "*" {
		return IDSpec{Kind: IDAutoSeq, Ms: ms}, nil
	}

	seq, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return IDSpec{}, ErrInvalidStreamID
	}
	return IDSpec{Kind: IDExplicit, Ms: ms, Seq: seq}, nil
}

// ParseRangeStart parses an XRANGE start bound: "-", "<ms>" or "<ms>-<seq>".
// A bare ms means ms-0.
func ParseRangeStart(s string) (StreamID, error) {
	if s == "-" {
		return StreamID{}, nil
	}
	return parseRangeBound(s, 0)
}

// ParseRangeEnd parses an XRANGE end bound: "+", "<ms>" or "<ms>-<seq>".
// A bare ms means ms with the maximum sequence.
func ParseRangeEnd(s string) (StreamID, error) {
	if s == "+" {
		return StreamID{Ms: math.MaxUint64, Seq: math.MaxUint64}, nil
	}
	return parseRangeBound(s, math.MaxUint64)
}

func parseRangeBound(s string, defaultSeq uint64) (StreamID, error) {
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		ms, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return StreamID{}, ErrInvalidStreamID
		}
		return StreamID{Ms: ms, Seq: defaultSeq}, nil
	}

	ms, err := strconv.ParseUint(s[:dash], 10, 64)
	if err != nil {
		return StreamID{}, ErrInvalidStreamID
	}
	seq, err := strconv.ParseUint(s[dash+1:], 10, 64)
	if err != nil {
		return StreamID{}, ErrInvalidStreamID
	}
	return StreamID{Ms: ms, Seq: seq}, nil
}

// StringRecord is one string key as seen by snapshot iteration
type StringRecord struct {
	Key    string
	Value  []byte
	Expiry *time.Time
}

func (r StringRecord) String() string {
	return fmt.Sprintf("%s=%s", r.Key, r.Value)
}
