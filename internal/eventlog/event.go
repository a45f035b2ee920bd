package eventlog

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/Julzz10110/temporal-db/internal/storage"
	"github.com/Julzz10110/temporal-db/internal/temporal"
)

// Kind discriminates mutation events.
type Kind byte

const (
	// KindPut records a new value for a key.
	KindPut Kind = 1
	// KindDelete records a tombstone marking the key absent.
	KindDelete Kind = 2
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPut:
		return "PUT"
	case KindDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("KIND(%d)", byte(k))
	}
}

// Event is an immutable mutation record. Once appended to the log an event is
// never modified; the compactor may physically remove superseded events under
// its documented policy.
type Event struct {
	// ID uniquely identifies the event for audit trails.
	ID uuid.UUID
	// Key is the opaque, byte-comparable key the event mutates.
	Key []byte
	// Payload holds the value for a Put; nil for a Delete.
	Payload []byte
	// Timestamp orders the event within its key's history.
	Timestamp temporal.Timestamp
	// Seq is the process-wide sequence number assigned at append time. It is
	// strictly increasing, never reused, and breaks timestamp ties.
	Seq uint64
	// Kind is Put or Delete.
	Kind Kind
}

// Tombstone reports whether the event marks the key deleted.
func (e Event) Tombstone() bool {
	return e.Kind == KindDelete
}

// EventRef locates an event inside the log: the segment holding it plus its
// position within that segment's backend. References stay valid until the
// compactor drops the segment, which only happens after every index entry
// pointing into it has been rewritten.
type EventRef struct {
	Segment  uint32
	Position storage.Position
}

// Encoded event layout (all integers big-endian):
//
//	| Seq     | Kind   | WallTime | Logical | ID       | KeyLen  | Key     | ValueLen | Value   |
//	| 8 bytes | 1 byte | 8 bytes  | 4 bytes | 16 bytes | 4 bytes | K bytes | 4 bytes  | V bytes |
//
// The storage backend adds its own length and checksum framing around this.
const (
	seqBytes      = 8
	kindBytes     = 1
	wallTimeBytes = 8
	logicalBytes  = 4
	idBytes       = 16
	lenFieldBytes = 4

	fixedHeaderBytes = seqBytes + kindBytes + wallTimeBytes + logicalBytes + idBytes
	minEncodedBytes  = fixedHeaderBytes + 2*lenFieldBytes
)

// encodeEvent serializes an event for the storage backend.
func encodeEvent(e Event) []byte {
	buf := make([]byte, 0, minEncodedBytes+len(e.Key)+len(e.Payload))

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], e.Seq)
	buf = append(buf, u64[:]...)

	buf = append(buf, byte(e.Kind))

	binary.BigEndian.PutUint64(u64[:], uint64(e.Timestamp.WallTime))
	buf = append(buf, u64[:]...)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(e.Timestamp.Logical))
	buf = append(buf, u32[:]...)

	buf = append(buf, e.ID[:]...)

	binary.BigEndian.PutUint32(u32[:], uint32(len(e.Key)))
	buf = append(buf, u32[:]...)
	buf = append(buf, e.Key...)

	binary.BigEndian.PutUint32(u32[:], uint32(len(e.Payload)))
	buf = append(buf, u32[:]...)
	buf = append(buf, e.Payload...)

	return buf
}

// decodeEvent deserializes an event record produced by encodeEvent.
func decodeEvent(data []byte) (Event, error) {
	if len(data) < minEncodedBytes {
		return Event{}, fmt.Errorf("%w: record of %d bytes below minimum %d", ErrCorruption, len(data), minEncodedBytes)
	}

	var e Event
	pos := 0

	e.Seq = binary.BigEndian.Uint64(data[pos : pos+seqBytes])
	pos += seqBytes

	e.Kind = Kind(data[pos])
	if e.Kind != KindPut && e.Kind != KindDelete {
		return Event{}, fmt.Errorf("%w: invalid event kind %d", ErrCorruption, data[pos])
	}
	pos += kindBytes

	e.Timestamp.WallTime = int64(binary.BigEndian.Uint64(data[pos : pos+wallTimeBytes]))
	pos += wallTimeBytes
	e.Timestamp.Logical = int32(binary.BigEndian.Uint32(data[pos : pos+logicalBytes]))
	pos += logicalBytes

	copy(e.ID[:], data[pos:pos+idBytes])
	pos += idBytes

	keyLen := binary.BigEndian.Uint32(data[pos : pos+lenFieldBytes])
	pos += lenFieldBytes
	if pos+int(keyLen)+lenFieldBytes > len(data) {
		return Event{}, fmt.Errorf("%w: key length %d exceeds record bounds", ErrCorruption, keyLen)
	}
	e.Key = make([]byte, keyLen)
	copy(e.Key, data[pos:pos+int(keyLen)])
	pos += int(keyLen)

	valueLen := binary.BigEndian.Uint32(data[pos : pos+lenFieldBytes])
	pos += lenFieldBytes
	if pos+int(valueLen) != len(data) {
		return Event{}, fmt.Errorf("%w: value length %d does not match record bounds", ErrCorruption, valueLen)
	}
	if e.Kind == KindPut {
		e.Payload = make([]byte, valueLen)
		copy(e.Payload, data[pos:pos+int(valueLen)])
	}

	return e, nil
}
