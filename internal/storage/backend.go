package storage

import "context"

// Position identifies a record within a backend. Positions are stable for the
// lifetime of the backend and are never reused.
type Position int64

// Backend represents the raw persistence layer beneath the event log. A
// backend stores opaque records in append order; it knows nothing about event
// encoding. Implementations must be safe for concurrent use.
type Backend interface {
	// AppendRaw durably stores a record and returns its position. The record
	// is not considered committed until AppendRaw returns without error.
	AppendRaw(ctx context.Context, record []byte) (Position, error)

	// ReadRaw returns the record stored at the given position.
	ReadRaw(ctx context.Context, pos Position) ([]byte, error)

	// Scan returns an iterator over records at or after the given position,
	// in append order.
	Scan(ctx context.Context, from Position) RecordIterator

	// Flush forces buffered writes to stable storage.
	Flush() error

	// Close releases resources held by the backend.
	Close() error
}

// RecordIterator iterates over raw records in append order.
type RecordIterator interface {
	// Next advances the iterator and reports whether a record is available.
	Next() bool

	// Position returns the position of the current record.
	Position() Position

	// Record returns the current record bytes. The returned slice must not be
	// modified by the caller.
	Record() []byte

	// Err returns the first error encountered while scanning, if any.
	Err() error

	// Close releases resources held by the iterator.
	Close() error
}
