package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend implements a simple in-memory backend. Positions are indexes
// into the record slice.
type MemoryBackend struct {
	mu      sync.RWMutex
	records [][]byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// AppendRaw stores a copy of the record and returns its position.
func (b *MemoryBackend) AppendRaw(ctx context.Context, record []byte) (Position, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	buf := make([]byte, len(record))
	copy(buf, record)
	b.records = append(b.records, buf)
	return Position(len(b.records) - 1), nil
}

// ReadRaw returns the record stored at the given position.
func (b *MemoryBackend) ReadRaw(ctx context.Context, pos Position) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if pos < 0 || int(pos) >= len(b.records) {
		return nil, fmt.Errorf("position %d out of range", pos)
	}
	return b.records[pos], nil
}

// Scan returns an iterator over records at or after the given position.
func (b *MemoryBackend) Scan(ctx context.Context, from Position) RecordIterator {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Snapshot the slice header; stored records are never mutated.
	records := b.records
	if from < 0 {
		from = 0
	}
	return &memoryIterator{records: records, pos: int(from) - 1}
}

// Flush is a no-op for the in-memory backend.
func (b *MemoryBackend) Flush() error {
	return nil
}

// Close is a no-op for the in-memory backend.
func (b *MemoryBackend) Close() error {
	return nil
}

// Len returns the number of stored records.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

type memoryIterator struct {
	records [][]byte
	pos     int
}

func (it *memoryIterator) Next() bool {
	if it.pos+1 >= len(it.records) {
		return false
	}
	it.pos++
	return true
}

func (it *memoryIterator) Position() Position {
	return Position(it.pos)
}

func (it *memoryIterator) Record() []byte {
	return it.records[it.pos]
}

func (it *memoryIterator) Err() error {
	return nil
}

func (it *memoryIterator) Close() error {
	return nil
}
