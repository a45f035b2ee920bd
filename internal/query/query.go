// Package query translates read requests into version index lookups and
// value materialization through the event log.
package query

import (
	"context"
	"errors"

	"github.com/Julzz10110/temporal-db/internal/eventlog"
	"github.com/Julzz10110/temporal-db/internal/index"
	"github.com/Julzz10110/temporal-db/internal/temporal"
)

// staleRetries bounds how often a read re-resolves a stale reference. A
// reference only goes stale when a compaction drops its segment between index
// resolution and the fetch; by then the swapped index already holds the fresh
// reference, so one retry normally suffices.
const staleRetries = 4

// Engine resolves reads against the version index and fetches payloads from
// the event log. Reads take a consistent snapshot of a key's history and
// never block on writers, related or not.
type Engine struct {
	log *eventlog.Log
	idx *index.VersionIndex
}

// New creates a query engine over the given log and index.
func New(log *eventlog.Log, idx *index.VersionIndex) *Engine {
	return &Engine{log: log, idx: idx}
}

// AsOf returns the value of key as it existed at ts. Absence (a key that
// never existed, a timestamp before the first event, or a governing tombstone)
// is a normal (nil, false, nil) result, not an error.
func (e *Engine) AsOf(ctx context.Context, key []byte, ts temporal.Timestamp) ([]byte, bool, error) {
	return e.resolveAndFetch(ctx, func() (eventlog.EventRef, bool) {
		return e.idx.ResolveAsOf(key, ts)
	})
}

// Current returns the latest value of key, resolved in O(1) from the last
// index entry.
func (e *Engine) Current(ctx context.Context, key []byte) ([]byte, bool, error) {
	return e.resolveAndFetch(ctx, func() (eventlog.EventRef, bool) {
		return e.idx.ResolveCurrent(key)
	})
}

// resolveAndFetch runs resolve and fetches the payload, re-resolving when the
// reference went stale under a concurrent compaction.
func (e *Engine) resolveAndFetch(ctx context.Context, resolve func() (eventlog.EventRef, bool)) ([]byte, bool, error) {
	var err error
	for attempt := 0; attempt < staleRetries; attempt++ {
		ref, ok := resolve()
		if !ok {
			return nil, false, nil
		}

		var event eventlog.Event
		event, err = e.log.Fetch(ctx, ref)
		if err == nil {
			return event.Payload, true, nil
		}
		if !errors.Is(err, eventlog.ErrUnknownSegment) {
			return nil, false, err
		}
	}
	return nil, false, err
}

// History returns an iterator over every version of key with
// start <= timestamp <= end, ascending. Delete events surface as versions
// with a nil value so callers can tell "removed here" from "unchanged".
//
// The iterator holds a lease on the segments its versions live in, so a
// compaction committing mid-iteration never invalidates them; Close releases
// the lease.
func (e *Engine) History(ctx context.Context, key []byte, start, end temporal.Timestamp) *HistoryIterator {
	var err error
	for attempt := 0; attempt < staleRetries; attempt++ {
		entries := e.idx.EntriesInRange(key, start, end)
		if len(entries) == 0 {
			return &HistoryIterator{ctx: ctx, log: e.log, pos: -1}
		}

		var lease *eventlog.Lease
		lease, err = e.log.Acquire(segmentIDs(entries))
		if err == nil {
			return &HistoryIterator{ctx: ctx, log: e.log, entries: entries, lease: lease, pos: -1}
		}
		// A compaction swapped this history between the snapshot and the
		// acquire; take a fresh snapshot.
	}
	return &HistoryIterator{ctx: ctx, err: err, pos: -1}
}

// segmentIDs returns the distinct segments referenced by entries.
func segmentIDs(entries []index.Entry) []uint32 {
	seen := make(map[uint32]bool, 1)
	ids := make([]uint32, 0, 1)
	for _, entry := range entries {
		if !seen[entry.Ref.Segment] {
			seen[entry.Ref.Segment] = true
			ids = append(ids, entry.Ref.Segment)
		}
	}
	return ids
}

// HistoryIterator walks a key's versions in ascending (timestamp, seq) order.
// Payloads are fetched lazily, one version per Next call.
type HistoryIterator struct {
	ctx     context.Context
	log     *eventlog.Log
	entries []index.Entry
	lease   *eventlog.Lease

	pos   int
	value []byte
	err   error
}

// Next advances to the next version and reports whether one is available.
func (it *HistoryIterator) Next() bool {
	if it.err != nil || it.pos+1 >= len(it.entries) {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}
	it.pos++

	entry := it.entries[it.pos]
	if entry.Tombstone {
		it.value = nil
		return true
	}

	event, err := it.log.Fetch(it.ctx, entry.Ref)
	if err != nil {
		it.err = err
		return false
	}
	it.value = event.Payload
	return true
}

// Timestamp returns the current version's timestamp.
func (it *HistoryIterator) Timestamp() temporal.Timestamp {
	return it.entries[it.pos].Timestamp
}

// Seq returns the current version's sequence number.
func (it *HistoryIterator) Seq() uint64 {
	return it.entries[it.pos].Seq
}

// Value returns the current version's payload, or nil if the version is a
// tombstone.
func (it *HistoryIterator) Value() []byte {
	return it.value
}

// Tombstone reports whether the current version is a delete.
func (it *HistoryIterator) Tombstone() bool {
	return it.entries[it.pos].Tombstone
}

// Err returns the first error encountered while iterating, if any.
func (it *HistoryIterator) Err() error {
	return it.err
}

// Close releases the iterator's segment lease.
func (it *HistoryIterator) Close() error {
	if it.lease != nil {
		it.lease.Release()
	}
	it.entries = nil
	return nil
}
