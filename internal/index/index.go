// Package index maintains the per-key version index: for every key, an
// ordered history of event references enabling O(log n) as-of resolution.
//
// The index is derived state. It can always be reconstructed by replaying the
// event log, so it is not the durability boundary; the log is.
package index

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Julzz10110/temporal-db/internal/eventlog"
	"github.com/Julzz10110/temporal-db/internal/temporal"
)

// Entry is one version of a key: an event reference ordered by
// (timestamp, sequence number).
type Entry struct {
	Timestamp temporal.Timestamp
	Seq       uint64
	Ref       eventlog.EventRef
	Tombstone bool
}

// history holds the ordered versions of a single key. Writers serialize on
// mu; readers load the entries slice atomically and never block. Entry slices
// are copy-on-write: a published slice is never mutated.
type history struct {
	mu      sync.Mutex
	entries atomic.Value // []Entry, ascending by (Timestamp, Seq)
}

func (h *history) snapshot() []Entry {
	if v := h.entries.Load(); v != nil {
		return v.([]Entry)
	}
	return nil
}

// VersionIndex maps keys to their ordered version histories.
type VersionIndex struct {
	mu   sync.RWMutex
	keys map[string]*history
}

// New creates an empty version index.
func New() *VersionIndex {
	return &VersionIndex{keys: make(map[string]*history)}
}

func (ix *VersionIndex) getHistory(key []byte) (*history, bool) {
	ix.mu.RLock()
	h, ok := ix.keys[string(key)]
	ix.mu.RUnlock()
	return h, ok
}

func (ix *VersionIndex) getOrCreateHistory(key []byte) *history {
	if h, ok := ix.getHistory(key); ok {
		return h
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if h, ok := ix.keys[string(key)]; ok {
		return h
	}
	h := &history{}
	ix.keys[string(key)] = h
	return h
}

// search returns the insertion point for (ts, seq) in entries: the index of
// the first entry ordering strictly after it.
func search(entries []Entry, ts temporal.Timestamp, seq uint64) int {
	return sort.Search(len(entries), func(i int) bool {
		if c := entries[i].Timestamp.Compare(ts); c != 0 {
			return c > 0
		}
		return entries[i].Seq > seq
	})
}

// Record inserts an entry into the key's history, keeping the sequence
// ordered by (timestamp, seq) even when timestamps arrive out of order
// relative to other keys. Recording the same sequence number twice is a no-op,
// which makes replay-based rebuilds idempotent.
func (ix *VersionIndex) Record(key []byte, ts temporal.Timestamp, seq uint64, ref eventlog.EventRef, tombstone bool) {
	h := ix.getOrCreateHistory(key)

	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.snapshot()
	at := search(entries, ts, seq)
	if at > 0 && entries[at-1].Timestamp.Compare(ts) == 0 && entries[at-1].Seq == seq {
		return // already recorded
	}

	entry := Entry{Timestamp: ts, Seq: seq, Ref: ref, Tombstone: tombstone}
	next := make([]Entry, 0, len(entries)+1)
	next = append(next, entries[:at]...)
	next = append(next, entry)
	next = append(next, entries[at:]...)
	h.entries.Store(next)
}

// ResolveAsOf returns the reference of the event with the greatest
// (timestamp, seq) at or before ts. A tombstone resolves to no value, as does
// a timestamp earlier than the key's first event or a key that never existed.
func (ix *VersionIndex) ResolveAsOf(key []byte, ts temporal.Timestamp) (eventlog.EventRef, bool) {
	entry, ok := ix.EntryAsOf(key, ts)
	if !ok || entry.Tombstone {
		return eventlog.EventRef{}, false
	}
	return entry.Ref, true
}

// EntryAsOf is ResolveAsOf without the tombstone filtering: it returns the
// raw index entry governing ts, tombstone or not.
func (ix *VersionIndex) EntryAsOf(key []byte, ts temporal.Timestamp) (Entry, bool) {
	h, ok := ix.getHistory(key)
	if !ok {
		return Entry{}, false
	}

	entries := h.snapshot()
	// The entry governing ts is the last one at or before it; on a timestamp
	// tie the highest sequence number wins (last write observed at that
	// instant), which the sort order gives us for free.
	at := sort.Search(len(entries), func(i int) bool {
		return ts.Less(entries[i].Timestamp)
	})
	if at == 0 {
		return Entry{}, false
	}
	return entries[at-1], true
}

// ResolveCurrent returns the reference of the key's latest version: the last
// entry of its history, without a timestamp search.
func (ix *VersionIndex) ResolveCurrent(key []byte) (eventlog.EventRef, bool) {
	h, ok := ix.getHistory(key)
	if !ok {
		return eventlog.EventRef{}, false
	}
	entries := h.snapshot()
	if len(entries) == 0 || entries[len(entries)-1].Tombstone {
		return eventlog.EventRef{}, false
	}
	return entries[len(entries)-1].Ref, true
}

// Entries returns a consistent snapshot of the key's history in ascending
// (timestamp, seq) order. The returned slice must not be modified.
func (ix *VersionIndex) Entries(key []byte) []Entry {
	h, ok := ix.getHistory(key)
	if !ok {
		return nil
	}
	return h.snapshot()
}

// EntriesInRange returns the key's entries with start <= timestamp <= end.
func (ix *VersionIndex) EntriesInRange(key []byte, start, end temporal.Timestamp) []Entry {
	entries := ix.Entries(key)

	lo := sort.Search(len(entries), func(i int) bool {
		return !entries[i].Timestamp.Less(start)
	})
	hi := sort.Search(len(entries), func(i int) bool {
		return end.Less(entries[i].Timestamp)
	})
	if lo >= hi {
		return nil
	}
	return entries[lo:hi]
}

// Bounds returns the first and last timestamps recorded for the key.
func (ix *VersionIndex) Bounds(key []byte) (first, last temporal.Timestamp, ok bool) {
	entries := ix.Entries(key)
	if len(entries) == 0 {
		return temporal.Timestamp{}, temporal.Timestamp{}, false
	}
	return entries[0].Timestamp, entries[len(entries)-1].Timestamp, true
}

// Rewrite atomically replaces the key's history with fn(current). fn runs
// under the key's write lock, so entries recorded concurrently with a
// compaction are observed by fn and never lost. fn must return a slice
// ascending in (timestamp, seq) and must not retain or mutate its argument.
// Readers see either the old or the new history, never a mix.
func (ix *VersionIndex) Rewrite(key []byte, fn func(entries []Entry) []Entry) {
	h, ok := ix.getHistory(key)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries.Store(fn(h.snapshot()))
}

// ForEachKey calls fn for every indexed key. The key set is snapshotted up
// front; fn runs without index locks held.
func (ix *VersionIndex) ForEachKey(fn func(key []byte) error) error {
	ix.mu.RLock()
	keys := make([]string, 0, len(ix.keys))
	for k := range ix.keys {
		keys = append(keys, k)
	}
	ix.mu.RUnlock()

	for _, k := range keys {
		if err := fn([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

// KeyCount returns the number of indexed keys.
func (ix *VersionIndex) KeyCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.keys)
}

// RebuildFromLog clears the index and replays the entire event log in append
// order. Replay is deterministic: the same log always produces the same
// index. A decode error halts the rebuild and surfaces as ErrCorruption.
func (ix *VersionIndex) RebuildFromLog(ctx context.Context, log *eventlog.Log) error {
	ix.mu.Lock()
	ix.keys = make(map[string]*history)
	ix.mu.Unlock()

	sc := log.ScanFrom(ctx, 0)
	defer sc.Close()
	for sc.Next() {
		e := sc.Event()
		ix.Record(e.Key, e.Timestamp, e.Seq, sc.Ref(), e.Tombstone())
	}
	return sc.Err()
}
