// Package compact bounds history growth by rewriting the event log's sealed
// segments, preserving every as-of result at or after the retention horizon.
package compact

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Julzz10110/temporal-db/internal/eventlog"
	"github.com/Julzz10110/temporal-db/internal/index"
	"github.com/Julzz10110/temporal-db/internal/temporal"
)

// State is the compactor's position in its Idle -> Scanning -> Rewriting ->
// Idle cycle.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateRewriting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	case StateRewriting:
		return "REWRITING"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// Stats summarizes one compaction run.
type Stats struct {
	KeysScanned    int
	EventsRetained int
	EventsDropped  int
}

// Compactor rewrites the log and index consistently. The caller decides when
// to compact (schedule or size threshold); only one compaction runs at a time.
type Compactor struct {
	log    *eventlog.Log
	idx    *index.VersionIndex
	logger *slog.Logger

	mu    sync.Mutex
	state atomic.Int32
}

// New creates a compactor over the given log and index.
func New(log *eventlog.Log, idx *index.VersionIndex, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{log: log, idx: idx, logger: logger}
}

// State returns the compactor's current state.
func (c *Compactor) State() State {
	return State(c.state.Load())
}

// Compact removes history below the retention horizon. For each key, every
// event strictly older than the horizon that is superseded by a later
// pre-horizon event is dropped; the single most recent pre-horizon event
// survives as the snapshot anchoring as-of queries at or after the horizon.
// A pre-horizon tombstone anchor is dropped too: with or without it, any
// query at or after the horizon resolves to no value until the next Put.
// Events at or after the horizon are never touched.
//
// Index swaps are per key and atomic: readers see the pre- or post-compaction
// history, never a mix. If rewriting fails partway, the run aborts to the
// previous consistent state; sealed segments are only dropped after every
// affected index entry points into the new segment.
func (c *Compactor) Compact(ctx context.Context, horizon temporal.Timestamp) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.state.Store(int32(StateIdle))

	c.state.Store(int32(StateScanning))

	comp, err := c.log.BeginCompaction(ctx)
	if err != nil {
		return Stats{}, err
	}

	sealed := make(map[uint32]bool, len(comp.Sealed()))
	for _, id := range comp.Sealed() {
		sealed[id] = true
	}

	// Pass 1: decide survivors from the index. rewrite holds the sequence
	// numbers of surviving events that live in sealed segments and therefore
	// need copying.
	var stats Stats
	rewrite := make(map[uint64]bool)
	keys := make([][]byte, 0, c.idx.KeyCount())

	err = c.idx.ForEachKey(func(key []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys = append(keys, key)
		stats.KeysScanned++

		for _, entry := range c.survivors(key, horizon) {
			if sealed[entry.Ref.Segment] {
				rewrite[entry.Seq] = true
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, c.abort(comp, err)
	}

	// Pass 2: collect the surviving events from the sealed segments.
	survivors := make([]survivor, 0, len(rewrite))
	sc := comp.Scan(ctx)
	for sc.Next() {
		e := sc.Event()
		if rewrite[e.Seq] {
			survivors = append(survivors, survivor{event: e})
		} else {
			stats.EventsDropped++
		}
	}
	if err := sc.Err(); err != nil {
		sc.Close()
		return Stats{}, c.abort(comp, err)
	}
	sc.Close()

	// Keep the compacted segment in sequence order regardless of the
	// physical interleaving across sealed segments.
	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].event.Seq < survivors[j].event.Seq
	})

	c.state.Store(int32(StateRewriting))

	newRefs := make(map[uint64]eventlog.EventRef, len(survivors))
	for _, s := range survivors {
		ref, err := comp.Append(ctx, s.event)
		if err != nil {
			return Stats{}, c.abort(comp, err)
		}
		newRefs[s.event.Seq] = ref
		stats.EventsRetained++
	}

	if err := comp.Publish(); err != nil {
		return Stats{}, c.abort(comp, err)
	}

	// Swap each key's history to the new references. The rewrite function
	// sees entries recorded concurrently with this compaction (they live in
	// the active segment) and keeps them untouched.
	for _, key := range keys {
		c.idx.Rewrite(key, func(entries []index.Entry) []index.Entry {
			next := make([]index.Entry, 0, len(entries))
			for _, entry := range entries {
				if !sealed[entry.Ref.Segment] {
					next = append(next, entry)
					continue
				}
				ref, kept := newRefs[entry.Seq]
				if !kept {
					continue
				}
				entry.Ref = ref
				next = append(next, entry)
			}
			return next
		})
	}

	if err := comp.Commit(); err != nil {
		// The swap already completed; the log and index are consistent, only
		// the old segment cleanup failed.
		c.logger.Warn("compaction cleanup failed", "error", err)
	}

	c.logger.Info("compaction finished",
		"horizon", horizon.String(),
		"keys", stats.KeysScanned,
		"retained", stats.EventsRetained,
		"dropped", stats.EventsDropped,
	)
	return stats, nil
}

type survivor struct {
	event eventlog.Event
}

// survivors returns the key's index entries that must outlive a compaction at
// the given horizon: everything at or after the horizon, plus the most recent
// pre-horizon Put as the as-of anchor.
func (c *Compactor) survivors(key []byte, horizon temporal.Timestamp) []index.Entry {
	entries := c.idx.Entries(key)

	// First entry at or after the horizon.
	cut := sort.Search(len(entries), func(i int) bool {
		return !entries[i].Timestamp.Less(horizon)
	})

	keep := make([]index.Entry, 0, len(entries)-cut+1)
	if cut > 0 && !entries[cut-1].Tombstone {
		keep = append(keep, entries[cut-1])
	}
	keep = append(keep, entries[cut:]...)
	return keep
}

func (c *Compactor) abort(comp *eventlog.Compaction, cause error) error {
	if err := comp.Abort(); err != nil {
		c.logger.Warn("compaction abort cleanup failed", "error", err)
	}
	return cause
}
