// Package db assembles the temporal store: the append-only event log, the
// per-key version index, the query engine, and the compactor, behind the
// public engine interface.
package db

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/Julzz10110/temporal-db/internal/compact"
	"github.com/Julzz10110/temporal-db/internal/eventlog"
	"github.com/Julzz10110/temporal-db/internal/index"
	"github.com/Julzz10110/temporal-db/internal/metrics"
	"github.com/Julzz10110/temporal-db/internal/query"
	"github.com/Julzz10110/temporal-db/internal/temporal"
)

// ErrEmptyKey is returned for operations on an empty key.
var ErrEmptyKey = errors.New("empty key")

// writeStripes is the number of per-key write locks. Writes to the same key
// are serialized; writes to keys on different stripes proceed in parallel.
const writeStripes = 128

// Options configures a DB.
type Options struct {
	// DataDir holds the segment files for the file backend. Ignored by the
	// memory backend.
	DataDir string

	// Backend selects persistence: "memory" or "file".
	Backend string

	// SyncOnAppend fsyncs the file backend after every append.
	SyncOnAppend bool

	// Logger receives structured engine logs; defaults to slog.Default.
	Logger *slog.Logger
}

// DB is the temporal key-value store. Every mutation is recorded as an
// immutable timestamped event; reads reconstruct the value of a key as of any
// past instant. Safe for concurrent use.
type DB struct {
	log       *eventlog.Log
	idx       *index.VersionIndex
	queries   *query.Engine
	compactor *compact.Compactor
	clock     *temporal.Clock
	logger    *slog.Logger

	writeLocks [writeStripes]sync.Mutex
}

// Open opens (or creates) a store. With the file backend, existing segments
// are reopened and the version index is rebuilt by replaying the log.
func Open(ctx context.Context, opts Options) (*DB, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	segments, factory, err := openSegments(opts)
	if err != nil {
		return nil, err
	}

	log, err := eventlog.Open(ctx, segments, factory)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	idx := index.New()
	if err := idx.RebuildFromLog(ctx, log); err != nil {
		log.Close()
		return nil, fmt.Errorf("rebuild index: %w", err)
	}

	db := &DB{
		log:       log,
		idx:       idx,
		queries:   query.New(log, idx),
		compactor: compact.New(log, idx, logger),
		clock:     temporal.NewClock(),
		logger:    logger,
	}

	metrics.LogSegments.Set(float64(log.SegmentCount()))
	metrics.IndexedKeys.Set(float64(idx.KeyCount()))

	logger.Info("store opened",
		"backend", opts.Backend,
		"last_seq", log.LastSeq(),
		"keys", idx.KeyCount(),
	)
	return db, nil
}

func (db *DB) stripe(key []byte) *sync.Mutex {
	h := fnv.New32a()
	h.Write(key)
	return &db.writeLocks[h.Sum32()%writeStripes]
}

// Now returns a timestamp from the store's clock, ordered after every
// timestamp the store has observed.
func (db *DB) Now() temporal.Timestamp {
	return db.clock.Now()
}

// Insert records a Put event for key at ts. A zero ts is replaced by the
// store clock. Append and index update for a key happen as one atomic unit;
// concurrent writers to the same key are serialized, writers to other keys
// are not.
func (db *DB) Insert(ctx context.Context, key, value []byte, ts temporal.Timestamp) error {
	return db.append(ctx, key, value, ts, eventlog.KindPut)
}

// Delete records a tombstone for key at ts: the key resolves to no value from
// ts until a later Put. Deleting an absent key is not an error.
func (db *DB) Delete(ctx context.Context, key []byte, ts temporal.Timestamp) error {
	return db.append(ctx, key, nil, ts, eventlog.KindDelete)
}

func (db *DB) append(ctx context.Context, key, value []byte, ts temporal.Timestamp, kind eventlog.Kind) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if ts.IsZero() {
		ts = db.clock.Now()
	}

	mu := db.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	// Cancellation is only honored before the commit point; once the backend
	// confirms the append, the index update always follows, so a cancelled
	// call never leaves a committed event unindexed.
	if err := ctx.Err(); err != nil {
		return err
	}

	// The index record runs inside the log's seal barrier: a compaction that
	// seals the segment this event landed in has its index entry in view when
	// it computes survivors.
	_, _, err := db.log.AppendWith(ctx, key, value, ts, kind, func(e eventlog.Event, ref eventlog.EventRef) {
		db.clock.Observe(ts)
		db.idx.Record(e.Key, e.Timestamp, e.Seq, ref, e.Tombstone())
	})
	if err != nil {
		metrics.AppendFailuresTotal.Inc()
		return err
	}

	metrics.AppendsTotal.WithLabelValues(kindLabel(kind)).Inc()
	metrics.IndexedKeys.Set(float64(db.idx.KeyCount()))
	return nil
}

// Pair is one key-value mutation in a batch insert.
type Pair struct {
	Key   []byte
	Value []byte
}

// InsertMany records a Put for every pair at ts, stopping at the first
// failure. Pairs already appended stay committed.
func (db *DB) InsertMany(ctx context.Context, pairs []Pair, ts temporal.Timestamp) error {
	for _, p := range pairs {
		if err := db.Insert(ctx, p.Key, p.Value, ts); err != nil {
			return err
		}
	}
	return nil
}

// QueryAsOf returns the value of key as it existed at ts. Absence is a normal
// (nil, false, nil) result: a key that never existed, a timestamp before the
// key's first event, or a governing tombstone all resolve to no value.
func (db *DB) QueryAsOf(ctx context.Context, key []byte, ts temporal.Timestamp) ([]byte, bool, error) {
	defer db.observeQuery("as_of", time.Now())
	return db.queries.AsOf(ctx, key, ts)
}

// QueryCurrent returns the latest value of key.
func (db *DB) QueryCurrent(ctx context.Context, key []byte) ([]byte, bool, error) {
	defer db.observeQuery("current", time.Now())
	return db.queries.Current(ctx, key)
}

// QueryHistory returns an iterator over every version of key with
// start <= timestamp <= end in ascending order. Deletes surface as versions
// with a nil value. History fetches lazily across Next calls, so only the
// query count is recorded, not a duration.
func (db *DB) QueryHistory(ctx context.Context, key []byte, start, end temporal.Timestamp) *query.HistoryIterator {
	metrics.QueriesTotal.WithLabelValues("history").Inc()
	return db.queries.History(ctx, key, start, end)
}

func (db *DB) observeQuery(kind string, started time.Time) {
	metrics.QueriesTotal.WithLabelValues(kind).Inc()
	metrics.QueryDurationSeconds.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// Compact removes history below the retention horizon while preserving every
// as-of result for timestamps at or after it.
func (db *DB) Compact(ctx context.Context, horizon temporal.Timestamp) error {
	stats, err := db.compactor.Compact(ctx, horizon)
	if err != nil {
		metrics.CompactionsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.CompactionsTotal.WithLabelValues("ok").Inc()
	metrics.EventsCompactedTotal.Add(float64(stats.EventsDropped))
	metrics.LogSegments.Set(float64(db.log.SegmentCount()))
	return nil
}

// CompactorState returns the compactor's current state.
func (db *DB) CompactorState() compact.State {
	return db.compactor.State()
}

// Rebuild discards the version index and reconstructs it from the event log.
// Exposed for integrity verification; Open does this automatically.
func (db *DB) Rebuild(ctx context.Context) error {
	return db.idx.RebuildFromLog(ctx, db.log)
}

// LastSeq returns the last assigned sequence number.
func (db *DB) LastSeq() uint64 {
	return db.log.LastSeq()
}

// Flush forces buffered log writes to stable storage.
func (db *DB) Flush() error {
	return db.log.Flush()
}

// Close flushes and closes the store.
func (db *DB) Close() error {
	if err := db.log.Flush(); err != nil {
		db.logger.Warn("flush on close failed", "error", err)
	}
	return db.log.Close()
}

func kindLabel(kind eventlog.Kind) string {
	if kind == eventlog.KindDelete {
		return "delete"
	}
	return "put"
}
