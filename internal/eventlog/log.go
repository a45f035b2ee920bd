package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Julzz10110/temporal-db/internal/storage"
	"github.com/Julzz10110/temporal-db/internal/temporal"
)

// SegmentFactory creates the backend for a new log segment. Implementations
// choose where the segment lives (memory, file, remote).
type SegmentFactory func(id uint32) (storage.Backend, error)

// Segment pairs a segment id with its backend, used to reopen an existing log.
type Segment struct {
	ID      uint32
	Backend storage.Backend
}

// segment is a live or retired log segment. pins counts the readers currently
// holding it; a retired segment stays readable until the last pin is released,
// at which point it is physically removed.
type segment struct {
	id      uint32
	backend storage.Backend
	pins    int
	retired bool
}

// Log is the append-only event log: the single source of truth for all
// mutations. It is organized as an ordered list of segments; appends go to the
// last (active) segment, compaction rewrites the sealed segments before it.
//
// Sequence numbers are assigned from a single process-wide atomic counter,
// recovered from the stored events on open and never reused, even across
// restarts. Acquiring the next sequence number is the only synchronization
// shared across keys; the backend write itself proceeds in parallel.
type Log struct {
	factory SegmentFactory

	// seq holds the last assigned sequence number.
	seq atomic.Uint64

	// appendMu is held shared by appends and exclusively while sealing the
	// active segment, so a sealed segment can never receive a late write and
	// every event in a sealed segment has run its commit callback.
	appendMu sync.RWMutex

	mu       sync.RWMutex
	segments map[uint32]*segment
	order    []uint32 // scan order; the last entry is the active segment
	nextID   uint32
}

// Open assembles a log from existing segments (in scan order; the last one
// becomes the active segment) and recovers the sequence counter by scanning
// them. With no segments, a fresh active segment is created via the factory.
func Open(ctx context.Context, segments []Segment, factory SegmentFactory) (*Log, error) {
	l := &Log{
		factory:  factory,
		segments: make(map[uint32]*segment),
	}

	for _, seg := range segments {
		l.segments[seg.ID] = &segment{id: seg.ID, backend: seg.Backend}
		l.order = append(l.order, seg.ID)
		if seg.ID >= l.nextID {
			l.nextID = seg.ID + 1
		}
	}

	if len(l.order) == 0 {
		if _, err := l.addSegment(); err != nil {
			return nil, err
		}
	}

	last, err := l.recoverSeq(ctx)
	if err != nil {
		return nil, err
	}
	l.seq.Store(last)
	return l, nil
}

// recoverSeq scans every segment for the highest stored sequence number.
func (l *Log) recoverSeq(ctx context.Context) (uint64, error) {
	var last uint64
	sc := l.ScanFrom(ctx, 0)
	defer sc.Close()
	for sc.Next() {
		if sc.Event().Seq > last {
			last = sc.Event().Seq
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return last, nil
}

// addSegment creates and registers a new segment as the active one.
// Caller must hold no locks.
func (l *Log) addSegment() (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addSegmentLocked()
}

func (l *Log) addSegmentLocked() (uint32, error) {
	id := l.nextID
	backend, err := l.factory(id)
	if err != nil {
		return 0, fmt.Errorf("%w: create segment %d: %v", ErrStorage, id, err)
	}
	l.nextID++
	l.segments[id] = &segment{id: id, backend: backend}
	l.order = append(l.order, id)
	return id, nil
}

// acquire pins the segment so it stays readable until release, even if a
// compaction retires it in the meantime.
func (l *Log) acquire(id uint32) (*segment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.segments[id]
	if !ok {
		return nil, fmt.Errorf("%w: segment %d", ErrUnknownSegment, id)
	}
	s.pins++
	return s, nil
}

// release unpins s. The last release of a retired segment physically removes
// it.
func (l *Log) release(s *segment) {
	l.mu.Lock()
	s.pins--
	drop := s.retired && s.pins == 0
	if drop {
		delete(l.segments, s.id)
	}
	l.mu.Unlock()
	if drop {
		_ = removeBackend(s.backend)
	}
}

// Lease pins a set of segments for a long-lived reader such as a history
// iterator. Pinned segments stay readable across compactions; a retired
// segment is only physically removed once every lease on it is released.
type Lease struct {
	log      *Log
	segments []*segment
	once     sync.Once
}

// Acquire pins every listed segment, or none when any of them is gone (the
// caller then re-resolves its references against the index and retries).
func (l *Log) Acquire(ids []uint32) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segs := make([]*segment, 0, len(ids))
	for _, id := range ids {
		s, ok := l.segments[id]
		if !ok {
			return nil, fmt.Errorf("%w: segment %d", ErrUnknownSegment, id)
		}
		segs = append(segs, s)
	}
	for _, s := range segs {
		s.pins++
	}
	return &Lease{log: l, segments: segs}, nil
}

// Release unpins the lease's segments. Safe to call more than once.
func (le *Lease) Release() {
	le.once.Do(func() {
		for _, s := range le.segments {
			le.log.release(s)
		}
	})
}

// Append assigns the next sequence number, persists the event through the
// active segment's backend, and returns the committed event and its
// reference. The event is not committed until the backend confirms the write;
// a failed or cancelled append burns its sequence number but leaves no
// partial state.
func (l *Log) Append(ctx context.Context, key, payload []byte, ts temporal.Timestamp, kind Kind) (Event, EventRef, error) {
	return l.AppendWith(ctx, key, payload, ts, kind, nil)
}

// AppendWith appends like Append and, once the backend confirms the write,
// invokes commit with the committed event and its reference before releasing
// the seal barrier. Sealing waits for in-flight AppendWith calls, so every
// event in a sealed segment has already run its commit callback; an event can
// never sit in a sealed segment without the state commit installs (such as
// its index entry).
func (l *Log) AppendWith(ctx context.Context, key, payload []byte, ts temporal.Timestamp, kind Kind, commit func(Event, EventRef)) (Event, EventRef, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, EventRef{}, err
	}

	l.appendMu.RLock()
	defer l.appendMu.RUnlock()

	l.mu.RLock()
	activeID := l.order[len(l.order)-1]
	active := l.segments[activeID].backend
	l.mu.RUnlock()

	e := Event{
		ID:        uuid.New(),
		Key:       key,
		Payload:   payload,
		Timestamp: ts,
		Seq:       l.seq.Add(1),
		Kind:      kind,
	}
	if kind == KindDelete {
		e.Payload = nil
	}

	pos, err := active.AppendRaw(ctx, encodeEvent(e))
	if err != nil {
		return Event{}, EventRef{}, fmt.Errorf("%w: append seq %d: %v", ErrStorage, e.Seq, err)
	}

	ref := EventRef{Segment: activeID, Position: pos}
	if commit != nil {
		commit(e, ref)
	}
	return e, ref, nil
}

// Fetch reads and decodes the event at the given reference. The segment is
// pinned for the duration of the read, so a concurrent compaction cannot pull
// it away mid-fetch.
func (l *Log) Fetch(ctx context.Context, ref EventRef) (Event, error) {
	s, err := l.acquire(ref.Segment)
	if err != nil {
		return Event{}, err
	}
	defer l.release(s)

	record, err := s.backend.ReadRaw(ctx, ref.Position)
	if err != nil {
		return Event{}, fmt.Errorf("%w: read segment %d at %d: %v", ErrStorage, ref.Segment, ref.Position, err)
	}
	return decodeEvent(record)
}

// LastSeq returns the last assigned sequence number.
func (l *Log) LastSeq() uint64 {
	return l.seq.Load()
}

// SegmentCount returns the number of live segments.
func (l *Log) SegmentCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// ScanFrom returns a scanner over events with sequence numbers strictly
// greater than afterSeq, walking segments in scan order. The scanner pins its
// segments until Close; it is finite (it covers the log as of the call) and
// restartable with a later checkpoint.
func (l *Log) ScanFrom(ctx context.Context, afterSeq uint64) *Scanner {
	l.mu.Lock()
	segs := make([]Segment, 0, len(l.order))
	pinned := make([]*segment, 0, len(l.order))
	for _, id := range l.order {
		s := l.segments[id]
		s.pins++
		pinned = append(pinned, s)
		segs = append(segs, Segment{ID: id, Backend: s.backend})
	}
	l.mu.Unlock()

	sc := newScanner(ctx, segs, afterSeq)
	sc.lease = &Lease{log: l, segments: pinned}
	return sc
}

// Flush flushes every live segment.
func (l *Log) Flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, id := range l.order {
		if err := l.segments[id].backend.Flush(); err != nil {
			return fmt.Errorf("%w: flush segment %d: %v", ErrStorage, id, err)
		}
	}
	return nil
}

// Close closes every segment backend.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for id, s := range l.segments {
		if err := s.backend.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close segment %d: %w", id, err)
		}
	}
	l.segments = map[uint32]*segment{}
	l.order = nil
	return firstErr
}

// Compaction is an in-progress rewrite of the log's sealed segments. Created
// by BeginCompaction; the caller appends surviving events, then either
// commits (sealed segments dropped) or aborts (new segment discarded, sealed
// segments untouched).
type Compaction struct {
	log     *Log
	id      uint32
	backend storage.Backend
	sealed  []uint32
}

// BeginCompaction seals the active segment and opens a fresh one for
// subsequent appends, then allocates the segment that will receive surviving
// events. The compacted segment id precedes the new active id so that scan
// order matches id order across restarts.
func (l *Log) BeginCompaction(ctx context.Context) (*Compaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Block in-flight appends so the sealed segments are final and every
	// sealed event has run its commit callback.
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	sealed := make([]uint32, len(l.order))
	copy(sealed, l.order)

	id := l.nextID
	backend, err := l.factory(id)
	if err != nil {
		return nil, fmt.Errorf("%w: create compacted segment %d: %v", ErrStorage, id, err)
	}
	l.nextID++

	if _, err := l.addSegmentLocked(); err != nil {
		backend.Close()
		return nil, err
	}

	return &Compaction{log: l, id: id, backend: backend, sealed: sealed}, nil
}

// Sealed returns the ids of the segments being rewritten.
func (c *Compaction) Sealed() []uint32 {
	return c.sealed
}

// ID returns the id of the segment receiving surviving events.
func (c *Compaction) ID() uint32 {
	return c.id
}

// Scan returns a scanner over the sealed segments only.
func (c *Compaction) Scan(ctx context.Context) *Scanner {
	c.log.mu.Lock()
	segs := make([]Segment, 0, len(c.sealed))
	pinned := make([]*segment, 0, len(c.sealed))
	for _, id := range c.sealed {
		s := c.log.segments[id]
		s.pins++
		pinned = append(pinned, s)
		segs = append(segs, Segment{ID: id, Backend: s.backend})
	}
	c.log.mu.Unlock()

	sc := newScanner(ctx, segs, 0)
	sc.lease = &Lease{log: c.log, segments: pinned}
	return sc
}

// Append writes a surviving event into the compacted segment and returns its
// new reference. Callers append survivors in ascending sequence order.
func (c *Compaction) Append(ctx context.Context, e Event) (EventRef, error) {
	pos, err := c.backend.AppendRaw(ctx, encodeEvent(e))
	if err != nil {
		return EventRef{}, fmt.Errorf("%w: rewrite seq %d: %v", ErrStorage, e.Seq, err)
	}
	return EventRef{Segment: c.id, Position: pos}, nil
}

// Publish flushes the compacted segment and makes it readable by reference.
// It must be called before any index entry is swapped to the new references;
// the sealed segments stay readable until Commit.
func (c *Compaction) Publish() error {
	if err := c.backend.Flush(); err != nil {
		return fmt.Errorf("%w: flush compacted segment %d: %v", ErrStorage, c.id, err)
	}

	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	c.log.segments[c.id] = &segment{id: c.id, backend: c.backend}
	return nil
}

// Commit installs the compacted segment at the head of the scan order and
// retires the sealed segments. A sealed segment still pinned by a reader
// stays readable; its physical removal is deferred to the last release.
func (c *Compaction) Commit() error {
	c.log.mu.Lock()

	dropped := make(map[uint32]bool, len(c.sealed))
	for _, id := range c.sealed {
		dropped[id] = true
	}

	order := []uint32{c.id}
	for _, id := range c.log.order {
		if !dropped[id] {
			order = append(order, id)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	c.log.order = order

	var removable []*segment
	for id := range dropped {
		s, ok := c.log.segments[id]
		if !ok {
			continue
		}
		s.retired = true
		if s.pins == 0 {
			delete(c.log.segments, id)
			removable = append(removable, s)
		}
	}
	c.log.mu.Unlock()

	var firstErr error
	for _, s := range removable {
		if err := removeBackend(s.backend); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("drop segment %d: %w", s.id, err)
		}
	}
	return firstErr
}

// Abort discards the compacted segment. Sealed segments remain live, so the
// log and index stay exactly as they were before the compaction started.
func (c *Compaction) Abort() error {
	c.log.mu.Lock()
	delete(c.log.segments, c.id)
	c.log.mu.Unlock()
	return removeBackend(c.backend)
}

// remover is implemented by backends whose storage can be physically deleted.
type remover interface {
	Remove() error
}

func removeBackend(b storage.Backend) error {
	if r, ok := b.(remover); ok {
		return r.Remove()
	}
	return b.Close()
}

// Scanner iterates decoded events across a fixed list of segments, which it
// keeps pinned until Close.
type Scanner struct {
	ctx      context.Context
	segments []Segment
	afterSeq uint64
	lease    *Lease

	segIdx int
	iter   storage.RecordIterator
	event  Event
	ref    EventRef
	err    error
}

func newScanner(ctx context.Context, segments []Segment, afterSeq uint64) *Scanner {
	return &Scanner{ctx: ctx, segments: segments, afterSeq: afterSeq, segIdx: -1}
}

// Next advances to the next event, skipping those at or below the checkpoint
// sequence number. It stops with an error when a stored record cannot be
// decoded; corruption halts the scan rather than being skipped.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		if err := s.ctx.Err(); err != nil {
			s.err = err
			return false
		}

		if s.iter == nil {
			s.segIdx++
			if s.segIdx >= len(s.segments) {
				return false
			}
			s.iter = s.segments[s.segIdx].Backend.Scan(s.ctx, 0)
		}

		if !s.iter.Next() {
			if err := s.iter.Err(); err != nil {
				s.err = fmt.Errorf("%w: scan segment %d: %v", ErrCorruption, s.segments[s.segIdx].ID, err)
				return false
			}
			s.iter.Close()
			s.iter = nil
			continue
		}

		event, err := decodeEvent(s.iter.Record())
		if err != nil {
			s.err = fmt.Errorf("segment %d at %d: %w", s.segments[s.segIdx].ID, s.iter.Position(), err)
			return false
		}
		if event.Seq <= s.afterSeq {
			continue
		}

		s.event = event
		s.ref = EventRef{Segment: s.segments[s.segIdx].ID, Position: s.iter.Position()}
		return true
	}
}

// Event returns the current event.
func (s *Scanner) Event() Event {
	return s.event
}

// Ref returns the current event's reference.
func (s *Scanner) Ref() EventRef {
	return s.ref
}

// Err returns the first error encountered, if any.
func (s *Scanner) Err() error {
	return s.err
}

// Close releases the scanner's iterator and segment pins.
func (s *Scanner) Close() error {
	if s.iter != nil {
		s.iter.Close()
		s.iter = nil
	}
	if s.lease != nil {
		s.lease.Release()
	}
	return nil
}
