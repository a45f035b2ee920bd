package eventlog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Julzz10110/temporal-db/internal/storage"
	"github.com/Julzz10110/temporal-db/internal/temporal"
)

func memoryFactory(id uint32) (storage.Backend, error) {
	return storage.NewMemoryBackend(), nil
}

func openMemoryLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(context.Background(), nil, memoryFactory)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func ts(nanos int64) temporal.Timestamp {
	return temporal.FromNanos(nanos)
}

func TestEventCodecRoundTrip(t *testing.T) {
	put := Event{
		ID:        uuid.New(),
		Key:       []byte("user:1"),
		Payload:   []byte("active"),
		Timestamp: temporal.Timestamp{WallTime: 100, Logical: 3},
		Seq:       42,
		Kind:      KindPut,
	}
	decoded, err := decodeEvent(encodeEvent(put))
	require.NoError(t, err)
	assert.Equal(t, put, decoded)

	del := Event{
		ID:        uuid.New(),
		Key:       []byte("user:1"),
		Timestamp: ts(200),
		Seq:       43,
		Kind:      KindDelete,
	}
	decoded, err = decodeEvent(encodeEvent(del))
	require.NoError(t, err)
	assert.Equal(t, del, decoded)
	assert.True(t, decoded.Tombstone())
	assert.Nil(t, decoded.Payload)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := decodeEvent([]byte("way too short"))
	assert.ErrorIs(t, err, ErrCorruption)

	valid := encodeEvent(Event{ID: uuid.New(), Key: []byte("k"), Payload: []byte("v"), Seq: 1, Kind: KindPut})
	valid[seqBytes] = 99 // invalid kind byte
	_, err = decodeEvent(valid)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestAppendAssignsIncreasingSeqs(t *testing.T) {
	ctx := context.Background()
	l := openMemoryLog(t)

	var prev uint64
	for i := 0; i < 10; i++ {
		e, ref, err := l.Append(ctx, []byte("k"), []byte("v"), ts(int64(i+1)), KindPut)
		require.NoError(t, err)
		assert.Greater(t, e.Seq, prev)
		prev = e.Seq

		fetched, err := l.Fetch(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, e, fetched)
	}
	assert.Equal(t, prev, l.LastSeq())
}

func TestScanFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	l := openMemoryLog(t)

	for i := 1; i <= 5; i++ {
		_, _, err := l.Append(ctx, []byte(fmt.Sprintf("k%d", i)), []byte("v"), ts(int64(i)), KindPut)
		require.NoError(t, err)
	}

	sc := l.ScanFrom(ctx, 3)
	defer sc.Close()

	var seqs []uint64
	for sc.Next() {
		seqs = append(seqs, sc.Event().Seq)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []uint64{4, 5}, seqs)
}

func TestConcurrentAppendsDistinctSeqs(t *testing.T) {
	ctx := context.Background()
	l := openMemoryLog(t)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	seqs := make([][]uint64, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := []byte(fmt.Sprintf("key-%d", w))
			for i := 0; i < perWriter; i++ {
				e, _, err := l.Append(ctx, key, []byte("v"), ts(500), KindPut)
				if err != nil {
					t.Error(err)
					return
				}
				seqs[w] = append(seqs[w], e.Seq)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, ws := range seqs {
		for _, s := range ws {
			assert.False(t, seen[s], "sequence number %d assigned twice", s)
			seen[s] = true
		}
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestSeqRecoveryAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	factory := func(id uint32) (storage.Backend, error) {
		path := filepath.Join(dir, fmt.Sprintf("segment-%08d.log", id))
		return storage.OpenFileBackend(path, storage.FileOptions{})
	}

	l, err := Open(ctx, nil, factory)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, _, err := l.Append(ctx, []byte("k"), []byte("v"), ts(int64(i+1)), KindPut)
		require.NoError(t, err)
	}
	lastSeq := l.LastSeq()
	require.NoError(t, l.Flush())
	require.NoError(t, l.Close())

	seg, err := factory(0)
	require.NoError(t, err)
	reopened, err := Open(ctx, []Segment{{ID: 0, Backend: seg}}, factory)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, lastSeq, reopened.LastSeq())

	// New appends continue above the recovered watermark.
	e, _, err := reopened.Append(ctx, []byte("k"), []byte("v"), ts(100), KindPut)
	require.NoError(t, err)
	assert.Equal(t, lastSeq+1, e.Seq)
}

func TestCompactionLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openMemoryLog(t)

	var events []Event
	for i := 1; i <= 4; i++ {
		e, _, err := l.Append(ctx, []byte("k"), []byte(fmt.Sprintf("v%d", i)), ts(int64(i*100)), KindPut)
		require.NoError(t, err)
		events = append(events, e)
	}

	comp, err := l.BeginCompaction(ctx)
	require.NoError(t, err)
	assert.Len(t, comp.Sealed(), 1)
	assert.Equal(t, 2, l.SegmentCount(), "sealing opens a fresh active segment")

	// Appends during compaction land in the new active segment.
	during, _, err := l.Append(ctx, []byte("k"), []byte("during"), ts(500), KindPut)
	require.NoError(t, err)

	// Keep only the last two sealed events.
	newRefs := make(map[uint64]EventRef)
	for _, e := range events[2:] {
		ref, err := comp.Append(ctx, e)
		require.NoError(t, err)
		newRefs[e.Seq] = ref
	}
	require.NoError(t, comp.Publish())

	// Published events are fetchable before commit.
	got, err := l.Fetch(ctx, newRefs[events[2].Seq])
	require.NoError(t, err)
	assert.Equal(t, events[2], got)

	require.NoError(t, comp.Commit())
	assert.Equal(t, 2, l.SegmentCount())

	// A full scan now yields the survivors plus the concurrent append, in
	// sequence order.
	sc := l.ScanFrom(ctx, 0)
	defer sc.Close()
	var seqs []uint64
	for sc.Next() {
		seqs = append(seqs, sc.Event().Seq)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []uint64{events[2].Seq, events[3].Seq, during.Seq}, seqs)
}

func TestAppendWithHoldsSealBarrier(t *testing.T) {
	ctx := context.Background()
	l := openMemoryLog(t)

	inCommit := make(chan struct{})
	sealed := make(chan struct{})

	go func() {
		<-inCommit
		comp, err := l.BeginCompaction(ctx)
		assert.NoError(t, err)
		close(sealed)
		if comp != nil {
			assert.NoError(t, comp.Abort())
		}
	}()

	var committed bool
	_, _, err := l.AppendWith(ctx, []byte("k"), []byte("v"), ts(100), KindPut, func(e Event, ref EventRef) {
		close(inCommit)
		// Sealing must wait for this callback: the event is not allowed to
		// land in a sealed segment before its commit ran.
		select {
		case <-sealed:
			t.Error("active segment sealed before the commit callback finished")
		case <-time.After(50 * time.Millisecond):
		}
		committed = true
	})
	require.NoError(t, err)
	assert.True(t, committed)
	<-sealed
}

func TestRetiredSegmentReadableWhilePinned(t *testing.T) {
	ctx := context.Background()
	l := openMemoryLog(t)

	e, ref, err := l.Append(ctx, []byte("k"), []byte("v"), ts(100), KindPut)
	require.NoError(t, err)

	lease, err := l.Acquire([]uint32{ref.Segment})
	require.NoError(t, err)

	comp, err := l.BeginCompaction(ctx)
	require.NoError(t, err)
	newRef, err := comp.Append(ctx, e)
	require.NoError(t, err)
	require.NoError(t, comp.Publish())
	require.NoError(t, comp.Commit())

	// The old reference keeps working while the lease is held.
	got, err := l.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	lease.Release()

	_, err = l.Fetch(ctx, ref)
	assert.ErrorIs(t, err, ErrUnknownSegment)

	got, err = l.Fetch(ctx, newRef)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestCompactionAbortLeavesLogIntact(t *testing.T) {
	ctx := context.Background()
	l := openMemoryLog(t)

	for i := 1; i <= 3; i++ {
		_, _, err := l.Append(ctx, []byte("k"), []byte("v"), ts(int64(i)), KindPut)
		require.NoError(t, err)
	}

	comp, err := l.BeginCompaction(ctx)
	require.NoError(t, err)
	require.NoError(t, comp.Abort())

	sc := l.ScanFrom(ctx, 0)
	defer sc.Close()
	count := 0
	for sc.Next() {
		count++
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 3, count, "abort must not lose events")
}
