package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Julzz10110/temporal-db/internal/eventlog"
	"github.com/Julzz10110/temporal-db/internal/index"
	"github.com/Julzz10110/temporal-db/internal/storage"
	"github.com/Julzz10110/temporal-db/internal/temporal"
)

func ts(nanos int64) temporal.Timestamp {
	return temporal.FromNanos(nanos)
}

// fixture builds a log+index+engine and applies the given writes.
type write struct {
	key   string
	value string
	ts    int64
	kind  eventlog.Kind
}

func fixture(t *testing.T, writes []write) *Engine {
	t.Helper()
	ctx := context.Background()

	log, err := eventlog.Open(ctx, nil, func(id uint32) (storage.Backend, error) {
		return storage.NewMemoryBackend(), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	idx := index.New()
	for _, w := range writes {
		var payload []byte
		if w.kind == eventlog.KindPut {
			payload = []byte(w.value)
		}
		e, ref, err := log.Append(ctx, []byte(w.key), payload, ts(w.ts), w.kind)
		require.NoError(t, err)
		idx.Record(e.Key, e.Timestamp, e.Seq, ref, e.Tombstone())
	}
	return New(log, idx)
}

func TestAsOfEdgeCases(t *testing.T) {
	ctx := context.Background()
	eng := fixture(t, []write{
		{"user:1", "active", 100, eventlog.KindPut},
		{"user:1", "", 300, eventlog.KindDelete},
		{"user:1", "returned", 500, eventlog.KindPut},
	})

	// Before the first event.
	_, found, err := eng.AsOf(ctx, []byte("user:1"), ts(50))
	require.NoError(t, err)
	assert.False(t, found)

	// At and after the Put.
	v, found, err := eng.AsOf(ctx, []byte("user:1"), ts(100))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("active"), v)

	// At and after the deletion, before the revival.
	_, found, err = eng.AsOf(ctx, []byte("user:1"), ts(300))
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = eng.AsOf(ctx, []byte("user:1"), ts(400))
	require.NoError(t, err)
	assert.False(t, found)

	// A key that never existed is absence, not an error.
	_, found, err = eng.AsOf(ctx, []byte("ghost"), ts(1000))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCurrent(t *testing.T) {
	ctx := context.Background()
	eng := fixture(t, []write{
		{"user:1", "v1", 100, eventlog.KindPut},
		{"user:1", "v2", 200, eventlog.KindPut},
	})

	v, found, err := eng.Current(ctx, []byte("user:1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), v)

	_, found, err = eng.Current(ctx, []byte("ghost"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHistoryRangeAscendingWithTombstones(t *testing.T) {
	ctx := context.Background()
	eng := fixture(t, []write{
		{"user:1", "v1", 100, eventlog.KindPut},
		{"user:1", "v2", 200, eventlog.KindPut},
		{"user:1", "", 300, eventlog.KindDelete},
		{"user:1", "v3", 400, eventlog.KindPut},
	})

	it := eng.History(ctx, []byte("user:1"), ts(200), ts(300))
	defer it.Close()

	require.True(t, it.Next())
	assert.Equal(t, ts(200), it.Timestamp())
	assert.Equal(t, []byte("v2"), it.Value())
	assert.False(t, it.Tombstone())

	require.True(t, it.Next())
	assert.Equal(t, ts(300), it.Timestamp())
	assert.Nil(t, it.Value(), "a delete surfaces as a nil value")
	assert.True(t, it.Tombstone())

	assert.False(t, it.Next())
	require.NoError(t, it.Err())
}

func TestHistoryEmptyForUnknownKeyOrRange(t *testing.T) {
	ctx := context.Background()
	eng := fixture(t, []write{{"user:1", "v1", 100, eventlog.KindPut}})

	it := eng.History(ctx, []byte("ghost"), ts(0), ts(1000))
	assert.False(t, it.Next())
	require.NoError(t, it.Err())
	it.Close()

	it = eng.History(ctx, []byte("user:1"), ts(500), ts(1000))
	assert.False(t, it.Next())
	require.NoError(t, it.Err())
	it.Close()
}

func TestHistoryHonorsCancellation(t *testing.T) {
	eng := fixture(t, []write{
		{"user:1", "v1", 100, eventlog.KindPut},
		{"user:1", "v2", 200, eventlog.KindPut},
	})

	ctx, cancel := context.WithCancel(context.Background())
	it := eng.History(ctx, []byte("user:1"), ts(0), ts(1000))
	defer it.Close()

	require.True(t, it.Next())
	cancel()
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), context.Canceled)
}
