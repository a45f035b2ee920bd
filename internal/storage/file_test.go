package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBackend(t *testing.T) (*FileBackend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment.log")
	b, err := OpenFileBackend(path, FileOptions{SyncOnAppend: false})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, path
}

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, _ := openTestBackend(t)

	records := [][]byte{
		[]byte("first"),
		[]byte(""),
		[]byte("a longer third record with some bytes in it"),
	}

	positions := make([]Position, 0, len(records))
	for _, rec := range records {
		pos, err := b.AppendRaw(ctx, rec)
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	for i, pos := range positions {
		got, err := b.ReadRaw(ctx, pos)
		require.NoError(t, err)
		assert.Equal(t, records[i], got)
	}
}

func TestFileBackendScan(t *testing.T) {
	ctx := context.Background()
	b, _ := openTestBackend(t)

	for _, rec := range [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")} {
		_, err := b.AppendRaw(ctx, rec)
		require.NoError(t, err)
	}

	it := b.Scan(ctx, 0)
	defer it.Close()

	var got []string
	for it.Next() {
		got = append(got, string(it.Record()))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"a", "bb", "ccc"}, got)
}

func TestFileBackendReopen(t *testing.T) {
	ctx := context.Background()
	b, path := openTestBackend(t)

	pos, err := b.AppendRaw(ctx, []byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, b.Flush())
	require.NoError(t, b.Close())

	reopened, err := OpenFileBackend(path, FileOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ReadRaw(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestFileBackendTornTailStopsCleanly(t *testing.T) {
	ctx := context.Background()
	b, path := openTestBackend(t)

	_, err := b.AppendRaw(ctx, []byte("complete"))
	require.NoError(t, err)
	_, err = b.AppendRaw(ctx, []byte("will be torn"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	// Chop the last few bytes to simulate a crash mid-write.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	reopened, err := OpenFileBackend(path, FileOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	it := reopened.Scan(ctx, 0)
	defer it.Close()

	require.True(t, it.Next())
	assert.Equal(t, []byte("complete"), it.Record())
	assert.False(t, it.Next())
	assert.NoError(t, it.Err(), "a torn tail is the crash-safe boundary, not corruption")
}

func TestFileBackendChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	b, path := openTestBackend(t)

	pos, err := b.AppendRaw(ctx, []byte("pristine payload"))
	require.NoError(t, err)
	_, err = b.AppendRaw(ctx, []byte("after"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	// Flip one payload byte of the first record.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, int64(pos)+frameHeader)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenFileBackend(path, FileOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	it := reopened.Scan(ctx, 0)
	defer it.Close()

	assert.False(t, it.Next())
	assert.ErrorContains(t, it.Err(), "checksum mismatch")

	_, err = reopened.ReadRaw(ctx, pos)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestFileBackendRemove(t *testing.T) {
	b, path := openTestBackend(t)
	require.NoError(t, b.Remove())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	pos1, err := b.AppendRaw(ctx, []byte("one"))
	require.NoError(t, err)
	pos2, err := b.AppendRaw(ctx, []byte("two"))
	require.NoError(t, err)

	got, err := b.ReadRaw(ctx, pos1)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	it := b.Scan(ctx, pos2)
	defer it.Close()
	require.True(t, it.Next())
	assert.Equal(t, []byte("two"), it.Record())
	assert.False(t, it.Next())
}
