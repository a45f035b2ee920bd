package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

const (
	frameLenBytes = 4
	frameCRCBytes = 4
	frameHeader   = frameLenBytes + frameCRCBytes

	// maxRecordBytes guards against allocating for a garbage length field
	// read from a corrupted file.
	maxRecordBytes = 64 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileBackend stores records in a single append-only file. Each record is
// framed as:
//
//	| PayloadLength | CRC32C  | Payload |
//	| 4 bytes       | 4 bytes | N bytes |
//
// with big-endian integers and the CRC computed over the payload. Positions
// are byte offsets of the frame start.
type FileBackend struct {
	mu   sync.Mutex
	file *os.File
	size int64
	sync bool
}

// FileOptions configures a FileBackend.
type FileOptions struct {
	// SyncOnAppend fsyncs after every append. Slower, but an append that
	// returned success survives a crash.
	SyncOnAppend bool
}

// OpenFileBackend opens or creates the backing file at path.
func OpenFileBackend(path string, opts FileOptions) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	return &FileBackend{
		file: f,
		size: info.Size(),
		sync: opts.SyncOnAppend,
	}, nil
}

// AppendRaw frames and writes the record, returning the offset of the frame.
func (b *FileBackend) AppendRaw(ctx context.Context, record []byte) (Position, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(record) > maxRecordBytes {
		return 0, fmt.Errorf("record of %d bytes exceeds limit of %d", len(record), maxRecordBytes)
	}

	frame := make([]byte, frameHeader+len(record))
	binary.BigEndian.PutUint32(frame[0:], uint32(len(record)))
	binary.BigEndian.PutUint32(frame[frameLenBytes:], crc32.Checksum(record, castagnoli))
	copy(frame[frameHeader:], record)

	b.mu.Lock()
	defer b.mu.Unlock()

	pos := b.size
	if _, err := b.file.WriteAt(frame, pos); err != nil {
		return 0, fmt.Errorf("write at %d: %w", pos, err)
	}
	if b.sync {
		if err := b.file.Sync(); err != nil {
			return 0, fmt.Errorf("sync: %w", err)
		}
	}
	b.size += int64(len(frame))
	return Position(pos), nil
}

// ReadRaw reads and verifies the record framed at the given offset.
func (b *FileBackend) ReadRaw(ctx context.Context, pos Position) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record, _, err := b.readFrame(int64(pos))
	return record, err
}

// Scan returns an iterator over frames at or after the given offset. The scan
// stops cleanly at an incomplete trailing frame (the crash-safe boundary); a
// checksum mismatch or implausible length before that surfaces through Err.
func (b *FileBackend) Scan(ctx context.Context, from Position) RecordIterator {
	if from < 0 {
		from = 0
	}
	b.mu.Lock()
	end := b.size
	b.mu.Unlock()
	return &fileIterator{backend: b, next: int64(from), end: end}
}

// Flush fsyncs the backing file.
func (b *FileBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Sync()
}

// Close closes the backing file.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}

// Remove closes the backing file and deletes it from disk.
func (b *FileBackend) Remove() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := b.file.Name()
	if err := b.file.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

// Size returns the current file size in bytes.
func (b *FileBackend) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// readFrame reads one frame at offset, returning the payload and the offset
// of the next frame. io.ErrUnexpectedEOF marks an incomplete trailing frame.
func (b *FileBackend) readFrame(offset int64) ([]byte, int64, error) {
	header := make([]byte, frameHeader)
	if _, err := b.file.ReadAt(header, offset); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	length := binary.BigEndian.Uint32(header[0:])
	expected := binary.BigEndian.Uint32(header[frameLenBytes:])
	if length > maxRecordBytes {
		return nil, 0, fmt.Errorf("frame at %d: implausible length %d", offset, length)
	}

	record := make([]byte, length)
	if _, err := b.file.ReadAt(record, offset+frameHeader); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	if actual := crc32.Checksum(record, castagnoli); actual != expected {
		return nil, 0, fmt.Errorf("frame at %d: checksum mismatch (expected %08x, got %08x)", offset, expected, actual)
	}
	return record, offset + frameHeader + int64(length), nil
}

type fileIterator struct {
	backend *FileBackend
	next    int64
	end     int64
	pos     int64
	record  []byte
	err     error
	done    bool
}

func (it *fileIterator) Next() bool {
	if it.done || it.err != nil || it.next >= it.end {
		return false
	}

	record, next, err := it.backend.readFrame(it.next)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			// Torn tail from an interrupted write; everything before it
			// is intact.
			it.done = true
			return false
		}
		it.err = err
		return false
	}

	it.pos = it.next
	it.record = record
	it.next = next
	return true
}

func (it *fileIterator) Position() Position {
	return Position(it.pos)
}

func (it *fileIterator) Record() []byte {
	return it.record
}

func (it *fileIterator) Err() error {
	return it.err
}

func (it *fileIterator) Close() error {
	it.done = true
	return nil
}
