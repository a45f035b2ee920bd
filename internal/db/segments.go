package db

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Julzz10110/temporal-db/internal/eventlog"
	"github.com/Julzz10110/temporal-db/internal/storage"
)

const segmentPattern = "segment-%08d.log"

// openSegments prepares the existing segments and the factory for new ones
// according to the configured backend.
func openSegments(opts Options) ([]eventlog.Segment, eventlog.SegmentFactory, error) {
	switch opts.Backend {
	case "", "memory":
		factory := func(id uint32) (storage.Backend, error) {
			return storage.NewMemoryBackend(), nil
		}
		return nil, factory, nil

	case "file":
		if opts.DataDir == "" {
			return nil, nil, fmt.Errorf("file backend requires a data dir")
		}
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}

		segments, err := listSegments(opts.DataDir, opts.SyncOnAppend)
		if err != nil {
			return nil, nil, err
		}

		factory := func(id uint32) (storage.Backend, error) {
			path := filepath.Join(opts.DataDir, fmt.Sprintf(segmentPattern, id))
			return storage.OpenFileBackend(path, storage.FileOptions{SyncOnAppend: opts.SyncOnAppend})
		}
		return segments, factory, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

// listSegments opens the segment files found in dir, ordered by id. Segment
// ids are allocated so that ascending id order is scan order: a compacted
// segment always gets a lower id than the active segment created alongside it.
func listSegments(dir string, syncOnAppend bool) ([]eventlog.Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	var segments []eventlog.Segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var id uint32
		if _, err := fmt.Sscanf(entry.Name(), segmentPattern, &id); err != nil {
			continue
		}
		backend, err := storage.OpenFileBackend(filepath.Join(dir, entry.Name()), storage.FileOptions{SyncOnAppend: syncOnAppend})
		if err != nil {
			return nil, fmt.Errorf("open segment %s: %w", entry.Name(), err)
		}
		segments = append(segments, eventlog.Segment{ID: id, Backend: backend})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })
	return segments, nil
}
