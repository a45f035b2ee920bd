package eventlog

import "errors"

// ErrStorage marks a backend I/O or persistence failure. The engine performs
// no retries; the caller decides retry policy.
var ErrStorage = errors.New("storage failure")

// ErrCorruption marks stored data that cannot be deserialized or fails its
// integrity check. Scans halt at the affected record rather than skip it.
var ErrCorruption = errors.New("log corruption")

// ErrUnknownSegment marks a reference into a segment the log no longer holds.
// A reference only goes stale when a compaction dropped its segment after the
// index was already swapped, so readers recover by re-resolving against the
// index.
var ErrUnknownSegment = errors.New("unknown segment")
