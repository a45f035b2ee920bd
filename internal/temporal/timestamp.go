package temporal

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp represents a point in time used to order events. WallTime is
// nanoseconds since the Unix epoch; Logical breaks ties between timestamps
// captured at the same wall-clock instant.
type Timestamp struct {
	WallTime int64
	Logical  int32
}

// FromNanos creates a timestamp from nanoseconds since the Unix epoch.
func FromNanos(nanos int64) Timestamp {
	return Timestamp{WallTime: nanos}
}

// FromTime creates a timestamp from a time.Time.
func FromTime(t time.Time) Timestamp {
	return Timestamp{WallTime: t.UnixNano()}
}

// Nanos returns the wall-clock component in nanoseconds since the Unix epoch.
func (t Timestamp) Nanos() int64 {
	return t.WallTime
}

// Time converts the timestamp to a time.Time, dropping the logical component.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, t.WallTime).UTC()
}

// IsZero reports whether the timestamp is the zero value.
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0
}

// Compare returns -1, 0, or 1 depending on whether t orders before, equal to,
// or after other.
func (t Timestamp) Compare(other Timestamp) int {
	if t.WallTime < other.WallTime {
		return -1
	}
	if t.WallTime > other.WallTime {
		return 1
	}
	if t.Logical < other.Logical {
		return -1
	}
	if t.Logical > other.Logical {
		return 1
	}
	return 0
}

// Less reports whether t orders strictly before other.
func (t Timestamp) Less(other Timestamp) bool {
	return t.Compare(other) < 0
}

// LessEq reports whether t orders before or equal to other.
func (t Timestamp) LessEq(other Timestamp) bool {
	return t.Compare(other) <= 0
}

// String returns the timestamp in RFC3339 form with the logical component
// appended when nonzero.
func (t Timestamp) String() string {
	if t.Logical == 0 {
		return t.Time().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s,%d", t.Time().Format(time.RFC3339Nano), t.Logical)
}

// Clock issues timestamps that never decrease within a process, even when the
// wall clock stalls or steps backwards. Multiple goroutines may share one Clock.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
}

// NewClock creates a clock backed by the system wall clock.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns a timestamp strictly greater than any timestamp previously
// returned by this clock. When the wall clock has not advanced past the last
// issued timestamp, the logical component is bumped instead.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	if now > c.last.WallTime {
		c.last = Timestamp{WallTime: now}
	} else {
		c.last.Logical++
	}
	return c.last
}

// Observe advances the clock past an externally supplied timestamp so that
// subsequent Now calls order after it.
func (c *Clock) Observe(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last.Less(ts) {
		c.last = ts
	}
}
