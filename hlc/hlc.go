// Package hlc provides the time services used by flease: a hybrid logical
// clock whose physical component is the cluster "global time", and the
// local wall clock.
package hlc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acharapko/flease/log"
)

// Clock is the time source consumed by the acceptor. Both readings are
// milliseconds since the unix epoch.
type Clock interface {
	// GlobalTime is skew bounded across the cluster
	GlobalTime() int64
	// LocalTime is this process' wall clock
	LocalTime() int64
}

// Timestamp is a hybrid logical clock reading
type Timestamp struct {
	PhysicalTime int64
	LogicalTime  int16
}

// NewTimestampI64 unpacks a timestamp produced by ToInt64
func NewTimestampI64(ts int64) *Timestamp {
	return &Timestamp{
		PhysicalTime: ts >> 16,
		LogicalTime:  int16(ts & 0xFFFF),
	}
}

// ToInt64 packs the timestamp, physical time in the upper 48 bits
func (t Timestamp) ToInt64() int64 {
	return t.PhysicalTime<<16 | int64(uint16(t.LogicalTime))
}

// Compare returns -1, 0 or 1
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.PhysicalTime < other.PhysicalTime:
		return -1
	case t.PhysicalTime > other.PhysicalTime:
		return 1
	case t.LogicalTime < other.LogicalTime:
		return -1
	case t.LogicalTime > other.LogicalTime:
		return 1
	}
	return 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.PhysicalTime, t.LogicalTime)
}

// CurrentTimeInMS is the local wall clock in milliseconds
func CurrentTimeInMS() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// HLC is a hybrid logical clock. Remote readings further than maxOffset
// ahead of the local clock are rejected so a single bad peer cannot drag
// global time forward.
type HLC struct {
	mu        sync.Mutex
	current   Timestamp
	maxOffset int64
	physical  func() int64
}

// HLClock is the process clock, updated by the transport from every
// received envelope.
var HLClock = NewHLC(500)

// NewHLC creates a clock tolerating maxOffsetMS of peer skew
func NewHLC(maxOffsetMS int64) *HLC {
	return &HLC{
		maxOffset: maxOffsetMS,
		physical:  CurrentTimeInMS,
	}
}

// SetMaxOffset changes the tolerated skew
func (h *HLC) SetMaxOffset(ms int64) {
	h.mu.Lock()
	h.maxOffset = ms
	h.mu.Unlock()
}

// Now ticks the clock for a local or send event
func (h *HLC) Now() Timestamp {
	h.mu.Lock()
	defer h.mu.Unlock()
	pt := h.physical()
	if pt > h.current.PhysicalTime {
		h.current = Timestamp{PhysicalTime: pt}
	} else {
		h.current.LogicalTime++
	}
	return h.current
}

// Update merges a remote timestamp on receive
func (h *HLC) Update(remote Timestamp) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pt := h.physical()
	if h.maxOffset > 0 && remote.PhysicalTime-pt > h.maxOffset {
		log.Warningf("ignoring remote clock %v, %d ms ahead of local clock", remote, remote.PhysicalTime-pt)
		return
	}
	switch {
	case pt > h.current.PhysicalTime && pt > remote.PhysicalTime:
		h.current = Timestamp{PhysicalTime: pt}
	case remote.PhysicalTime > h.current.PhysicalTime:
		h.current = Timestamp{PhysicalTime: remote.PhysicalTime, LogicalTime: remote.LogicalTime + 1}
	case h.current.PhysicalTime > remote.PhysicalTime:
		h.current.LogicalTime++
	default:
		if remote.LogicalTime > h.current.LogicalTime {
			h.current.LogicalTime = remote.LogicalTime
		}
		h.current.LogicalTime++
	}
}

// GlobalTime implements Clock
func (h *HLC) GlobalTime() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	pt := h.physical()
	if h.current.PhysicalTime > pt {
		return h.current.PhysicalTime
	}
	return pt
}

// LocalTime implements Clock
func (h *HLC) LocalTime() int64 {
	return h.physical()
}

// ManualClock is a Clock driven by hand, for tests and simulations
type ManualClock struct {
	global int64
	local  int64
}

// NewManualClock starts both readings at ms
func NewManualClock(ms int64) *ManualClock {
	return &ManualClock{global: ms, local: ms}
}

func (c *ManualClock) GlobalTime() int64 { return atomic.LoadInt64(&c.global) }
func (c *ManualClock) LocalTime() int64  { return atomic.LoadInt64(&c.local) }

// Advance moves both readings forward
func (c *ManualClock) Advance(d time.Duration) {
	ms := d.Milliseconds()
	atomic.AddInt64(&c.global, ms)
	atomic.AddInt64(&c.local, ms)
}

// SetGlobal sets the global reading only, modelling skew
func (c *ManualClock) SetGlobal(ms int64) {
	atomic.StoreInt64(&c.global, ms)
}
