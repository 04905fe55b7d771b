// Package idgen produces globally unique, time-ordered 64-bit order numbers.
//
// A number packs a 41-bit millisecond timestamp (offset from a fixed epoch),
// a 10-bit partition id configured per process instance, and a 12-bit
// per-millisecond sequence. Numbers from one generator instance are strictly
// increasing; instances with distinct partition ids never collide.
package idgen

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	timestampBits = 41
	partitionBits = 10
	sequenceBits  = 12

	maxPartition = (1 << partitionBits) - 1
	sequenceMask = (1 << sequenceBits) - 1

	partitionShift = sequenceBits
	timestampShift = sequenceBits + partitionBits
)

// epochMillis is 2024-01-01T00:00:00Z. With 41 timestamp bits the generator
// is valid until roughly 2093.
const epochMillis = int64(1704067200000)

// ErrClockRegression is returned when the wall clock moves behind the last
// millisecond a number was issued for. Emitting a number would risk a
// duplicate, so the generator fails fast; the condition is fatal for this
// process instance and should page an operator rather than be retried.
var ErrClockRegression = errors.New("idgen: clock moved backwards")

// Generator issues order numbers. Safe for concurrent use; each process owns
// exactly one Generator per configured partition id.
type Generator struct {
	mu        sync.Mutex
	partition uint64
	lastMs    int64
	sequence  uint64
	nowMillis func() int64
}

// Option customises Generator construction.
type Option func(*Generator)

// WithClock overrides the millisecond clock source, used by tests.
func WithClock(now func() int64) Option {
	return func(g *Generator) {
		if now != nil {
			g.nowMillis = now
		}
	}
}

// New constructs a Generator for the given partition id.
func New(partition uint64, opts ...Option) (*Generator, error) {
	if partition > maxPartition {
		return nil, fmt.Errorf("idgen: partition %d exceeds maximum %d", partition, maxPartition)
	}
	g := &Generator{
		partition: partition,
		lastMs:    -1,
		nowMillis: func() int64 {
			return time.Now().UnixMilli()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Next returns the next order number. It never blocks longer than one
// millisecond boundary: exhausting the 4096-per-millisecond sequence spins
// until the clock ticks over.
func (g *Generator) Next() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowMillis()
	switch {
	case now < g.lastMs:
		return 0, fmt.Errorf("%w: last=%d now=%d", ErrClockRegression, g.lastMs, now)
	case now == g.lastMs:
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			now = g.waitNextMillis(now)
			if now < g.lastMs {
				return 0, fmt.Errorf("%w: last=%d now=%d", ErrClockRegression, g.lastMs, now)
			}
		}
	default:
		g.sequence = 0
	}
	g.lastMs = now

	ts := uint64(now - epochMillis)
	return ts<<timestampShift | g.partition<<partitionShift | g.sequence, nil
}

// Partition returns the configured partition id.
func (g *Generator) Partition() uint64 {
	return g.partition
}

func (g *Generator) waitNextMillis(current int64) int64 {
	// Bounded to ~1ms by construction: the sequence only overflows mid-millisecond.
	next := g.nowMillis()
	for next <= current {
		next = g.nowMillis()
	}
	return next
}
