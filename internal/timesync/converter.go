package timesync

import (
	"fmt"
	"math"

	"github.com/mrzor/tracemerge/internal/tracerr"
)

// Offset is a signed nanosecond delta added to guest timestamps.
type Offset int64

// Converter translates guest timestamps into combined time.
type Converter struct {
	offset Offset
}

// NewConverter creates a converter applying offset.
func NewConverter(offset Offset) *Converter {
	return &Converter{offset: offset}
}

// Offset returns the offset the converter applies.
func (c *Converter) Offset() Offset {
	return c.offset
}

// Apply translates ts. The result must fit in [0, MaxInt64].
func (c *Converter) Apply(ts uint64) (uint64, error) {
	if ts > math.MaxInt64 {
		return 0, fmt.Errorf("%w: timestamp %d exceeds int64", tracerr.ErrTimestampOverflow, ts)
	}
	out, err := addOffset(int64(ts), c.offset)
	if err != nil {
		return 0, fmt.Errorf("%w: %d%+d", tracerr.ErrTimestampOverflow, ts, c.offset)
	}
	if out < 0 {
		return 0, fmt.Errorf("%w: %d%+d is before time zero", tracerr.ErrTimestampOverflow, ts, c.offset)
	}
	return uint64(out), nil
}

// diff returns a-b as an Offset.
func diff(a, b uint64) (Offset, error) {
	if a >= b {
		d := a - b
		if d > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d-%d", tracerr.ErrTimestampOverflow, a, b)
		}
		return Offset(d), nil
	}
	d := b - a
	if d > math.MaxInt64+1 {
		return 0, fmt.Errorf("%w: %d-%d", tracerr.ErrTimestampOverflow, a, b)
	}
	// -(MaxInt64+1) is representable; negate in uint64 space first.
	return Offset(-int64(d - 1) - 1), nil
}

func addOffset(v int64, o Offset) (int64, error) {
	if (o > 0 && v > math.MaxInt64-int64(o)) || (o < 0 && v < math.MinInt64-int64(o)) {
		return 0, fmt.Errorf("%w: %d%+d", tracerr.ErrTimestampOverflow, v, o)
	}
	return v + int64(o), nil
}

func add(a, b Offset) (Offset, error) {
	v, err := addOffset(int64(a), b)
	return Offset(v), err
}
