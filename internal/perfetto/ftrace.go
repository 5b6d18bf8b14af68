package perfetto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// TracePacket.ftrace_events and FtraceEventBundle.
//
//nolint:revive // names follow the proto field names
const (
	PacketFtraceEvents protowire.Number = 1

	FtraceBundleCPU             protowire.Number = 1
	FtraceBundleEvent           protowire.Number = 2
	FtraceBundleCompactSched    protowire.Number = 4
	FtraceBundleClock           protowire.Number = 5
	FtraceBundleFtraceTimestamp protowire.Number = 6
	FtraceBundleBootTimestamp   protowire.Number = 7

	FtraceEventTimestamp protowire.Number = 1
	FtraceEventPID       protowire.Number = 2

	// Both are delta encoded: the first entry is absolute, each later one
	// is relative to its predecessor.
	CompactSwitchTimestamp protowire.Number = 1
	CompactWakingTimestamp protowire.Number = 7
)

// FtraceBundle holds the timestamps of an FtraceEventBundle, all absolute.
type FtraceBundle struct {
	CPU uint32
	// Clock is the FtraceClock enum; zero means the default BOOTTIME.
	Clock  uint64
	Events []uint64
	Switch []uint64
	Waking []uint64
}

// First returns the earliest timestamp in the bundle.
func (b FtraceBundle) First() (uint64, bool) {
	var first uint64
	found := false
	for _, list := range [][]uint64{b.Events, b.Switch, b.Waking} {
		for _, ts := range list {
			if !found || ts < first {
				first, found = ts, true
			}
		}
	}
	return first, found
}

// DecodeFtraceBundle decodes an FtraceEventBundle.
func DecodeFtraceBundle(b []byte) (FtraceBundle, error) {
	var bundle FtraceBundle
	fields, err := ParseFields(b)
	if err != nil {
		return bundle, err
	}
	for _, f := range fields {
		switch f.Num {
		case FtraceBundleCPU:
			bundle.CPU = uint32(f.Varint)
		case FtraceBundleClock:
			bundle.Clock = f.Varint
		case FtraceBundleEvent:
			sub, err := ParseFields(f.Bytes)
			if err != nil {
				return bundle, fmt.Errorf("ftrace event: %w", err)
			}
			for _, s := range sub {
				if s.Num == FtraceEventTimestamp {
					bundle.Events = append(bundle.Events, s.Varint)
				}
			}
		case FtraceBundleCompactSched:
			sub, err := ParseFields(f.Bytes)
			if err != nil {
				return bundle, fmt.Errorf("compact_sched: %w", err)
			}
			for _, s := range sub {
				var dst *[]uint64
				switch s.Num {
				case CompactSwitchTimestamp:
					dst = &bundle.Switch
				case CompactWakingTimestamp:
					dst = &bundle.Waking
				default:
					continue
				}
				deltas, err := s.Uint64s()
				if err != nil {
					return bundle, fmt.Errorf("compact_sched: %w", err)
				}
				for _, d := range deltas {
					prev := uint64(0)
					if n := len(*dst); n > 0 {
						prev = (*dst)[n-1]
					}
					*dst = append(*dst, prev+d)
				}
			}
		}
	}
	return bundle, nil
}

// ShiftFtraceBundle rewrites every absolute timestamp of an
// FtraceEventBundle through fn. Compact sched timestamps only move their
// first entry, so fn must shift by a constant.
func ShiftFtraceBundle(b []byte, fn func(uint64) (uint64, error)) ([]byte, error) {
	shift := func(f Field) ([]Field, error) {
		if f.Type != protowire.VarintType {
			return Keep(f), nil
		}
		ts, err := fn(f.Varint)
		if err != nil {
			return nil, err
		}
		return []Field{VarintField(f.Num, ts)}, nil
	}

	return Rewrite(b, func(f Field) ([]Field, error) {
		switch f.Num {
		case FtraceBundleFtraceTimestamp, FtraceBundleBootTimestamp:
			return shift(f)
		case FtraceBundleEvent:
			out, err := Rewrite(f.Bytes, func(sf Field) ([]Field, error) {
				if sf.Num == FtraceEventTimestamp {
					return shift(sf)
				}
				return Keep(sf), nil
			})
			if err != nil {
				return nil, fmt.Errorf("ftrace event: %w", err)
			}
			return []Field{BytesField(f.Num, out)}, nil
		case FtraceBundleCompactSched:
			out, err := shiftCompactSched(f.Bytes, fn)
			if err != nil {
				return nil, fmt.Errorf("compact_sched: %w", err)
			}
			return []Field{BytesField(f.Num, out)}, nil
		}
		return Keep(f), nil
	})
}

func shiftCompactSched(b []byte, fn func(uint64) (uint64, error)) ([]byte, error) {
	based := map[protowire.Number]bool{}
	return Rewrite(b, func(f Field) ([]Field, error) {
		if f.Num != CompactSwitchTimestamp && f.Num != CompactWakingTimestamp {
			return Keep(f), nil
		}
		if based[f.Num] {
			return Keep(f), nil
		}
		vs, err := f.Uint64s()
		if err != nil {
			return nil, err
		}
		if len(vs) == 0 {
			return Keep(f), nil
		}
		based[f.Num] = true
		if vs[0], err = fn(vs[0]); err != nil {
			return nil, err
		}
		if f.Type == protowire.VarintType {
			return []Field{VarintField(f.Num, vs[0])}, nil
		}
		return []Field{PackedUint64s(f.Num, vs)}, nil
	})
}
