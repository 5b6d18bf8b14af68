package perfetto

import "fmt"

// Clock is one reading inside a ClockSnapshot.
type Clock struct {
	ID               uint32
	Timestamp        uint64
	IsIncremental    bool
	UnitMultiplierNs uint64
}

// ClockSnapshot records simultaneous readings of several clocks.
type ClockSnapshot struct {
	Clocks []Clock
	// PrimaryTraceClock is zero when the snapshot does not declare one.
	PrimaryTraceClock uint32
	SequenceID        uint32
}

// DecodeClockSnapshot decodes a ClockSnapshot message.
func DecodeClockSnapshot(b []byte) (ClockSnapshot, error) {
	var s ClockSnapshot
	fields, err := ParseFields(b)
	if err != nil {
		return s, err
	}
	for _, f := range fields {
		switch f.Num {
		case SnapshotPrimaryClock:
			s.PrimaryTraceClock = uint32(f.Varint)
		case SnapshotClocks:
			sub, err := ParseFields(f.Bytes)
			if err != nil {
				return s, fmt.Errorf("clock: %w", err)
			}
			var c Clock
			for _, cf := range sub {
				switch cf.Num {
				case ClockID:
					c.ID = uint32(cf.Varint)
				case ClockTimestamp:
					c.Timestamp = cf.Varint
				case ClockIsIncremental:
					c.IsIncremental = cf.Varint != 0
				case ClockUnitMultiplierNs:
					c.UnitMultiplierNs = cf.Varint
				}
			}
			s.Clocks = append(s.Clocks, c)
		}
	}
	return s, nil
}

// Reading returns the timestamp recorded for clock id.
func (s ClockSnapshot) Reading(id uint32) (uint64, bool) {
	for _, c := range s.Clocks {
		if c.ID == id {
			return c.Timestamp, true
		}
	}
	return 0, false
}

// Marshal encodes the snapshot as a ClockSnapshot message.
func (s ClockSnapshot) Marshal() []byte {
	var fields []Field
	for _, c := range s.Clocks {
		sub := []Field{VarintField(ClockID, uint64(c.ID)), VarintField(ClockTimestamp, c.Timestamp)}
		if c.IsIncremental {
			sub = append(sub, BoolField(ClockIsIncremental, true))
		}
		if c.UnitMultiplierNs != 0 {
			sub = append(sub, VarintField(ClockUnitMultiplierNs, c.UnitMultiplierNs))
		}
		fields = append(fields, BytesField(SnapshotClocks, Marshal(sub...)))
	}
	if s.PrimaryTraceClock != 0 {
		fields = append(fields, VarintField(SnapshotPrimaryClock, uint64(s.PrimaryTraceClock)))
	}
	return Marshal(fields...)
}

// ClockSnapshotPacket wraps s in a TracePacket stamped with the reading of
// the primary clock, if present.
func ClockSnapshotPacket(s ClockSnapshot) []byte {
	var fields []Field
	primary := s.PrimaryTraceClock
	if primary == 0 {
		primary = ClockBoottime
	}
	if ts, ok := s.Reading(primary); ok {
		fields = append(fields, VarintField(PacketTimestamp, ts))
	}
	fields = append(fields, BytesField(PacketClockSnapshot, s.Marshal()))
	if s.SequenceID != 0 {
		fields = append(fields, VarintField(PacketTrustedSequenceID, uint64(s.SequenceID)))
	}
	return Marshal(fields...)
}

// TraceUUIDPacket builds a TracePacket carrying a TraceUuid.
func TraceUUIDPacket(msb, lsb int64) []byte {
	uuid := Marshal(
		VarintField(TraceUUIDMSB, uint64(msb)),
		VarintField(TraceUUIDLSB, uint64(lsb)),
	)
	return Marshal(BytesField(PacketTraceUUID, uuid))
}

// Clock returns the entry recorded for clock id.
func (s ClockSnapshot) Clock(id uint32) (Clock, bool) {
	for _, c := range s.Clocks {
		if c.ID == id {
			return c, true
		}
	}
	return Clock{}, false
}
