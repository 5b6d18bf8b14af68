package perfetto

import "google.golang.org/protobuf/encoding/protowire"

// Trace.
const TracePacketField protowire.Number = 1

// TracePacket.
//
//nolint:revive // names follow the proto field names
const (
	PacketProcessTree             protowire.Number = 2
	PacketTrustedUID              protowire.Number = 3
	PacketClockSnapshot           protowire.Number = 6
	PacketTimestamp               protowire.Number = 8
	PacketTrustedSequenceID       protowire.Number = 10
	PacketTrackEvent              protowire.Number = 11
	PacketInternedData            protowire.Number = 12
	PacketSequenceFlags           protowire.Number = 13
	PacketIncrementalStateCleared protowire.Number = 41
	PacketPreviousPacketDropped   protowire.Number = 42
	PacketCompressedPackets       protowire.Number = 50
	PacketTimestampClockID        protowire.Number = 58
	PacketDefaults                protowire.Number = 59
	PacketTrackDescriptor         protowire.Number = 60
	PacketTrustedPID              protowire.Number = 79
	PacketFirstOnSequence         protowire.Number = 87
	PacketTraceUUID               protowire.Number = 89
)

// TracePacket.sequence_flags bits.
const (
	SeqIncrementalStateCleared uint64 = 1
	SeqNeedsIncrementalState   uint64 = 2
)

// TracePacketDefaults.
const (
	DefaultsTrackEventDefaults protowire.Number = 11
	DefaultsTimestampClockID   protowire.Number = 58
)

// TrackEvent and TrackEventDefaults share these numbers.
const (
	TrackEventType                         protowire.Number = 9
	TrackEventNameIID                      protowire.Number = 10
	TrackEventTrackUUID                    protowire.Number = 11
	TrackEventCategories                   protowire.Number = 22
	TrackEventName                         protowire.Number = 23
	TrackEventCounterValue                 protowire.Number = 30
	TrackEventExtraCounterTrackUUIDs       protowire.Number = 31
	TrackEventExtraDoubleCounterTrackUUIDs protowire.Number = 45
)

// InternedData and its EventName entries.
const (
	InternedEventNames protowire.Number = 2
	EventNameIID       protowire.Number = 1
	EventNameName      protowire.Number = 2
)

// TrackDescriptor, ProcessDescriptor and ThreadDescriptor.
const (
	TrackDescriptorUUID       protowire.Number = 1
	TrackDescriptorName       protowire.Number = 2
	TrackDescriptorProcess    protowire.Number = 3
	TrackDescriptorThread     protowire.Number = 4
	TrackDescriptorParentUUID protowire.Number = 5

	ProcessDescriptorPID  protowire.Number = 1
	ProcessDescriptorName protowire.Number = 6

	ThreadDescriptorPID  protowire.Number = 1
	ThreadDescriptorTID  protowire.Number = 2
	ThreadDescriptorName protowire.Number = 5
)

// ProcessTree and its Process / Thread entries.
const (
	ProcessTreeProcesses protowire.Number = 1
	ProcessTreeThreads   protowire.Number = 2

	ProcessPID  protowire.Number = 1
	ProcessPPID protowire.Number = 2

	ThreadTID  protowire.Number = 1
	ThreadTGID protowire.Number = 3
)

// ClockSnapshot and its Clock entries.
const (
	SnapshotClocks       protowire.Number = 1
	SnapshotPrimaryClock protowire.Number = 2

	ClockID               protowire.Number = 1
	ClockTimestamp        protowire.Number = 2
	ClockIsIncremental    protowire.Number = 3
	ClockUnitMultiplierNs protowire.Number = 4
)

// TraceUuid.
const (
	TraceUUIDMSB protowire.Number = 1
	TraceUUIDLSB protowire.Number = 2
)

// Builtin clock ids.
const (
	ClockRealtime        uint32 = 1
	ClockRealtimeCoarse  uint32 = 2
	ClockMonotonic       uint32 = 3
	ClockMonotonicCoarse uint32 = 4
	ClockMonotonicRaw    uint32 = 5
	ClockBoottime        uint32 = 6

	// ClockHostBoottime is the global custom clock id under which a guest
	// records the host's BOOTTIME reading next to its own clocks in a
	// ClockSnapshot. A snapshot carrying both declares where guest boot sits
	// on the host timeline.
	ClockHostBoottime uint32 = 128
)

// IsSequenceScopedClock reports whether id belongs to the range of clock ids
// whose meaning is local to one packet sequence.
func IsSequenceScopedClock(id uint32) bool {
	return id >= 64 && id < 128
}
