package perfetto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind classifies a TracePacket by its payload.
type Kind int

const (
	// KindOther is any payload the merger does not interpret (trace
	// config, system info, stats...).
	KindOther Kind = iota
	KindTrackEvent
	KindTrackDescriptor
	KindProcessTree
	KindClockSnapshot
	KindTraceUUID
	KindCompressed
	// KindIncrementalState is a packet that carries only sequence state:
	// interned data, packet defaults or sequence flags.
	KindIncrementalState
	// KindFtraceEvents is an FtraceEventBundle. Its timestamps live inside
	// the payload, one per event.
	KindFtraceEvents
)

func (k Kind) String() string {
	switch k {
	case KindTrackEvent:
		return "track_event"
	case KindTrackDescriptor:
		return "track_descriptor"
	case KindProcessTree:
		return "process_tree"
	case KindClockSnapshot:
		return "clock_snapshot"
	case KindTraceUUID:
		return "trace_uuid"
	case KindCompressed:
		return "compressed_packets"
	case KindIncrementalState:
		return "incremental_state"
	case KindFtraceEvents:
		return "ftrace_events"
	default:
		return "other"
	}
}

// Packet is a decoded TracePacket. Only envelope fields are interpreted;
// the payload stays in Fields.
type Packet struct {
	Raw    []byte
	Fields []Field
	Kind   Kind

	Timestamp    uint64
	HasTimestamp bool
	ClockID      uint32
	HasClockID   bool

	SequenceID              uint32
	SequenceFlags           uint64
	IncrementalStateCleared bool
	TrustedPID              int32

	// Payload is the bytes of the field that determined Kind.
	Payload []byte
	// InternedData and Defaults are nil when the packet has none.
	InternedData []byte
	Defaults     []byte
}

// DecodePacket decodes the envelope of one TracePacket.
func DecodePacket(raw []byte) (*Packet, error) {
	fields, err := ParseFields(raw)
	if err != nil {
		return nil, err
	}

	p := &Packet{Raw: raw, Fields: fields, Kind: KindIncrementalState}
	hasPayload := false
	setKind := func(k Kind, payload []byte) {
		if !hasPayload {
			p.Kind = k
			p.Payload = payload
			hasPayload = true
		}
	}

	for _, f := range fields {
		switch f.Num {
		case PacketTimestamp:
			p.Timestamp = f.Varint
			p.HasTimestamp = true
		case PacketTimestampClockID:
			p.ClockID = uint32(f.Varint)
			p.HasClockID = true
		case PacketTrustedSequenceID:
			p.SequenceID = uint32(f.Varint)
		case PacketSequenceFlags:
			p.SequenceFlags = f.Varint
		case PacketIncrementalStateCleared:
			p.IncrementalStateCleared = f.Varint != 0
		case PacketTrustedPID:
			p.TrustedPID = f.Int32()
		case PacketTrustedUID, PacketPreviousPacketDropped, PacketFirstOnSequence:
		case PacketInternedData:
			p.InternedData = f.Bytes
		case PacketDefaults:
			p.Defaults = f.Bytes
		case PacketTrackEvent:
			setKind(KindTrackEvent, f.Bytes)
		case PacketTrackDescriptor:
			setKind(KindTrackDescriptor, f.Bytes)
		case PacketProcessTree:
			setKind(KindProcessTree, f.Bytes)
		case PacketClockSnapshot:
			setKind(KindClockSnapshot, f.Bytes)
		case PacketTraceUUID:
			setKind(KindTraceUUID, f.Bytes)
		case PacketCompressedPackets:
			setKind(KindCompressed, f.Bytes)
		case PacketFtraceEvents:
			setKind(KindFtraceEvents, f.Bytes)
		default:
			setKind(KindOther, f.Bytes)
		}
	}
	if !hasPayload && p.InternedData == nil && p.Defaults == nil &&
		p.SequenceFlags == 0 && !p.IncrementalStateCleared {
		p.Kind = KindOther
	}
	return p, nil
}

// ResetsIncrementalState reports whether the packet starts a fresh
// incremental state on its sequence.
func (p *Packet) ResetsIncrementalState() bool {
	return p.IncrementalStateCleared || p.SequenceFlags&SeqIncrementalStateCleared != 0
}

// EventType mirrors TrackEvent.Type.
type EventType uint64

const (
	TypeUnspecified EventType = 0
	TypeSliceBegin  EventType = 1
	TypeSliceEnd    EventType = 2
	TypeInstant     EventType = 3
	TypeCounter     EventType = 4
)

func (t EventType) String() string {
	switch t {
	case TypeSliceBegin:
		return "slice_begin"
	case TypeSliceEnd:
		return "slice_end"
	case TypeInstant:
		return "instant"
	case TypeCounter:
		return "counter"
	default:
		return "unspecified"
	}
}

// TrackEvent holds the TrackEvent fields used for anchor matching and
// identifier bookkeeping.
type TrackEvent struct {
	Type         EventType
	TrackUUID    uint64
	HasTrackUUID bool
	Name         string
	NameIID      uint64
	// CounterTracks lists extra_counter_track_uuids and
	// extra_double_counter_track_uuids.
	CounterTracks []uint64
}

// DecodeTrackEvent decodes a TrackEvent (or TrackEventDefaults) message.
func DecodeTrackEvent(b []byte) (TrackEvent, error) {
	var ev TrackEvent
	fields, err := ParseFields(b)
	if err != nil {
		return ev, err
	}
	for _, f := range fields {
		switch f.Num {
		case TrackEventType:
			ev.Type = EventType(f.Varint)
		case TrackEventTrackUUID:
			ev.TrackUUID = f.Varint
			ev.HasTrackUUID = true
		case TrackEventName:
			ev.Name = string(f.Bytes)
		case TrackEventNameIID:
			ev.NameIID = f.Varint
		case TrackEventExtraCounterTrackUUIDs, TrackEventExtraDoubleCounterTrackUUIDs:
			vs, err := f.Uint64s()
			if err != nil {
				return ev, err
			}
			ev.CounterTracks = append(ev.CounterTracks, vs...)
		}
	}
	return ev, nil
}

// TracePacketDefaults holds the TracePacketDefaults fields the merger reads.
type TracePacketDefaults struct {
	ClockID    uint32
	HasClockID bool
	TrackEvent TrackEvent
}

// DecodeDefaults decodes a TracePacketDefaults message.
func DecodeDefaults(b []byte) (TracePacketDefaults, error) {
	var d TracePacketDefaults
	fields, err := ParseFields(b)
	if err != nil {
		return d, err
	}
	for _, f := range fields {
		switch f.Num {
		case DefaultsTimestampClockID:
			d.ClockID = uint32(f.Varint)
			d.HasClockID = true
		case DefaultsTrackEventDefaults:
			ev, err := DecodeTrackEvent(f.Bytes)
			if err != nil {
				return d, fmt.Errorf("track_event_defaults: %w", err)
			}
			d.TrackEvent = ev
		}
	}
	return d, nil
}

// DecodeEventNames returns the interned event names of an InternedData
// message keyed by iid.
func DecodeEventNames(b []byte) (map[uint64]string, error) {
	fields, err := ParseFields(b)
	if err != nil {
		return nil, err
	}
	names := make(map[uint64]string)
	for _, f := range fields {
		if f.Num != InternedEventNames || f.Type != protowire.BytesType {
			continue
		}
		entry, err := ParseFields(f.Bytes)
		if err != nil {
			return nil, fmt.Errorf("event_names: %w", err)
		}
		var iid uint64
		var name string
		for _, e := range entry {
			switch e.Num {
			case EventNameIID:
				iid = e.Varint
			case EventNameName:
				name = string(e.Bytes)
			}
		}
		names[iid] = name
	}
	return names, nil
}

// TrackDescriptor holds the identifiers a TrackDescriptor declares.
type TrackDescriptor struct {
	UUID       uint64
	ParentUUID uint64
	Name       string
	PID        int32
	TID        int32
	IsProcess  bool
	IsThread   bool
}

// DecodeTrackDescriptor decodes a TrackDescriptor message.
func DecodeTrackDescriptor(b []byte) (TrackDescriptor, error) {
	var d TrackDescriptor
	fields, err := ParseFields(b)
	if err != nil {
		return d, err
	}
	for _, f := range fields {
		switch f.Num {
		case TrackDescriptorUUID:
			d.UUID = f.Varint
		case TrackDescriptorParentUUID:
			d.ParentUUID = f.Varint
		case TrackDescriptorName:
			d.Name = string(f.Bytes)
		case TrackDescriptorProcess:
			d.IsProcess = true
			sub, err := ParseFields(f.Bytes)
			if err != nil {
				return d, fmt.Errorf("process descriptor: %w", err)
			}
			for _, s := range sub {
				if s.Num == ProcessDescriptorPID {
					d.PID = s.Int32()
				}
			}
		case TrackDescriptorThread:
			d.IsThread = true
			sub, err := ParseFields(f.Bytes)
			if err != nil {
				return d, fmt.Errorf("thread descriptor: %w", err)
			}
			for _, s := range sub {
				switch s.Num {
				case ThreadDescriptorPID:
					d.PID = s.Int32()
				case ThreadDescriptorTID:
					d.TID = s.Int32()
				}
			}
		}
	}
	return d, nil
}

// ProcessTreePIDs returns every pid, ppid, tid and tgid named in a
// ProcessTree message.
func ProcessTreePIDs(b []byte) ([]int32, error) {
	fields, err := ParseFields(b)
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, f := range fields {
		var wanted [2]protowire.Number
		switch f.Num {
		case ProcessTreeProcesses:
			wanted = [2]protowire.Number{ProcessPID, ProcessPPID}
		case ProcessTreeThreads:
			wanted = [2]protowire.Number{ThreadTID, ThreadTGID}
		default:
			continue
		}
		sub, err := ParseFields(f.Bytes)
		if err != nil {
			return nil, fmt.Errorf("process tree entry: %w", err)
		}
		for _, s := range sub {
			if s.Num == wanted[0] || s.Num == wanted[1] {
				pids = append(pids, s.Int32())
			}
		}
	}
	return pids, nil
}
