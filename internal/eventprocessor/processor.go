package eventprocessor

import (
	"fmt"

	"github.com/mrzor/tracemerge/internal/perfetto"
	"github.com/mrzor/tracemerge/internal/procmeta"
	"google.golang.org/protobuf/encoding/protowire"
)

// Translator maps a source timestamp into combined time.
type Translator interface {
	Apply(ts uint64) (uint64, error)
}

// Processor rewrites packets of one source.
type Processor struct {
	translator Translator
	remap      *procmeta.Remap
}

// NewProcessor creates a processor. A nil translator keeps timestamps and a
// nil remap keeps identifiers.
func NewProcessor(translator Translator, remap *procmeta.Remap) *Processor {
	return &Processor{
		translator: translator,
		remap:      remap,
	}
}

// Process returns the re-encoded packet. The packet's Timestamp and
// SequenceID must already be normalised by the reader; the raw fields are
// not consulted for either.
func (p *Processor) Process(pkt *perfetto.Packet) ([]byte, error) {
	ts := pkt.Timestamp
	if pkt.HasTimestamp && p.translator != nil {
		var err error
		ts, err = p.translator.Apply(pkt.Timestamp)
		if err != nil {
			return nil, err
		}
	}

	out, err := perfetto.Rewrite(pkt.Raw, func(f perfetto.Field) ([]perfetto.Field, error) {
		switch f.Num {
		case perfetto.PacketTimestamp:
			return []perfetto.Field{perfetto.VarintField(f.Num, ts)}, nil
		case perfetto.PacketTimestampClockID, perfetto.PacketClockSnapshot:
			return nil, nil
		case perfetto.PacketTrustedSequenceID:
			return []perfetto.Field{perfetto.VarintField(f.Num, uint64(p.remap.Sequence(pkt.SequenceID)))}, nil
		case perfetto.PacketTrustedPID:
			return []perfetto.Field{perfetto.Int32Field(f.Num, p.remap.PID(f.Int32()))}, nil
		case perfetto.PacketTrackEvent:
			return p.message(f, p.trackEvent)
		case perfetto.PacketTrackDescriptor:
			return p.message(f, p.trackDescriptor)
		case perfetto.PacketProcessTree:
			return p.message(f, p.processTree)
		case perfetto.PacketDefaults:
			return p.message(f, p.defaults)
		case perfetto.PacketFtraceEvents:
			return p.ftrace(f)
		default:
			return perfetto.Keep(f), nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s packet: %w", pkt.Kind, err)
	}
	return out, nil
}

// message rewrites a length-delimited field with fn applied to its subfields.
func (p *Processor) message(f perfetto.Field, fn func(perfetto.Field) ([]perfetto.Field, error)) ([]perfetto.Field, error) {
	if f.Type != protowire.BytesType {
		return perfetto.Keep(f), nil
	}
	b, err := perfetto.Rewrite(f.Bytes, fn)
	if err != nil {
		return nil, fmt.Errorf("field %d: %w", f.Num, err)
	}
	return []perfetto.Field{perfetto.BytesField(f.Num, b)}, nil
}

func (p *Processor) track(f perfetto.Field) []perfetto.Field {
	if f.Type != protowire.VarintType {
		return perfetto.Keep(f)
	}
	return []perfetto.Field{perfetto.VarintField(f.Num, p.remap.Track(f.Varint))}
}

func (p *Processor) pid(f perfetto.Field) []perfetto.Field {
	if f.Type != protowire.VarintType {
		return perfetto.Keep(f)
	}
	return []perfetto.Field{perfetto.Int32Field(f.Num, p.remap.PID(f.Int32()))}
}

func (p *Processor) tracks(f perfetto.Field) ([]perfetto.Field, error) {
	vs, err := f.Uint64s()
	if err != nil {
		return nil, err
	}
	for i, v := range vs {
		vs[i] = p.remap.Track(v)
	}
	if f.Type == protowire.VarintType {
		return []perfetto.Field{perfetto.VarintField(f.Num, vs[0])}, nil
	}
	return []perfetto.Field{perfetto.PackedUint64s(f.Num, vs)}, nil
}

func (p *Processor) trackEvent(f perfetto.Field) ([]perfetto.Field, error) {
	switch f.Num {
	case perfetto.TrackEventTrackUUID:
		return p.track(f), nil
	case perfetto.TrackEventExtraCounterTrackUUIDs, perfetto.TrackEventExtraDoubleCounterTrackUUIDs:
		return p.tracks(f)
	}
	return perfetto.Keep(f), nil
}

func (p *Processor) trackDescriptor(f perfetto.Field) ([]perfetto.Field, error) {
	switch f.Num {
	case perfetto.TrackDescriptorUUID, perfetto.TrackDescriptorParentUUID:
		return p.track(f), nil
	case perfetto.TrackDescriptorProcess:
		return p.message(f, func(sf perfetto.Field) ([]perfetto.Field, error) {
			if sf.Num == perfetto.ProcessDescriptorPID {
				return p.pid(sf), nil
			}
			return perfetto.Keep(sf), nil
		})
	case perfetto.TrackDescriptorThread:
		return p.message(f, func(sf perfetto.Field) ([]perfetto.Field, error) {
			switch sf.Num {
			case perfetto.ThreadDescriptorPID, perfetto.ThreadDescriptorTID:
				return p.pid(sf), nil
			}
			return perfetto.Keep(sf), nil
		})
	}
	return perfetto.Keep(f), nil
}

func (p *Processor) processTree(f perfetto.Field) ([]perfetto.Field, error) {
	var ids [2]protowire.Number
	switch f.Num {
	case perfetto.ProcessTreeProcesses:
		ids = [2]protowire.Number{perfetto.ProcessPID, perfetto.ProcessPPID}
	case perfetto.ProcessTreeThreads:
		ids = [2]protowire.Number{perfetto.ThreadTID, perfetto.ThreadTGID}
	default:
		return perfetto.Keep(f), nil
	}
	return p.message(f, func(sf perfetto.Field) ([]perfetto.Field, error) {
		if sf.Num == ids[0] || sf.Num == ids[1] {
			return p.pid(sf), nil
		}
		return perfetto.Keep(sf), nil
	})
}

func (p *Processor) defaults(f perfetto.Field) ([]perfetto.Field, error) {
	switch f.Num {
	case perfetto.DefaultsTimestampClockID:
		return nil, nil
	case perfetto.DefaultsTrackEventDefaults:
		return p.message(f, p.trackEvent)
	}
	return perfetto.Keep(f), nil
}

// ftrace moves every timestamp of a bundle. Ftrace pids are kernel ids of the
// recording machine and are kept.
func (p *Processor) ftrace(f perfetto.Field) ([]perfetto.Field, error) {
	if f.Type != protowire.BytesType || p.translator == nil {
		return perfetto.Keep(f), nil
	}
	b, err := perfetto.ShiftFtraceBundle(f.Bytes, p.translator.Apply)
	if err != nil {
		return nil, fmt.Errorf("ftrace events: %w", err)
	}
	return []perfetto.Field{perfetto.BytesField(f.Num, b)}, nil
}
