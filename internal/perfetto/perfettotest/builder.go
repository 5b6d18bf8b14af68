// Package perfettotest builds small Perfetto traces for tests.
package perfettotest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/mrzor/tracemerge/internal/perfetto"
	"google.golang.org/protobuf/encoding/protowire"
)

// Trace accumulates encoded packets.
type Trace struct {
	buf []byte
}

// NewTrace starts an empty trace.
func NewTrace() *Trace {
	return &Trace{}
}

// Add appends packets.
func (t *Trace) Add(packets ...[]byte) *Trace {
	for _, p := range packets {
		t.buf = perfetto.AppendTracePacket(t.buf, p)
	}
	return t
}

// Bytes returns the encoded Trace message.
func (t *Trace) Bytes() []byte {
	return append([]byte(nil), t.buf...)
}

// WriteFile writes the trace into dir and returns its path.
func (t *Trace) WriteFile(tb testing.TB, dir, name string) string {
	tb.Helper()
	return WriteFile(tb, dir, name, t.buf)
}

// WriteGzipFile writes the trace gzip-compressed into dir.
func (t *Trace) WriteGzipFile(tb testing.TB, dir, name string) string {
	tb.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(t.buf); err != nil {
		tb.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("gzip: %v", err)
	}
	return WriteFile(tb, dir, name, buf.Bytes())
}

// WriteFile writes raw bytes into dir and returns the path.
func WriteFile(tb testing.TB, dir, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Event describes a track event packet.
type Event struct {
	TS       uint64
	Seq      uint32
	Track    uint64
	Type     perfetto.EventType
	Name     string
	NameIID  uint64
	ClockID  uint32
	Counters []uint64
}

// TrackEvent encodes a track event packet.
func TrackEvent(e Event) []byte {
	var te []perfetto.Field
	if e.Type != perfetto.TypeUnspecified {
		te = append(te, perfetto.VarintField(perfetto.TrackEventType, uint64(e.Type)))
	}
	if e.NameIID != 0 {
		te = append(te, perfetto.VarintField(perfetto.TrackEventNameIID, e.NameIID))
	}
	if e.Track != 0 {
		te = append(te, perfetto.VarintField(perfetto.TrackEventTrackUUID, e.Track))
	}
	if e.Name != "" {
		te = append(te, perfetto.StringField(perfetto.TrackEventName, e.Name))
	}
	if len(e.Counters) > 0 {
		te = append(te, perfetto.PackedUint64s(perfetto.TrackEventExtraCounterTrackUUIDs, e.Counters))
	}

	fields := []perfetto.Field{perfetto.VarintField(perfetto.PacketTimestamp, e.TS)}
	if e.ClockID != 0 {
		fields = append(fields, perfetto.VarintField(perfetto.PacketTimestampClockID, uint64(e.ClockID)))
	}
	fields = append(fields,
		perfetto.BytesField(perfetto.PacketTrackEvent, perfetto.Marshal(te...)),
		perfetto.VarintField(perfetto.PacketTrustedSequenceID, uint64(e.Seq)),
	)
	return perfetto.Marshal(fields...)
}

// Instant is shorthand for a named instant event on track.
func Instant(ts uint64, seq uint32, track uint64, name string) []byte {
	return TrackEvent(Event{TS: ts, Seq: seq, Track: track, Type: perfetto.TypeInstant, Name: name})
}

// InternedNames encodes an untimed packet interning event names on seq.
// names alternates iid and name.
func InternedNames(seq uint32, reset bool, names ...any) []byte {
	var entries []perfetto.Field
	for i := 0; i+1 < len(names); i += 2 {
		entry := perfetto.Marshal(
			perfetto.VarintField(perfetto.EventNameIID, toUint64(names[i])),
			perfetto.StringField(perfetto.EventNameName, names[i+1].(string)),
		)
		entries = append(entries, perfetto.BytesField(perfetto.InternedEventNames, entry))
	}
	fields := []perfetto.Field{
		perfetto.BytesField(perfetto.PacketInternedData, perfetto.Marshal(entries...)),
		perfetto.VarintField(perfetto.PacketTrustedSequenceID, uint64(seq)),
	}
	if reset {
		fields = append(fields, perfetto.VarintField(perfetto.PacketSequenceFlags, perfetto.SeqIncrementalStateCleared))
	}
	return perfetto.Marshal(fields...)
}

// Defaults encodes an untimed packet setting trace_packet_defaults on seq.
func Defaults(seq uint32, clockID uint32, track uint64) []byte {
	var d []perfetto.Field
	if track != 0 {
		ted := perfetto.Marshal(perfetto.VarintField(perfetto.TrackEventTrackUUID, track))
		d = append(d, perfetto.BytesField(perfetto.DefaultsTrackEventDefaults, ted))
	}
	if clockID != 0 {
		d = append(d, perfetto.VarintField(perfetto.DefaultsTimestampClockID, uint64(clockID)))
	}
	return perfetto.Marshal(
		perfetto.BytesField(perfetto.PacketDefaults, perfetto.Marshal(d...)),
		perfetto.VarintField(perfetto.PacketTrustedSequenceID, uint64(seq)),
	)
}

// ThreadTrack encodes a track descriptor for a thread.
func ThreadTrack(seq uint32, uuid uint64, pid, tid int32, name string) []byte {
	thread := perfetto.Marshal(
		perfetto.Int32Field(perfetto.ThreadDescriptorPID, pid),
		perfetto.Int32Field(perfetto.ThreadDescriptorTID, tid),
		perfetto.StringField(perfetto.ThreadDescriptorName, name),
	)
	desc := perfetto.Marshal(
		perfetto.VarintField(perfetto.TrackDescriptorUUID, uuid),
		perfetto.BytesField(perfetto.TrackDescriptorThread, thread),
	)
	return perfetto.Marshal(
		perfetto.BytesField(perfetto.PacketTrackDescriptor, desc),
		perfetto.VarintField(perfetto.PacketTrustedSequenceID, uint64(seq)),
	)
}

// ProcessTrack encodes a track descriptor for a process.
func ProcessTrack(seq uint32, uuid uint64, pid int32, name string) []byte {
	process := perfetto.Marshal(
		perfetto.Int32Field(perfetto.ProcessDescriptorPID, pid),
		perfetto.StringField(perfetto.ProcessDescriptorName, name),
	)
	desc := perfetto.Marshal(
		perfetto.VarintField(perfetto.TrackDescriptorUUID, uuid),
		perfetto.BytesField(perfetto.TrackDescriptorProcess, process),
	)
	return perfetto.Marshal(
		perfetto.BytesField(perfetto.PacketTrackDescriptor, desc),
		perfetto.VarintField(perfetto.PacketTrustedSequenceID, uint64(seq)),
	)
}

// ChildTrack encodes a track descriptor nested under parent.
func ChildTrack(seq uint32, uuid, parent uint64, name string) []byte {
	desc := perfetto.Marshal(
		perfetto.VarintField(perfetto.TrackDescriptorUUID, uuid),
		perfetto.StringField(perfetto.TrackDescriptorName, name),
		perfetto.VarintField(perfetto.TrackDescriptorParentUUID, parent),
	)
	return perfetto.Marshal(
		perfetto.BytesField(perfetto.PacketTrackDescriptor, desc),
		perfetto.VarintField(perfetto.PacketTrustedSequenceID, uint64(seq)),
	)
}

// ProcessTree encodes a timed process tree packet with one process and its
// threads.
func ProcessTree(ts uint64, pid, ppid int32, tids ...int32) []byte {
	proc := perfetto.Marshal(
		perfetto.Int32Field(perfetto.ProcessPID, pid),
		perfetto.Int32Field(perfetto.ProcessPPID, ppid),
	)
	tree := []perfetto.Field{perfetto.BytesField(perfetto.ProcessTreeProcesses, proc)}
	for _, tid := range tids {
		th := perfetto.Marshal(
			perfetto.Int32Field(perfetto.ThreadTID, tid),
			perfetto.Int32Field(perfetto.ThreadTGID, pid),
		)
		tree = append(tree, perfetto.BytesField(perfetto.ProcessTreeThreads, th))
	}
	return perfetto.Marshal(
		perfetto.VarintField(perfetto.PacketTimestamp, ts),
		perfetto.BytesField(perfetto.PacketProcessTree, perfetto.Marshal(tree...)),
	)
}

// Snapshot encodes a clock snapshot packet.
func Snapshot(primary uint32, clocks ...perfetto.Clock) []byte {
	return perfetto.ClockSnapshotPacket(perfetto.ClockSnapshot{Clocks: clocks, PrimaryTraceClock: primary})
}

// Opaque encodes an untimed packet with a payload field the merger does not
// interpret.
func Opaque(num uint32, payload string) []byte {
	return perfetto.Marshal(perfetto.StringField(protowire.Number(num), payload))
}

// Compressed wraps packets in a compressed_packets packet.
func Compressed(tb testing.TB, packets ...[]byte) []byte {
	tb.Helper()
	inner := NewTrace().Add(packets...).Bytes()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(inner); err != nil {
		tb.Fatalf("zlib: %v", err)
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("zlib: %v", err)
	}
	return perfetto.Marshal(perfetto.BytesField(perfetto.PacketCompressedPackets, buf.Bytes()))
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case int:
		return uint64(n)
	case uint64:
		return n
	default:
		panic("perfettotest: iid must be int or uint64")
	}
}

// Ftrace describes an ftrace bundle. Timestamps are absolute; Switch and
// Waking are delta encoded into compact_sched.
type Ftrace struct {
	CPU    uint32
	Events []uint64
	Switch []uint64
	Waking []uint64
	Clock  uint64
}

// FtraceBundle encodes an untimed ftrace_events packet on seq.
func FtraceBundle(seq uint32, b Ftrace) []byte {
	bundle := []perfetto.Field{perfetto.VarintField(perfetto.FtraceBundleCPU, uint64(b.CPU))}
	for _, ts := range b.Events {
		ev := perfetto.Marshal(
			perfetto.VarintField(perfetto.FtraceEventTimestamp, ts),
			perfetto.Int32Field(perfetto.FtraceEventPID, 11),
		)
		bundle = append(bundle, perfetto.BytesField(perfetto.FtraceBundleEvent, ev))
	}
	if len(b.Switch) > 0 || len(b.Waking) > 0 {
		var compact []perfetto.Field
		if len(b.Switch) > 0 {
			compact = append(compact, perfetto.PackedUint64s(perfetto.CompactSwitchTimestamp, deltas(b.Switch)))
		}
		if len(b.Waking) > 0 {
			compact = append(compact, perfetto.PackedUint64s(perfetto.CompactWakingTimestamp, deltas(b.Waking)))
		}
		bundle = append(bundle, perfetto.BytesField(perfetto.FtraceBundleCompactSched, perfetto.Marshal(compact...)))
	}
	if b.Clock != 0 {
		bundle = append(bundle, perfetto.VarintField(perfetto.FtraceBundleClock, b.Clock))
	}

	fields := []perfetto.Field{perfetto.BytesField(perfetto.PacketFtraceEvents, perfetto.Marshal(bundle...))}
	if seq != 0 {
		fields = append(fields, perfetto.VarintField(perfetto.PacketTrustedSequenceID, uint64(seq)))
	}
	return perfetto.Marshal(fields...)
}

func deltas(abs []uint64) []uint64 {
	out := make([]uint64, len(abs))
	var prev uint64
	for i, v := range abs {
		out[i] = v - prev
		prev = v
	}
	return out
}

// ScopedSnapshot encodes a clock snapshot packet on seq.
func ScopedSnapshot(seq uint32, clocks ...perfetto.Clock) []byte {
	return perfetto.ClockSnapshotPacket(perfetto.ClockSnapshot{Clocks: clocks, SequenceID: seq})
}
