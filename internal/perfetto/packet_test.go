package perfetto_test

import (
	"testing"

	"github.com/mrzor/tracemerge/internal/perfetto"
	pt "github.com/mrzor/tracemerge/internal/perfetto/perfettotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePacket_Kinds(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want perfetto.Kind
	}{
		{"track event", pt.Instant(1, 1, 1, "x"), perfetto.KindTrackEvent},
		{"thread track", pt.ThreadTrack(1, 2, 3, 4, "t"), perfetto.KindTrackDescriptor},
		{"process tree", pt.ProcessTree(5, 10, 1, 11), perfetto.KindProcessTree},
		{"clock snapshot", pt.Snapshot(perfetto.ClockBoottime, perfetto.Clock{ID: perfetto.ClockBoottime, Timestamp: 1}), perfetto.KindClockSnapshot},
		{"trace uuid", perfetto.TraceUUIDPacket(1, 2), perfetto.KindTraceUUID},
		{"compressed", pt.Compressed(t, pt.Instant(1, 1, 1, "x")), perfetto.KindCompressed},
		{"interned only", pt.InternedNames(1, false, 1, "n"), perfetto.KindIncrementalState},
		{"defaults only", pt.Defaults(1, perfetto.ClockMonotonic, 0), perfetto.KindIncrementalState},
		{"ftrace bundle", pt.FtraceBundle(0, pt.Ftrace{Events: []uint64{5}}), perfetto.KindFtraceEvents},
		{"opaque", pt.Opaque(33, "config"), perfetto.KindOther},
		{"empty", nil, perfetto.KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := perfetto.DecodePacket(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Kind, "got %s", p.Kind)
		})
	}
}

func TestDecodePacket_Envelope(t *testing.T) {
	raw := perfetto.Marshal(
		perfetto.VarintField(perfetto.PacketTimestamp, 42),
		perfetto.VarintField(perfetto.PacketTimestampClockID, uint64(perfetto.ClockMonotonic)),
		perfetto.VarintField(perfetto.PacketTrustedSequenceID, 7),
		perfetto.Int32Field(perfetto.PacketTrustedPID, 1234),
		perfetto.VarintField(perfetto.PacketSequenceFlags, perfetto.SeqIncrementalStateCleared),
		perfetto.StringField(33, "payload"),
	)
	p, err := perfetto.DecodePacket(raw)
	require.NoError(t, err)

	assert.True(t, p.HasTimestamp)
	assert.Equal(t, uint64(42), p.Timestamp)
	assert.True(t, p.HasClockID)
	assert.Equal(t, perfetto.ClockMonotonic, p.ClockID)
	assert.Equal(t, uint32(7), p.SequenceID)
	assert.Equal(t, int32(1234), p.TrustedPID)
	assert.True(t, p.ResetsIncrementalState())
	assert.Equal(t, perfetto.KindOther, p.Kind)
	assert.Equal(t, "payload", string(p.Payload))
}

func TestDecodeTrackEvent(t *testing.T) {
	p, err := perfetto.DecodePacket(pt.TrackEvent(pt.Event{
		TS: 1, Seq: 1, Track: 9, Type: perfetto.TypeCounter, NameIID: 4, Counters: []uint64{20, 21},
	}))
	require.NoError(t, err)

	te, err := perfetto.DecodeTrackEvent(p.Payload)
	require.NoError(t, err)
	assert.Equal(t, perfetto.TypeCounter, te.Type)
	assert.Equal(t, "counter", te.Type.String())
	assert.True(t, te.HasTrackUUID)
	assert.Equal(t, uint64(9), te.TrackUUID)
	assert.Equal(t, uint64(4), te.NameIID)
	assert.Equal(t, []uint64{20, 21}, te.CounterTracks)
}

func TestDecodeTrackDescriptor(t *testing.T) {
	p, err := perfetto.DecodePacket(pt.ThreadTrack(1, 5, 100, 101, "worker"))
	require.NoError(t, err)
	d, err := perfetto.DecodeTrackDescriptor(p.Payload)
	require.NoError(t, err)
	assert.Equal(t, perfetto.TrackDescriptor{UUID: 5, PID: 100, TID: 101, IsThread: true}, d)

	p, err = perfetto.DecodePacket(pt.ChildTrack(1, 6, 5, "child"))
	require.NoError(t, err)
	d, err = perfetto.DecodeTrackDescriptor(p.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), d.ParentUUID)
	assert.Equal(t, "child", d.Name)
}

func TestProcessTreePIDs(t *testing.T) {
	p, err := perfetto.DecodePacket(pt.ProcessTree(1, 10, 1, 11, 12))
	require.NoError(t, err)
	pids, err := perfetto.ProcessTreePIDs(p.Payload)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{10, 1, 11, 10, 12, 10}, pids)
}

func TestDecodeEventNamesAndDefaults(t *testing.T) {
	p, err := perfetto.DecodePacket(pt.InternedNames(1, false, 1, "one", uint64(2), "two"))
	require.NoError(t, err)
	names, err := perfetto.DecodeEventNames(p.InternedData)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]string{1: "one", 2: "two"}, names)

	p, err = perfetto.DecodePacket(pt.Defaults(1, perfetto.ClockRealtime, 77))
	require.NoError(t, err)
	d, err := perfetto.DecodeDefaults(p.Defaults)
	require.NoError(t, err)
	assert.True(t, d.HasClockID)
	assert.Equal(t, perfetto.ClockRealtime, d.ClockID)
	assert.Equal(t, uint64(77), d.TrackEvent.TrackUUID)
}
