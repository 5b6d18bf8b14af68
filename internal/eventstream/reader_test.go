package eventstream

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mrzor/tracemerge/internal/perfetto"
	pt "github.com/mrzor/tracemerge/internal/perfetto/perfettotest"
	"github.com/mrzor/tracemerge/internal/tracerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timestamps(events []Event) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.Timestamp
	}
	return out
}

func names(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return out
}

func TestRead_ClassifiesPackets(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(
		pt.Snapshot(perfetto.ClockBoottime,
			perfetto.Clock{ID: perfetto.ClockBoottime, Timestamp: 0},
			perfetto.Clock{ID: perfetto.ClockHostBoottime, Timestamp: 100},
		),
		perfetto.TraceUUIDPacket(1, 2),
		pt.ProcessTrack(1, 10, 42, "guest-proc"),
		pt.ThreadTrack(1, 11, 42, 43, "guest-thread"),
		pt.Opaque(33, "trace config"),
		pt.Instant(0, 1, 11, "a"),
		pt.Instant(5, 1, 11, "b"),
		pt.Instant(10, 1, 11, "c"),
	).WriteFile(t, dir, "guest.pftrace")

	tr, err := Read(context.Background(), path, DomainGuest)
	require.NoError(t, err)

	assert.Equal(t, path, tr.Path)
	assert.Equal(t, DomainGuest, tr.Domain)
	assert.Equal(t, perfetto.ClockBoottime, tr.PrimaryClock)
	require.Len(t, tr.Clocks, 1)
	assert.Len(t, tr.Structural, 3, "two descriptors and the opaque packet")
	assert.Equal(t, []uint64{0, 5, 10}, timestamps(tr.Events))
	assert.Equal(t, []string{"a", "b", "c"}, names(tr.Events))
	for _, e := range tr.Events {
		assert.Equal(t, DomainGuest, e.Domain)
		assert.Equal(t, perfetto.TypeInstant, e.Type)
		assert.Equal(t, uint64(11), e.TrackUUID)
	}

	assert.True(t, tr.IDs.HasTrack(10))
	assert.True(t, tr.IDs.HasTrack(11))
	assert.True(t, tr.IDs.HasPID(42))
	assert.True(t, tr.IDs.HasPID(43))
	assert.True(t, tr.IDs.HasSequence(1))

	zero, ok := tr.ZeroTimestamp()
	assert.True(t, ok)
	assert.Zero(t, zero)
}

func TestRead_StableSortKeepsFileOrderOnTies(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(
		pt.Instant(20, 1, 1, "late"),
		pt.Instant(10, 1, 1, "first-at-10"),
		pt.Instant(10, 2, 2, "second-at-10"),
		pt.Instant(10, 1, 1, "third-at-10"),
	).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainHost)
	require.NoError(t, err)
	assert.Equal(t, []string{"first-at-10", "second-at-10", "third-at-10", "late"}, names(tr.Events))
}

func TestRead_InternedNamesAndPrelude(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(
		pt.InternedNames(7, true, 1, "interned-one", 2, "interned-two"),
		pt.TrackEvent(pt.Event{TS: 3, Seq: 7, Track: 5, Type: perfetto.TypeSliceBegin, NameIID: 2}),
		pt.TrackEvent(pt.Event{TS: 4, Seq: 7, Track: 5, Type: perfetto.TypeSliceEnd}),
		pt.InternedNames(7, true, 1, "after-reset"),
		pt.TrackEvent(pt.Event{TS: 6, Seq: 7, Track: 5, Type: perfetto.TypeInstant, NameIID: 1}),
		pt.InternedNames(9, false, 1, "never-used"),
	).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainHost)
	require.NoError(t, err)
	require.Len(t, tr.Events, 3)

	assert.Equal(t, "interned-two", tr.Events[0].Name)
	assert.Len(t, tr.Events[0].Prelude, 1)
	assert.Empty(t, tr.Events[1].Prelude)
	assert.Equal(t, "after-reset", tr.Events[2].Name)
	assert.Len(t, tr.Events[2].Prelude, 1)

	// Sequence state with no later event lands in the structural section.
	require.Len(t, tr.Structural, 1)
	assert.Equal(t, uint32(9), tr.Structural[0].SequenceID)
}

func TestRead_DefaultTrackFromPacketDefaults(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(
		pt.Defaults(3, 0, 77),
		pt.TrackEvent(pt.Event{TS: 1, Seq: 3, Type: perfetto.TypeInstant, Name: "x"}),
	).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainGuest)
	require.NoError(t, err)
	require.Len(t, tr.Events, 1)
	assert.Equal(t, uint64(77), tr.Events[0].TrackUUID)
	assert.True(t, tr.IDs.HasTrack(77))
}

func TestRead_NormalizesOtherClocks(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(
		pt.TrackEvent(pt.Event{TS: 1_000_050, Seq: 1, Track: 1, Type: perfetto.TypeInstant, Name: "mono", ClockID: perfetto.ClockMonotonic}),
		pt.Snapshot(perfetto.ClockBoottime,
			perfetto.Clock{ID: perfetto.ClockBoottime, Timestamp: 500},
			perfetto.Clock{ID: perfetto.ClockMonotonic, Timestamp: 1_000_000},
		),
		pt.Defaults(2, perfetto.ClockMonotonic, 0),
		pt.TrackEvent(pt.Event{TS: 999_990, Seq: 2, Track: 2, Type: perfetto.TypeInstant, Name: "mono-default"}),
		pt.Instant(520, 1, 1, "boot"),
	).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainHost)
	require.NoError(t, err)
	assert.Equal(t, []string{"mono-default", "boot", "mono"}, names(tr.Events))
	assert.Equal(t, []uint64{490, 520, 550}, timestamps(tr.Events))
	assert.Equal(t, uint64(550), tr.Events[2].Packet.Timestamp, "packet carries the normalised timestamp")
}

func TestRead_ZeroTimestampOfMonotonicTrace(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(
		pt.Snapshot(perfetto.ClockMonotonic,
			perfetto.Clock{ID: perfetto.ClockBoottime, Timestamp: 1_000},
			perfetto.Clock{ID: perfetto.ClockMonotonic, Timestamp: 1_600},
		),
		pt.Instant(2_000, 1, 1, "x"),
	).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainGuest)
	require.NoError(t, err)
	assert.Equal(t, perfetto.ClockMonotonic, tr.PrimaryClock)
	zero, ok := tr.ZeroTimestamp()
	require.True(t, ok)
	assert.Equal(t, uint64(600), zero)
}

func TestRead_CompressedPacketsAndGzip(t *testing.T) {
	dir := t.TempDir()
	trace := pt.NewTrace().Add(
		pt.Instant(1, 1, 1, "outer"),
		pt.Compressed(t,
			pt.Instant(2, 1, 1, "inner-a"),
			pt.Instant(3, 1, 1, "inner-b"),
		),
	)
	for _, path := range []string{
		trace.WriteFile(t, dir, "plain.pftrace"),
		trace.WriteGzipFile(t, dir, "packed.pftrace.gz"),
	} {
		tr, err := Read(context.Background(), path, DomainHost)
		require.NoError(t, err, path)
		assert.Equal(t, []string{"outer", "inner-a", "inner-b"}, names(tr.Events), path)
	}
}

func TestRead_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{
			name: "zero packets",
			data: []byte{},
			want: tracerr.ErrEmptyTrace,
		},
		{
			name: "not a trace envelope",
			data: []byte("definitely not protobuf \xff\xff\xff"),
			want: tracerr.ErrMalformedTrace,
		},
		{
			name: "wrong top-level field",
			data: perfetto.Marshal(perfetto.VarintField(2, 1)),
			want: tracerr.ErrMalformedTrace,
		},
		{
			name: "truncated packet",
			data: pt.NewTrace().Add(pt.Instant(1, 1, 1, "x")).Bytes()[:5],
			want: tracerr.ErrMalformedTrace,
		},
		{
			name: "clock without snapshot",
			data: pt.NewTrace().Add(pt.TrackEvent(pt.Event{TS: 1, Seq: 1, ClockID: perfetto.ClockRealtime})).Bytes(),
			want: tracerr.ErrMalformedTrace,
		},
		{
			name: "sequence scoped clock",
			data: pt.NewTrace().Add(pt.TrackEvent(pt.Event{TS: 1, Seq: 1, ClockID: 64})).Bytes(),
			want: tracerr.ErrMalformedTrace,
		},
		{
			name: "ftrace on a non-default clock",
			data: pt.NewTrace().Add(pt.FtraceBundle(0, pt.Ftrace{Events: []uint64{1}, Clock: 2})).Bytes(),
			want: tracerr.ErrMalformedTrace,
		},
		{
			name: "scoped clock missing from sequence snapshot",
			data: pt.NewTrace().Add(
				pt.ScopedSnapshot(1, perfetto.Clock{ID: perfetto.ClockBoottime, Timestamp: 1}, perfetto.Clock{ID: 64, Timestamp: 1}),
				pt.TrackEvent(pt.Event{TS: 1, Seq: 1, ClockID: 65}),
			).Bytes(),
			want: tracerr.ErrMalformedTrace,
		},
		{
			name: "broken gzip",
			data: []byte{0x1f, 0x8b, 0x00},
			want: tracerr.ErrMalformedTrace,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := pt.WriteFile(t, dir, "bad.pftrace", tt.data)
			_, err := Read(context.Background(), path, DomainGuest)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRead_MissingFileIsIOFailure(t *testing.T) {
	_, err := Read(context.Background(), filepath.Join(t.TempDir(), "nope"), DomainHost)
	assert.ErrorIs(t, err, tracerr.ErrIO)
}

func TestRead_TraceWithoutTimedPackets(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(pt.ProcessTrack(1, 1, 1, "idle")).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainGuest)
	require.NoError(t, err)
	assert.Empty(t, tr.Events)
	assert.Len(t, tr.Structural, 1)
}

func TestDecode_DigestCoversFileBytes(t *testing.T) {
	data := pt.NewTrace().Add(pt.Instant(1, 1, 1, "x")).Bytes()
	a, err := Decode(data, DomainHost)
	require.NoError(t, err)
	b, err := Decode(append(data, pt.NewTrace().Add(pt.Instant(2, 1, 1, "y")).Bytes()...), DomainHost)
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest, b.Digest)

	again, err := Decode(data, DomainHost)
	require.NoError(t, err)
	assert.Equal(t, a.Digest, again.Digest)
}

func TestRead_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(pt.Instant(1, 1, 1, "x")).WriteFile(t, dir, "t.pftrace")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Read(ctx, path, DomainHost)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, tracerr.ErrIO)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestRead_FtraceBundleIsAnEvent(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(
		pt.Instant(3, 1, 1, "track-event"),
		pt.FtraceBundle(0, pt.Ftrace{CPU: 1, Events: []uint64{5, 2}}),
		pt.FtraceBundle(0, pt.Ftrace{CPU: 2}),
	).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainGuest)
	require.NoError(t, err)
	require.Len(t, tr.Events, 2)
	assert.Equal(t, []uint64{2, 3}, timestamps(tr.Events))
	assert.Equal(t, perfetto.KindFtraceEvents, tr.Events[0].Packet.Kind)
	assert.False(t, tr.Events[0].Packet.HasTimestamp)

	// A bundle without timestamps has nothing to order.
	require.Len(t, tr.Structural, 1)
	assert.Equal(t, perfetto.KindFtraceEvents, tr.Structural[0].Kind)
}

func TestRead_FtraceNormalisedToPrimaryClock(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(
		pt.Snapshot(perfetto.ClockMonotonic,
			perfetto.Clock{ID: perfetto.ClockBoottime, Timestamp: 1_000},
			perfetto.Clock{ID: perfetto.ClockMonotonic, Timestamp: 1_600},
		),
		pt.FtraceBundle(0, pt.Ftrace{Events: []uint64{1_005}, Switch: []uint64{1_010, 1_020}}),
	).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainGuest)
	require.NoError(t, err)
	require.Len(t, tr.Events, 1)
	assert.Equal(t, uint64(1_605), tr.Events[0].Timestamp)

	b, err := perfetto.DecodeFtraceBundle(tr.Events[0].Packet.Payload)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1_605}, b.Events)
	assert.Equal(t, []uint64{1_610, 1_620}, b.Switch)
}

func TestRead_StateReachesEarliestEventOfSequence(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(
		pt.InternedNames(7, true, 1, "first-interned"),
		pt.TrackEvent(pt.Event{TS: 50, Seq: 7, Track: 5, Type: perfetto.TypeInstant, NameIID: 1}),
		pt.InternedNames(7, false, 2, "second-interned"),
		pt.TrackEvent(pt.Event{TS: 10, Seq: 7, Track: 5, Type: perfetto.TypeInstant, NameIID: 2}),
	).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainHost)
	require.NoError(t, err)
	require.Len(t, tr.Events, 2)
	assert.Equal(t, []string{"second-interned", "first-interned"}, names(tr.Events))

	// Both interned packets go out before the earlier event, in file order.
	require.Len(t, tr.Events[0].Prelude, 2)
	assert.True(t, tr.Events[0].Prelude[0].ResetsIncrementalState())
	assert.Empty(t, tr.Events[1].Prelude)
	assert.Equal(t, uint32(7), tr.Events[0].SequenceID)
	assert.Equal(t, uint32(7), tr.Events[1].SequenceID)
}

func TestRead_ReorderAcrossResetSplitsSequence(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(
		pt.InternedNames(7, true, 1, "before-reset"),
		pt.TrackEvent(pt.Event{TS: 50, Seq: 7, Track: 5, Type: perfetto.TypeInstant, NameIID: 1}),
		pt.InternedNames(7, true, 1, "after-reset"),
		pt.TrackEvent(pt.Event{TS: 10, Seq: 7, Track: 5, Type: perfetto.TypeInstant, NameIID: 1}),
	).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainHost)
	require.NoError(t, err)
	require.Len(t, tr.Events, 2)
	assert.Equal(t, []string{"after-reset", "before-reset"}, names(tr.Events))

	late := tr.Events[0]
	assert.Equal(t, uint32(8), late.SequenceID, "second state generation moves to a new sequence")
	assert.Equal(t, uint32(8), late.Packet.SequenceID)
	require.Len(t, late.Prelude, 1)
	assert.Equal(t, uint32(8), late.Prelude[0].SequenceID)
	assert.True(t, late.Prelude[0].ResetsIncrementalState())

	early := tr.Events[1]
	assert.Equal(t, uint32(7), early.SequenceID)
	require.Len(t, early.Prelude, 1)
	assert.Equal(t, uint32(7), early.Prelude[0].SequenceID)

	assert.True(t, tr.IDs.HasSequence(8))
}

func TestRead_SequenceScopedClocks(t *testing.T) {
	dir := t.TempDir()
	path := pt.NewTrace().Add(
		pt.ScopedSnapshot(5,
			perfetto.Clock{ID: perfetto.ClockBoottime, Timestamp: 1_000_000},
			perfetto.Clock{ID: 64, Timestamp: 1_000, IsIncremental: true, UnitMultiplierNs: 1_000},
			perfetto.Clock{ID: 65, Timestamp: 500},
		),
		pt.Defaults(5, 64, 0),
		pt.TrackEvent(pt.Event{TS: 2, Seq: 5, Track: 1, Type: perfetto.TypeInstant, Name: "inc-a"}),
		pt.TrackEvent(pt.Event{TS: 3, Seq: 5, Track: 1, Type: perfetto.TypeInstant, Name: "inc-b"}),
		pt.TrackEvent(pt.Event{TS: 700, Seq: 5, Track: 1, Type: perfetto.TypeInstant, Name: "absolute", ClockID: 65}),
	).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainGuest)
	require.NoError(t, err)
	assert.Equal(t, []string{"absolute", "inc-a", "inc-b"}, names(tr.Events))
	assert.Equal(t, []uint64{1_000_200, 1_002_000, 1_005_000}, timestamps(tr.Events))
}

func TestRead_StateBesideSnapshotIsKept(t *testing.T) {
	dir := t.TempDir()
	snapshot := perfetto.ClockSnapshot{Clocks: []perfetto.Clock{
		{ID: perfetto.ClockBoottime, Timestamp: 2_000},
		{ID: 64, Timestamp: 0, IsIncremental: true},
	}}
	first := append(pt.Defaults(5, 64, 77), perfetto.Marshal(
		perfetto.BytesField(perfetto.PacketClockSnapshot, snapshot.Marshal()),
		perfetto.VarintField(perfetto.PacketSequenceFlags, perfetto.SeqIncrementalStateCleared),
	)...)
	path := pt.NewTrace().Add(
		first,
		pt.TrackEvent(pt.Event{TS: 4, Seq: 5, Type: perfetto.TypeInstant, Name: "x"}),
	).WriteFile(t, dir, "t.pftrace")

	tr, err := Read(context.Background(), path, DomainGuest)
	require.NoError(t, err)
	require.Len(t, tr.Events, 1)
	assert.Equal(t, uint64(2_004), tr.Events[0].Timestamp)
	assert.Equal(t, uint64(77), tr.Events[0].TrackUUID)
	require.Len(t, tr.Events[0].Prelude, 1)
	assert.Equal(t, perfetto.KindClockSnapshot, tr.Events[0].Prelude[0].Kind)
}
