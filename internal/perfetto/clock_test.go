package perfetto_test

import (
	"testing"

	"github.com/mrzor/tracemerge/internal/perfetto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockSnapshotPacket(t *testing.T) {
	s := perfetto.ClockSnapshot{
		Clocks: []perfetto.Clock{
			{ID: perfetto.ClockBoottime, Timestamp: 1000},
			{ID: perfetto.ClockRealtime, Timestamp: 1_700_000_000, UnitMultiplierNs: 1},
			{ID: perfetto.ClockHostBoottime, Timestamp: 5000, IsIncremental: true},
		},
		PrimaryTraceClock: perfetto.ClockBoottime,
		SequenceID:        3,
	}

	p, err := perfetto.DecodePacket(perfetto.ClockSnapshotPacket(s))
	require.NoError(t, err)
	assert.Equal(t, perfetto.KindClockSnapshot, p.Kind)
	assert.Equal(t, uint64(1000), p.Timestamp)
	assert.Equal(t, uint32(3), p.SequenceID)

	got, err := perfetto.DecodeClockSnapshot(p.Payload)
	require.NoError(t, err)
	got.SequenceID = p.SequenceID
	assert.Equal(t, s, got)

	v, ok := got.Reading(perfetto.ClockHostBoottime)
	assert.True(t, ok)
	assert.Equal(t, uint64(5000), v)
	_, ok = got.Reading(perfetto.ClockMonotonic)
	assert.False(t, ok)
}

func TestClockSnapshotPacket_NoPrimaryReading(t *testing.T) {
	p, err := perfetto.DecodePacket(perfetto.ClockSnapshotPacket(perfetto.ClockSnapshot{
		Clocks: []perfetto.Clock{{ID: perfetto.ClockRealtime, Timestamp: 1}},
	}))
	require.NoError(t, err)
	assert.False(t, p.HasTimestamp)
}

func TestIsSequenceScopedClock(t *testing.T) {
	assert.False(t, perfetto.IsSequenceScopedClock(perfetto.ClockBoottime))
	assert.True(t, perfetto.IsSequenceScopedClock(64))
	assert.True(t, perfetto.IsSequenceScopedClock(127))
	assert.False(t, perfetto.IsSequenceScopedClock(perfetto.ClockHostBoottime))
}
