package eventstream

import (
	"github.com/mrzor/tracemerge/internal/perfetto"
	"github.com/mrzor/tracemerge/internal/procmeta"
)

// Domain is the clock domain an event's timestamp is expressed in. Before a
// merge it also names the event's source.
type Domain int

const (
	DomainGuest Domain = iota + 1
	DomainHost
	DomainCombined
)

func (d Domain) String() string {
	switch d {
	case DomainGuest:
		return "guest"
	case DomainHost:
		return "host"
	case DomainCombined:
		return "combined"
	default:
		return "unknown"
	}
}

// Event is one timed packet of a source trace.
type Event struct {
	// Timestamp is in the trace's primary clock.
	Timestamp  uint64
	Domain     Domain
	SequenceID uint32

	// Set for track events only.
	Name      string
	Type      perfetto.EventType
	TrackUUID uint64

	// An ftrace bundle Packet has no timestamp of its own; Timestamp is
	// its earliest event.
	Packet *perfetto.Packet
	// Prelude holds untimed sequence-state packets (interned data, packet
	// defaults) that must be emitted right before Packet. It carries all
	// state of the sequence not yet emitted by an earlier event.
	Prelude []*perfetto.Packet

	order int
	gen   int
}

// Trace is a fully decoded source trace.
type Trace struct {
	Path   string
	Domain Domain
	// Digest is the SHA-256 of the file as stored on disk.
	Digest [32]byte

	PrimaryClock uint32
	Clocks       []perfetto.ClockSnapshot

	// Events are ordered by Timestamp; ties keep file order.
	Events []Event
	// Structural holds descriptor and metadata packets in file order.
	Structural []*perfetto.Packet

	IDs *procmeta.Table
}

// ZeroTimestamp returns the primary-clock reading at boot of the machine
// that recorded the trace. For BOOTTIME traces it is zero; otherwise a clock
// snapshot carrying both the primary clock and BOOTTIME is required.
func (t *Trace) ZeroTimestamp() (uint64, bool) {
	if t.PrimaryClock == perfetto.ClockBoottime {
		return 0, true
	}
	for _, s := range t.Clocks {
		p, okP := s.Reading(t.PrimaryClock)
		b, okB := s.Reading(perfetto.ClockBoottime)
		if okP && okB && p >= b {
			return p - b, true
		}
	}
	return 0, false
}

// FirstSnapshotWith returns the first clock snapshot that has readings for
// all of the given clocks.
func (t *Trace) FirstSnapshotWith(ids ...uint32) (perfetto.ClockSnapshot, bool) {
next:
	for _, s := range t.Clocks {
		for _, id := range ids {
			if _, ok := s.Reading(id); !ok {
				continue next
			}
		}
		return s, true
	}
	return perfetto.ClockSnapshot{}, false
}
