// Package merge interleaves a host trace and a guest trace into one
// chronologically ordered combined trace.
package merge

import (
	"fmt"

	"github.com/mrzor/tracemerge/internal/eventprocessor"
	"github.com/mrzor/tracemerge/internal/eventstream"
	"github.com/mrzor/tracemerge/internal/perfetto"
	"github.com/mrzor/tracemerge/internal/procmeta"
	"github.com/mrzor/tracemerge/internal/timesync"
	"github.com/mrzor/tracemerge/internal/tracerr"
)

// Event is one event of the combined trace.
type Event struct {
	// Timestamp is in combined time.
	Timestamp uint64
	// Source is the trace the event came from (guest or host).
	Source eventstream.Domain
	// Domain is always DomainCombined.
	Domain eventstream.Domain
	Name   string

	// Packets are the encoded packets to emit, prelude first.
	Packets [][]byte
}

// Combined is the merged trace, ready to be written.
type Combined struct {
	// Clock declares the combined clock domain. Its primary clock is the
	// host's.
	Clock perfetto.ClockSnapshot

	// Structural holds host then guest descriptor and metadata packets.
	Structural [][]byte
	// Events are in non-decreasing Timestamp order.
	Events []Event

	Offset timesync.Offset
	Remap  *procmeta.Remap

	HostDigest  [32]byte
	GuestDigest [32]byte
	HostEvents  int
	GuestEvents int
}

// Merge combines host and guest. conv maps guest timestamps into host time.
// The inputs are not modified.
func Merge(host, guest *eventstream.Trace, conv *timesync.Converter) (*Combined, error) {
	remap, err := procmeta.BuildRemap(host.IDs, guest.IDs)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.StageMerge, tracerr.SourceGuest, guest.Path, err)
	}

	hostProc := eventprocessor.NewProcessor(nil, nil)
	guestProc := eventprocessor.NewProcessor(conv, remap)

	c := &Combined{
		Clock:       clockDeclaration(host),
		Offset:      conv.Offset(),
		Remap:       remap,
		HostDigest:  host.Digest,
		GuestDigest: guest.Digest,
		HostEvents:  len(host.Events),
		GuestEvents: len(guest.Events),
	}

	hostStructural, err := processAll(hostProc, host.Structural)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.StageMerge, tracerr.SourceHost, host.Path, err)
	}
	guestStructural, err := processAll(guestProc, guest.Structural)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.StageMerge, tracerr.SourceGuest, guest.Path, err)
	}
	c.Structural = append(hostStructural, guestStructural...)

	hostEvents, err := translate(hostProc, nil, host.Events)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.StageMerge, tracerr.SourceHost, host.Path, err)
	}
	guestEvents, err := translate(guestProc, conv, guest.Events)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.StageMerge, tracerr.SourceGuest, guest.Path, err)
	}
	c.Events = Interleave(hostEvents, guestEvents)
	return c, nil
}

// Interleave merges two timestamp-ordered sequences. On equal timestamps the
// host event comes first; each input keeps its own order.
func Interleave(host, guest []Event) []Event {
	out := make([]Event, 0, len(host)+len(guest))
	i, j := 0, 0
	for i < len(host) && j < len(guest) {
		if guest[j].Timestamp < host[i].Timestamp {
			out = append(out, guest[j])
			j++
		} else {
			out = append(out, host[i])
			i++
		}
	}
	out = append(out, host[i:]...)
	return append(out, guest[j:]...)
}

func translate(proc *eventprocessor.Processor, conv eventprocessor.Translator, events []eventstream.Event) ([]Event, error) {
	out := make([]Event, 0, len(events))
	for i, e := range events {
		packets := make([][]byte, 0, len(e.Prelude)+1)
		for _, p := range e.Prelude {
			b, err := process(proc, p)
			if err != nil {
				return nil, fmt.Errorf("event %d prelude: %w", i, err)
			}
			packets = append(packets, b)
		}
		b, err := process(proc, e.Packet)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		packets = append(packets, b)

		ts := e.Timestamp
		if conv != nil {
			if ts, err = conv.Apply(ts); err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
		}
		out = append(out, Event{
			Timestamp: ts,
			Source:    e.Domain,
			Domain:    eventstream.DomainCombined,
			Name:      e.Name,
			Packets:   packets,
		})
	}
	return out, nil
}

func processAll(proc *eventprocessor.Processor, packets []*perfetto.Packet) ([][]byte, error) {
	out := make([][]byte, 0, len(packets))
	for i, p := range packets {
		b, err := process(proc, p)
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func process(proc *eventprocessor.Processor, p *perfetto.Packet) ([]byte, error) {
	b, err := proc.Process(p)
	if err != nil && tracerr.Kind(err) == nil {
		return nil, fmt.Errorf("%w: %w", tracerr.ErrMalformedTrace, err)
	}
	return b, err
}

// clockDeclaration returns the host's first snapshot that carries the host
// primary clock, declared as the combined clock. Without one a snapshot
// holding only the primary clock at zero is synthesised.
func clockDeclaration(host *eventstream.Trace) perfetto.ClockSnapshot {
	if s, ok := host.FirstSnapshotWith(host.PrimaryClock); ok {
		s.PrimaryTraceClock = host.PrimaryClock
		s.SequenceID = 0
		return s
	}
	return perfetto.ClockSnapshot{
		Clocks:            []perfetto.Clock{{ID: host.PrimaryClock}},
		PrimaryTraceClock: host.PrimaryClock,
	}
}
