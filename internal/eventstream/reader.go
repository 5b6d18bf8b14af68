package eventstream

import (
	"bytes"
	"cmp"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/mrzor/tracemerge/internal/perfetto"
	"github.com/mrzor/tracemerge/internal/procmeta"
	"github.com/mrzor/tracemerge/internal/tracerr"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Read decodes the trace file at path and tags its events with domain.
// The caller has already checked that path names a non-empty regular file.
func Read(ctx context.Context, path string, domain Domain) (*Trace, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tracerr.ErrIO, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", tracerr.ErrIO, err)
	}

	tr, err := Decode(raw, domain)
	if err != nil {
		return nil, err
	}
	tr.Path = path
	return tr, nil
}

// Decode decodes the bytes of a trace file.
func Decode(raw []byte, domain Domain) (*Trace, error) {
	digest := sha256.Sum256(raw)

	data, err := decompress(raw)
	if err != nil {
		return nil, err
	}

	packets, err := splitPackets(data)
	if err != nil {
		return nil, err
	}
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: no packets", tracerr.ErrEmptyTrace)
	}

	d := &decoder{
		trace: &Trace{
			Domain: domain,
			Digest: digest,
			IDs:    procmeta.NewTable(),
		},
		sequences: make(map[uint32]*sequenceState),
		gens:      make(map[*perfetto.Packet]int),
	}
	if err := d.decode(packets); err != nil {
		return nil, err
	}
	return d.trace, nil
}

func decompress(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, gzipMagic) {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %w", tracerr.ErrMalformedTrace, err)
	}
	defer func() {
		_ = zr.Close() //nolint:errcheck // in-memory reader
	}()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip stream: %w", tracerr.ErrMalformedTrace, err)
	}
	return data, nil
}

// splitPackets decodes the Trace envelope and splices the contents of
// compressed_packets in place.
func splitPackets(data []byte) ([]*perfetto.Packet, error) {
	raws, err := perfetto.SplitTrace(data)
	if err != nil {
		return nil, fmt.Errorf("%w: trace envelope: %w", tracerr.ErrMalformedTrace, err)
	}

	packets := make([]*perfetto.Packet, 0, len(raws))
	for i, raw := range raws {
		p, err := perfetto.DecodePacket(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: packet %d: %w", tracerr.ErrMalformedTrace, i, err)
		}
		if p.Kind != perfetto.KindCompressed {
			packets = append(packets, p)
			continue
		}

		inner, err := inflate(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: packet %d: %w", tracerr.ErrMalformedTrace, i, err)
		}
		for j, raw := range inner {
			ip, err := perfetto.DecodePacket(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: packet %d.%d: %w", tracerr.ErrMalformedTrace, i, j, err)
			}
			if ip.Kind == perfetto.KindCompressed {
				return nil, fmt.Errorf("%w: packet %d.%d: nested compressed_packets", tracerr.ErrMalformedTrace, i, j)
			}
			packets = append(packets, ip)
		}
	}
	return packets, nil
}

func inflate(b []byte) ([][]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("compressed_packets: %w", err)
	}
	defer func() {
		_ = zr.Close() //nolint:errcheck // in-memory reader
	}()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("compressed_packets: %w", err)
	}
	return perfetto.SplitTrace(data)
}

// sequenceState is the incremental state of one packet sequence.
type sequenceState struct {
	names        map[uint64]string
	clockID      uint32
	hasClockID   bool
	trackUUID    uint64
	hasTrackUUID bool
	pending      []*perfetto.Packet

	// gen counts incremental state resets after the first emitted packet.
	gen  int
	seen bool

	// snapshot is the latest clock snapshot on this sequence; it defines
	// the sequence-scoped clocks. last holds the running value of each
	// incremental clock.
	snapshot *perfetto.ClockSnapshot
	last     map[uint32]uint64
}

func (s *sequenceState) reset() {
	s.names = make(map[uint64]string)
	s.clockID, s.hasClockID = 0, false
	s.trackUUID, s.hasTrackUUID = 0, false
}

type decoder struct {
	trace     *Trace
	sequences map[uint32]*sequenceState
	// gens records the state generation each packet was read in.
	gens map[*perfetto.Packet]int
}

func (d *decoder) state(id uint32) *sequenceState {
	st, ok := d.sequences[id]
	if !ok {
		st = &sequenceState{names: make(map[uint64]string)}
		d.sequences[id] = st
	}
	return st
}

func (d *decoder) decode(packets []*perfetto.Packet) error {
	// Snapshots may follow the packets whose clocks they describe, so
	// collect them all before normalising any timestamp.
	for i, p := range packets {
		if p.Kind != perfetto.KindClockSnapshot {
			continue
		}
		s, err := perfetto.DecodeClockSnapshot(p.Payload)
		if err != nil {
			return fmt.Errorf("%w: packet %d: clock snapshot: %w", tracerr.ErrMalformedTrace, i, err)
		}
		s.SequenceID = p.SequenceID
		d.trace.Clocks = append(d.trace.Clocks, s)
		if d.trace.PrimaryClock == 0 && s.PrimaryTraceClock != 0 {
			d.trace.PrimaryClock = s.PrimaryTraceClock
		}
	}
	if d.trace.PrimaryClock == 0 {
		d.trace.PrimaryClock = perfetto.ClockBoottime
	}

	for i, p := range packets {
		if err := d.packet(p); err != nil {
			return fmt.Errorf("%w: packet %d: %w", tracerr.ErrMalformedTrace, i, err)
		}
	}

	// Sequence state never followed by an event is still part of the trace.
	ids := make([]uint32, 0, len(d.sequences))
	for id := range d.sequences {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		d.trace.Structural = append(d.trace.Structural, d.sequences[id].pending...)
	}

	slices.SortStableFunc(d.trace.Events, func(a, b Event) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	if err := d.splitGenerations(); err != nil {
		return err
	}
	d.hoistPreludes()
	return nil
}

// splitGenerations moves state generations to sequences of their own when
// sorting placed an event after a reset that followed it in the file. Each
// moved generation starts with the packet that cleared its state.
func (d *decoder) splitGenerations() error {
	maxGen := make(map[uint32]int)
	split := make(map[uint32]bool)
	for _, e := range d.trace.Events {
		if e.SequenceID == 0 {
			continue
		}
		if e.gen < maxGen[e.SequenceID] {
			split[e.SequenceID] = true
		}
		maxGen[e.SequenceID] = max(maxGen[e.SequenceID], e.gen)
	}
	if len(split) == 0 {
		return nil
	}

	var next uint64
	for id := range d.sequences {
		next = max(next, uint64(id))
	}
	next++

	seqs := make([]uint32, 0, len(split))
	for id := range split {
		seqs = append(seqs, id)
	}
	slices.Sort(seqs)

	fresh := make(map[uint32]map[int]uint32, len(seqs))
	for _, id := range seqs {
		fresh[id] = make(map[int]uint32)
		for g := 1; g <= d.sequences[id].gen; g++ {
			if next > math.MaxUint32 {
				return fmt.Errorf("%w: sequence_id: no room to split sequence %d", tracerr.ErrIdentifierSpaceExhausted, id)
			}
			fresh[id][g] = uint32(next)
			d.trace.IDs.AddSequence(uint32(next))
			next++
		}
	}

	relabel := func(p *perfetto.Packet) {
		if m, ok := fresh[p.SequenceID]; ok {
			if id, ok := m[d.gens[p]]; ok {
				p.SequenceID = id
			}
		}
	}
	for i := range d.trace.Events {
		e := &d.trace.Events[i]
		for _, p := range e.Prelude {
			relabel(p)
		}
		relabel(e.Packet)
		e.SequenceID = e.Packet.SequenceID
	}
	for _, p := range d.trace.Structural {
		relabel(p)
	}
	return nil
}

// hoistPreludes moves sequence state ahead of the first event that is
// emitted after it: an event gets every prelude of its sequence, up to its
// own position in the file, that no earlier event has carried.
func (d *decoder) hoistPreludes() {
	events := d.trace.Events
	preludes := make([][]*perfetto.Packet, len(events))
	orders := make(map[uint32][]int)
	for _, e := range events {
		preludes[e.order] = e.Prelude
		orders[e.SequenceID] = append(orders[e.SequenceID], e.order)
	}
	for _, list := range orders {
		slices.Sort(list)
	}

	cursor := make(map[uint32]int)
	for i := range events {
		e := &events[i]
		list, c := orders[e.SequenceID], cursor[e.SequenceID]
		var pre []*perfetto.Packet
		for c < len(list) && list[c] <= e.order {
			pre = append(pre, preludes[list[c]]...)
			c++
		}
		cursor[e.SequenceID] = c
		e.Prelude = pre
	}
}

func (d *decoder) packet(p *perfetto.Packet) error {
	ids := d.trace.IDs
	st := d.state(p.SequenceID)

	if p.ResetsIncrementalState() {
		st.reset()
		if st.seen {
			st.gen++
		}
	}
	carriesState := p.InternedData != nil || p.Defaults != nil || p.SequenceFlags != 0 || p.IncrementalStateCleared
	if p.Kind == perfetto.KindClockSnapshot {
		if err := d.sequenceSnapshot(p, st); err != nil {
			return err
		}
		if !carriesState {
			return nil
		}
	}
	st.seen = true
	d.gens[p] = st.gen

	if p.InternedData != nil {
		names, err := perfetto.DecodeEventNames(p.InternedData)
		if err != nil {
			return fmt.Errorf("interned data: %w", err)
		}
		for iid, name := range names {
			st.names[iid] = name
		}
	}
	if p.Defaults != nil {
		defaults, err := perfetto.DecodeDefaults(p.Defaults)
		if err != nil {
			return fmt.Errorf("packet defaults: %w", err)
		}
		if defaults.HasClockID {
			st.clockID, st.hasClockID = defaults.ClockID, true
		}
		if defaults.TrackEvent.HasTrackUUID {
			st.trackUUID, st.hasTrackUUID = defaults.TrackEvent.TrackUUID, true
		}
		ids.AddTrack(defaults.TrackEvent.TrackUUID)
		ids.AddTrack(defaults.TrackEvent.CounterTracks...)
	}
	ids.AddSequence(p.SequenceID)
	ids.AddPID(p.TrustedPID)

	switch p.Kind {
	case perfetto.KindTraceUUID:
		return nil

	case perfetto.KindClockSnapshot:
		// The snapshot itself is not emitted; the state beside it is.
		st.pending = append(st.pending, p)
		return nil

	case perfetto.KindFtraceEvents:
		return d.ftrace(p, st)

	case perfetto.KindTrackDescriptor:
		desc, err := perfetto.DecodeTrackDescriptor(p.Payload)
		if err != nil {
			return fmt.Errorf("track descriptor: %w", err)
		}
		ids.AddTrack(desc.UUID, desc.ParentUUID)
		ids.AddPID(desc.PID, desc.TID)
		return d.structural(p, st)

	case perfetto.KindProcessTree:
		pids, err := perfetto.ProcessTreePIDs(p.Payload)
		if err != nil {
			return fmt.Errorf("process tree: %w", err)
		}
		ids.AddPID(pids...)
		return d.structural(p, st)

	case perfetto.KindIncrementalState:
		st.pending = append(st.pending, p)
		return nil
	}

	if !p.HasTimestamp {
		return d.structural(p, st)
	}

	ts, err := d.normalize(p, st)
	if err != nil {
		return err
	}
	p.Timestamp = ts

	ev := d.event(ts, p, st)

	if p.Kind == perfetto.KindTrackEvent {
		te, err := perfetto.DecodeTrackEvent(p.Payload)
		if err != nil {
			return fmt.Errorf("track event: %w", err)
		}
		ev.Type = te.Type
		ev.Name = te.Name
		if ev.Name == "" && te.NameIID != 0 {
			ev.Name = st.names[te.NameIID]
		}
		ev.TrackUUID = te.TrackUUID
		if !te.HasTrackUUID && st.hasTrackUUID {
			ev.TrackUUID = st.trackUUID
		}
		ids.AddTrack(ev.TrackUUID)
		ids.AddTrack(te.CounterTracks...)
	}

	d.trace.Events = append(d.trace.Events, ev)
	return nil
}

func (d *decoder) event(ts uint64, p *perfetto.Packet, st *sequenceState) Event {
	ev := Event{
		Timestamp:  ts,
		Domain:     d.trace.Domain,
		SequenceID: p.SequenceID,
		Packet:     p,
		Prelude:    st.pending,
		order:      len(d.trace.Events),
		gen:        st.gen,
	}
	st.pending = nil
	return ev
}

func (d *decoder) sequenceSnapshot(p *perfetto.Packet, st *sequenceState) error {
	if p.SequenceID == 0 {
		return nil
	}
	s, err := perfetto.DecodeClockSnapshot(p.Payload)
	if err != nil {
		return fmt.Errorf("clock snapshot: %w", err)
	}
	st.snapshot = &s
	st.last = make(map[uint32]uint64)
	return nil
}

// ftrace turns a bundle into one event at its earliest timestamp. Bundle
// timestamps are BOOTTIME readings.
func (d *decoder) ftrace(p *perfetto.Packet, st *sequenceState) error {
	bundle, err := perfetto.DecodeFtraceBundle(p.Payload)
	if err != nil {
		return fmt.Errorf("ftrace events: %w", err)
	}
	if bundle.Clock != 0 {
		return fmt.Errorf("ftrace clock %d is not supported", bundle.Clock)
	}
	ts, ok := bundle.First()
	if !ok {
		return d.structural(p, st)
	}

	if d.trace.PrimaryClock != perfetto.ClockBoottime {
		toPrimary := func(v uint64) (uint64, error) {
			return d.convert(v, perfetto.ClockBoottime)
		}
		if ts, err = toPrimary(ts); err != nil {
			return err
		}
		payload, err := perfetto.ShiftFtraceBundle(p.Payload, toPrimary)
		if err != nil {
			return fmt.Errorf("ftrace events: %w", err)
		}
		raw, err := perfetto.Rewrite(p.Raw, func(f perfetto.Field) ([]perfetto.Field, error) {
			if f.Num == perfetto.PacketFtraceEvents {
				return []perfetto.Field{perfetto.BytesField(f.Num, payload)}, nil
			}
			return perfetto.Keep(f), nil
		})
		if err != nil {
			return err
		}
		np, err := perfetto.DecodePacket(raw)
		if err != nil {
			return err
		}
		d.gens[np] = d.gens[p]
		p = np
	}

	d.trace.Events = append(d.trace.Events, d.event(ts, p, st))
	return nil
}

func (d *decoder) structural(p *perfetto.Packet, st *sequenceState) error {
	if p.HasTimestamp {
		ts, err := d.normalize(p, st)
		if err != nil {
			return err
		}
		p.Timestamp = ts
	}
	d.trace.Structural = append(d.trace.Structural, p)
	return nil
}

// normalize converts the packet timestamp into the trace's primary clock.
func (d *decoder) normalize(p *perfetto.Packet, st *sequenceState) (uint64, error) {
	clock := d.trace.PrimaryClock
	switch {
	case p.HasClockID:
		clock = p.ClockID
	case st.hasClockID:
		clock = st.clockID
	}
	if perfetto.IsSequenceScopedClock(clock) {
		return d.scoped(p.Timestamp, clock, p.SequenceID, st)
	}
	return d.convert(p.Timestamp, clock)
}

// convert maps ts from a global clock into the primary clock using the first
// snapshot carrying both.
func (d *decoder) convert(ts uint64, clock uint32) (uint64, error) {
	primary := d.trace.PrimaryClock
	if clock == primary {
		return ts, nil
	}
	s, ok := d.trace.FirstSnapshotWith(clock, primary)
	if !ok {
		return 0, fmt.Errorf("no clock snapshot relates clock %d to primary clock %d", clock, primary)
	}
	from, _ := s.Reading(clock)
	to, _ := s.Reading(primary)
	return rebase(ts, from, to, 1)
}

// scoped resolves a reading of a clock defined by the latest snapshot on the
// packet's sequence. Incremental clocks accumulate from the snapshot value.
func (d *decoder) scoped(ts uint64, clock, seq uint32, st *sequenceState) (uint64, error) {
	if st.snapshot == nil {
		return 0, fmt.Errorf("sequence-scoped clock %d has no clock snapshot on sequence %d", clock, seq)
	}
	c, ok := st.snapshot.Clock(clock)
	if !ok {
		return 0, fmt.Errorf("clock snapshot on sequence %d does not define clock %d", seq, clock)
	}

	value := ts
	if c.IsIncremental {
		prev, ok := st.last[clock]
		if !ok {
			prev = c.Timestamp
		}
		if ts > math.MaxUint64-prev {
			return 0, fmt.Errorf("incremental clock %d overflows", clock)
		}
		value = prev + ts
		st.last[clock] = value
	}
	mult := c.UnitMultiplierNs
	if mult == 0 {
		mult = 1
	}

	// Resolve through the primary clock when the snapshot has it, else
	// through the first global clock it carries.
	ref, refTS, found := uint32(0), uint64(0), false
	for _, rc := range st.snapshot.Clocks {
		if perfetto.IsSequenceScopedClock(rc.ID) {
			continue
		}
		if rc.ID == d.trace.PrimaryClock {
			ref, refTS, found = rc.ID, rc.Timestamp, true
			break
		}
		if !found {
			ref, refTS, found = rc.ID, rc.Timestamp, true
		}
	}
	if !found {
		return 0, fmt.Errorf("clock snapshot on sequence %d relates clock %d to no global clock", seq, clock)
	}

	out, err := rebase(value, c.Timestamp, refTS, mult)
	if err != nil {
		return 0, fmt.Errorf("clock %d: %w", clock, err)
	}
	return d.convert(out, ref)
}

// rebase maps ts, read on a clock that read from when the target clock read
// to, onto the target clock. mult converts source units to nanoseconds.
func rebase(ts, from, to, mult uint64) (uint64, error) {
	if ts >= from {
		delta := ts - from
		if delta > math.MaxUint64/mult || to > math.MaxUint64-delta*mult {
			return 0, fmt.Errorf("timestamp %d overflows the primary clock", ts)
		}
		return to + delta*mult, nil
	}
	delta := from - ts
	if delta > math.MaxUint64/mult || delta*mult > to {
		return 0, fmt.Errorf("timestamp %d precedes the primary clock origin", ts)
	}
	return to - delta*mult, nil
}
