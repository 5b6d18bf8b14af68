package procmeta

import (
	"fmt"
	"math"
	"slices"

	"github.com/mrzor/tracemerge/internal/tracerr"
)

// Namespace identifies one identifier space.
type Namespace string

const (
	NamespaceTrack    Namespace = "track_uuid"
	NamespacePID      Namespace = "pid"
	NamespaceSequence Namespace = "sequence_id"
)

// Table records the identifiers used by one trace source.
// It is filled by a single reader and read-only afterwards.
type Table struct {
	tracks    map[uint64]struct{}
	pids      map[int32]struct{}
	sequences map[uint32]struct{}
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		tracks:    make(map[uint64]struct{}),
		pids:      make(map[int32]struct{}),
		sequences: make(map[uint32]struct{}),
	}
}

// AddTrack records track UUIDs. Zero is ignored.
func (t *Table) AddTrack(uuids ...uint64) {
	for _, u := range uuids {
		if u != 0 {
			t.tracks[u] = struct{}{}
		}
	}
}

// AddPID records process or thread ids. Zero and negative ids are ignored.
func (t *Table) AddPID(pids ...int32) {
	for _, p := range pids {
		if p > 0 {
			t.pids[p] = struct{}{}
		}
	}
}

// AddSequence records a packet sequence id. Zero is ignored.
func (t *Table) AddSequence(id uint32) {
	if id != 0 {
		t.sequences[id] = struct{}{}
	}
}

// HasTrack reports whether the track UUID was recorded.
func (t *Table) HasTrack(u uint64) bool {
	_, ok := t.tracks[u]
	return ok
}

// HasPID reports whether the pid was recorded.
func (t *Table) HasPID(p int32) bool {
	_, ok := t.pids[p]
	return ok
}

// HasSequence reports whether the sequence id was recorded.
func (t *Table) HasSequence(id uint32) bool {
	_, ok := t.sequences[id]
	return ok
}

// Len returns the number of identifiers recorded per namespace.
func (t *Table) Len() map[Namespace]int {
	return map[Namespace]int{
		NamespaceTrack:    len(t.tracks),
		NamespacePID:      len(t.pids),
		NamespaceSequence: len(t.sequences),
	}
}

// Remap maps colliding guest identifiers to their replacements.
// A nil *Remap maps every identifier to itself.
type Remap struct {
	tracks    map[uint64]uint64
	pids      map[int32]int32
	sequences map[uint32]uint32
}

// BuildRemap assigns replacements to every guest identifier that the host
// also uses. Replacements are handed out in ascending order of the guest
// identifier, starting right above the largest identifier either side uses,
// so the result depends only on the two tables.
func BuildRemap(host, guest *Table) (*Remap, error) {
	tracks, err := allocate(NamespaceTrack, host.tracks, guest.tracks, math.MaxUint64)
	if err != nil {
		return nil, err
	}
	pids, err := allocate(NamespacePID, host.pids, guest.pids, math.MaxInt32)
	if err != nil {
		return nil, err
	}
	sequences, err := allocate(NamespaceSequence, host.sequences, guest.sequences, math.MaxUint32)
	if err != nil {
		return nil, err
	}
	return &Remap{tracks: tracks, pids: pids, sequences: sequences}, nil
}

// Track returns the replacement for a guest track UUID.
func (r *Remap) Track(u uint64) uint64 {
	if r == nil {
		return u
	}
	if v, ok := r.tracks[u]; ok {
		return v
	}
	return u
}

// PID returns the replacement for a guest pid or tid.
func (r *Remap) PID(p int32) int32 {
	if r == nil {
		return p
	}
	if v, ok := r.pids[p]; ok {
		return v
	}
	return p
}

// Sequence returns the replacement for a guest packet sequence id.
func (r *Remap) Sequence(id uint32) uint32 {
	if r == nil {
		return id
	}
	if v, ok := r.sequences[id]; ok {
		return v
	}
	return id
}

// Len returns the number of remapped identifiers per namespace.
func (r *Remap) Len() map[Namespace]int {
	if r == nil {
		return map[Namespace]int{}
	}
	return map[Namespace]int{
		NamespaceTrack:    len(r.tracks),
		NamespacePID:      len(r.pids),
		NamespaceSequence: len(r.sequences),
	}
}

type identifier interface {
	~uint32 | ~uint64 | ~int32
}

func allocate[T identifier](ns Namespace, host, guest map[T]struct{}, limit T) (map[T]T, error) {
	var highest T
	for v := range host {
		highest = max(highest, v)
	}

	var colliding []T
	for v := range guest {
		highest = max(highest, v)
		if _, ok := host[v]; ok {
			colliding = append(colliding, v)
		}
	}
	if len(colliding) == 0 {
		return nil, nil
	}
	slices.Sort(colliding)

	out := make(map[T]T, len(colliding))
	next := highest
	for _, v := range colliding {
		if next >= limit {
			return nil, fmt.Errorf("%w: no free %s above %v for guest %s %v",
				tracerr.ErrIdentifierSpaceExhausted, ns, highest, ns, v)
		}
		next++
		out[v] = next
	}
	return out, nil
}
