// Package procmeta keeps the identifier tables of a trace source.
//
// A Perfetto trace names its entities with identifiers from three
// independent namespaces:
//
//   - track UUIDs (TrackDescriptor.uuid, TrackEvent.track_uuid)
//   - process and thread ids (descriptors, process trees, trusted_pid)
//   - packet sequence ids (TracePacket.trusted_packet_sequence_id)
//
// Table records every identifier a source uses. BuildRemap compares the
// guest table with the host table and assigns each colliding guest
// identifier a fresh value above everything either source uses, so guest
// entities never alias host entities in the combined trace.
//
// Zero is never remapped: in every namespace it means "unset".
package procmeta
