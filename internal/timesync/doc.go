// Package timesync maps guest timestamps onto the host clock.
//
// A guest trace is recorded against the guest's own clocks, which start at
// guest boot. The Reconciler picks one strategy to find the signed offset
// between the two time axes:
//
//   - absolute: the caller supplies the guest boot time in host time
//   - time diff: the caller supplies the offset itself
//   - embedded boot time: a guest clock snapshot carries a host BOOTTIME
//     reading next to the guest BOOTTIME
//   - sync anchor: a marker event recorded by both sides
//   - wall clock: both traces carry REALTIME in a clock snapshot
//
// The offset is applied by a Converter, which refuses to produce a
// timestamp outside [0, MaxInt64].
package timesync
