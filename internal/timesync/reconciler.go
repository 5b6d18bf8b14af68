package timesync

import (
	"fmt"
	"math"

	"github.com/mrzor/tracemerge/internal/attributes"
	"github.com/mrzor/tracemerge/internal/eventstream"
	"github.com/mrzor/tracemerge/internal/perfetto"
	"github.com/mrzor/tracemerge/internal/tracerr"
)

// Strategy names how an offset was obtained.
type Strategy string

const (
	StrategyAbsolute         Strategy = "absolute"
	StrategyTimeDiff         Strategy = "time-diff"
	StrategyEmbeddedBootTime Strategy = "embedded-boot-time"
	StrategySyncAnchor       Strategy = "sync-anchor"
	StrategyWallClock        Strategy = "wall-clock"
	// StrategyNone is used for a guest without events.
	StrategyNone Strategy = "none"
)

// Request carries the caller's choice of strategy. With neither flag set the
// offset is derived from the traces.
type Request struct {
	UseGuestAbsoluteTime bool
	// GuestClockBootTimeNs is the guest boot time in host time.
	GuestClockBootTimeNs uint64

	UseGuestTimeDiff bool
	GuestTimeDiffNs  int64
}

// Result is the outcome of a reconciliation.
type Result struct {
	Offset   Offset
	Strategy Strategy

	// Set for StrategySyncAnchor.
	GuestAnchor *attributes.AnchorEnv
	HostAnchor  *attributes.AnchorEnv
}

// Reconciler computes the guest to host clock offset.
type Reconciler struct {
	anchors *attributes.AnchorMatcher
}

// NewReconciler creates a reconciler. A nil matcher disables sync anchors.
func NewReconciler(anchors *attributes.AnchorMatcher) *Reconciler {
	return &Reconciler{anchors: anchors}
}

// Reconcile selects a strategy and computes the offset.
func (r *Reconciler) Reconcile(req Request, guest, host *eventstream.Trace) (Result, error) {
	switch {
	case req.UseGuestAbsoluteTime && req.UseGuestTimeDiff:
		return Result{}, fmt.Errorf("%w: absolute time and time diff are mutually exclusive", tracerr.ErrClockReconciliationFailed)

	case req.UseGuestAbsoluteTime:
		off, err := fromBootTime(req.GuestClockBootTimeNs, guest)
		if err != nil {
			return Result{}, err
		}
		return Result{Offset: off, Strategy: StrategyAbsolute}, nil

	case req.UseGuestTimeDiff:
		return Result{Offset: Offset(req.GuestTimeDiffNs), Strategy: StrategyTimeDiff}, nil
	}

	if len(guest.Events) == 0 {
		return Result{Strategy: StrategyNone}, nil
	}

	if off, ok, err := embeddedBootTime(guest, host); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Offset: off, Strategy: StrategyEmbeddedBootTime}, nil
	}

	if r.anchors != nil {
		res, ok, err := r.syncAnchors(guest, host)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return res, nil
		}
	}

	if off, ok, err := wallClock(guest, host); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Offset: off, Strategy: StrategyWallClock}, nil
	}

	return Result{}, fmt.Errorf("%w: no boot time given and no shared anchor found", tracerr.ErrClockReconciliationFailed)
}

// fromBootTime computes bootTime - guest zero.
func fromBootTime(bootTime uint64, guest *eventstream.Trace) (Offset, error) {
	zero, ok := guest.ZeroTimestamp()
	if !ok {
		return 0, fmt.Errorf("%w: guest primary clock %d has no BOOTTIME reference", tracerr.ErrClockReconciliationFailed, guest.PrimaryClock)
	}
	if bootTime > math.MaxInt64 {
		return 0, fmt.Errorf("%w: boot time %d exceeds int64", tracerr.ErrTimestampOverflow, bootTime)
	}
	return diff(bootTime, zero)
}

// embeddedBootTime looks for a guest snapshot carrying both the guest and the
// host BOOTTIME.
func embeddedBootTime(guest, host *eventstream.Trace) (Offset, bool, error) {
	s, ok := guest.FirstSnapshotWith(perfetto.ClockBoottime, perfetto.ClockHostBoottime)
	if !ok {
		return 0, false, nil
	}
	guestBoot, _ := s.Reading(perfetto.ClockBoottime)
	hostBoot, _ := s.Reading(perfetto.ClockHostBoottime)
	if hostBoot < guestBoot {
		return 0, false, fmt.Errorf("%w: host boottime %d precedes guest boottime %d", tracerr.ErrClockReconciliationFailed, hostBoot, guestBoot)
	}

	// Host BOOTTIME reading at guest boot, moved into the host primary clock.
	hostZero, ok := host.ZeroTimestamp()
	if !ok {
		return 0, false, fmt.Errorf("%w: host primary clock %d has no BOOTTIME reference", tracerr.ErrClockReconciliationFailed, host.PrimaryClock)
	}
	bootTime := hostBoot - guestBoot
	if bootTime > math.MaxUint64-hostZero {
		return 0, false, fmt.Errorf("%w: guest boot time overflows", tracerr.ErrTimestampOverflow)
	}

	off, err := fromBootTime(bootTime+hostZero, guest)
	if err != nil {
		return 0, false, err
	}
	return off, true, nil
}

func (r *Reconciler) syncAnchors(guest, host *eventstream.Trace) (Result, bool, error) {
	hostAnchors := make(map[string]attributes.AnchorEnv)
	for _, e := range host.Events {
		env := anchorEnv(e)
		ok, err := r.anchors.Match(env)
		if err != nil {
			return Result{}, false, err
		}
		if _, seen := hostAnchors[env.Name]; ok && !seen {
			hostAnchors[env.Name] = env
		}
	}
	if len(hostAnchors) == 0 {
		return Result{}, false, nil
	}

	for _, e := range guest.Events {
		env := anchorEnv(e)
		ok, err := r.anchors.Match(env)
		if err != nil {
			return Result{}, false, err
		}
		if !ok {
			continue
		}
		h, found := hostAnchors[env.Name]
		if !found {
			continue
		}
		off, err := diff(h.TS, env.TS)
		if err != nil {
			return Result{}, false, err
		}
		return Result{Offset: off, Strategy: StrategySyncAnchor, GuestAnchor: &env, HostAnchor: &h}, true, nil
	}
	return Result{}, false, nil
}

func anchorEnv(e eventstream.Event) attributes.AnchorEnv {
	return attributes.AnchorEnv{
		Name:     e.Name,
		Type:     e.Type.String(),
		Track:    e.TrackUUID,
		Sequence: e.SequenceID,
		TS:       e.Timestamp,
		Source:   e.Domain.String(),
	}
}

// wallClock aligns the first snapshots of each trace that carry REALTIME:
// offset = hostPrimary + guestRealtime - hostRealtime - guestPrimary.
func wallClock(guest, host *eventstream.Trace) (Offset, bool, error) {
	gs, ok := guest.FirstSnapshotWith(perfetto.ClockRealtime, guest.PrimaryClock)
	if !ok {
		return 0, false, nil
	}
	hs, ok := host.FirstSnapshotWith(perfetto.ClockRealtime, host.PrimaryClock)
	if !ok {
		return 0, false, nil
	}
	gRT, _ := gs.Reading(perfetto.ClockRealtime)
	gP, _ := gs.Reading(guest.PrimaryClock)
	hRT, _ := hs.Reading(perfetto.ClockRealtime)
	hP, _ := hs.Reading(host.PrimaryClock)

	realtime, err := diff(gRT, hRT)
	if err != nil {
		return 0, false, err
	}
	primary, err := diff(hP, gP)
	if err != nil {
		return 0, false, err
	}
	off, err := add(primary, realtime)
	if err != nil {
		return 0, false, err
	}
	return off, true, nil
}
