// Package combine runs a trace merge end to end: read both traces, reconcile
// clocks, merge and write.
package combine

import (
	"context"
	"log/slog"

	"github.com/mrzor/tracemerge/internal/attributes"
	"github.com/mrzor/tracemerge/internal/config"
	"github.com/mrzor/tracemerge/internal/eventstream"
	"github.com/mrzor/tracemerge/internal/merge"
	"github.com/mrzor/tracemerge/internal/output"
	"github.com/mrzor/tracemerge/internal/procmeta"
	"github.com/mrzor/tracemerge/internal/timesync"
	"github.com/mrzor/tracemerge/internal/tracerr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// Options carries the collaborators of a run.
type Options struct {
	Tracer trace.Tracer
	Logger *slog.Logger
	// SerialRead decodes the two inputs one after the other.
	SerialRead bool
}

// Result summarises a successful run.
type Result struct {
	Offset      timesync.Offset
	Strategy    timesync.Strategy
	HostEvents  int
	GuestEvents int
	Remapped    int
}

// Run merges the traces named by cfg into cfg.CombinedFile. The inputs must
// already have been validated with config.ValidateInputs.
func Run(ctx context.Context, cfg config.TraceCombineConfig, opts Options) (*Result, error) {
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("tracemerge")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	logger := opts.Logger

	// Compile the anchor predicate before doing any I/O.
	anchors, err := attributes.NewAnchorMatcher(cfg.AnchorExpr)
	if err != nil {
		return nil, err
	}

	ctx, span := opts.Tracer.Start(ctx, "tracemerge.combine", trace.WithAttributes(
		attribute.String("guest.file", cfg.GuestFile),
		attribute.String("host.file", cfg.HostFile),
		attribute.String("combined.file", cfg.CombinedFile),
		attribute.String("mode", cfg.Mode()),
	))
	defer span.End()

	res, err := run(ctx, cfg, opts, anchors)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("combined trace written",
		"file", cfg.CombinedFile,
		"host_events", res.HostEvents,
		"guest_events", res.GuestEvents,
		"offset_ns", int64(res.Offset),
		"strategy", res.Strategy,
	)
	return res, nil
}

func run(ctx context.Context, cfg config.TraceCombineConfig, opts Options, anchors *attributes.AnchorMatcher) (*Result, error) {
	guest, host, err := readBoth(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	rec, err := reconcile(ctx, cfg, opts, anchors, guest, host)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.StageReconcile, tracerr.SourceGuest, cfg.GuestFile, err)
	}

	combined, err := mergeTraces(ctx, opts, host, guest, timesync.NewConverter(rec.Offset))
	if err != nil {
		return nil, err
	}

	if err := write(ctx, cfg, opts, combined); err != nil {
		return nil, tracerr.Wrap(tracerr.StageWrite, tracerr.SourceOutput, cfg.CombinedFile, err)
	}

	remapped := 0
	for _, n := range combined.Remap.Len() {
		remapped += n
	}
	return &Result{
		Offset:      rec.Offset,
		Strategy:    rec.Strategy,
		HostEvents:  combined.HostEvents,
		GuestEvents: combined.GuestEvents,
		Remapped:    remapped,
	}, nil
}

// readBoth decodes the guest and host traces. Both reads complete before it
// returns.
func readBoth(ctx context.Context, cfg config.TraceCombineConfig, opts Options) (guest, host *eventstream.Trace, err error) {
	read := func(ctx context.Context, source, path string, domain eventstream.Domain, dst **eventstream.Trace) error {
		ctx, span := opts.Tracer.Start(ctx, "tracemerge.read", trace.WithAttributes(
			attribute.String("source", source),
			attribute.String("file", path),
		))
		defer span.End()

		tr, err := eventstream.Read(ctx, path, domain)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return tracerr.Wrap(tracerr.StageRead, source, path, err)
		}
		span.SetAttributes(
			attribute.Int("events", len(tr.Events)),
			attribute.Int("structural", len(tr.Structural)),
			attribute.Int("clock_snapshots", len(tr.Clocks)),
		)
		opts.Logger.Debug("trace decoded",
			"source", source,
			"file", path,
			"events", len(tr.Events),
			"structural", len(tr.Structural),
			"primary_clock", tr.PrimaryClock,
		)
		*dst = tr
		return nil
	}

	if opts.SerialRead {
		if err := read(ctx, tracerr.SourceGuest, cfg.GuestFile, eventstream.DomainGuest, &guest); err != nil {
			return nil, nil, err
		}
		if err := read(ctx, tracerr.SourceHost, cfg.HostFile, eventstream.DomainHost, &host); err != nil {
			return nil, nil, err
		}
		return guest, host, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return read(gctx, tracerr.SourceGuest, cfg.GuestFile, eventstream.DomainGuest, &guest)
	})
	g.Go(func() error {
		return read(gctx, tracerr.SourceHost, cfg.HostFile, eventstream.DomainHost, &host)
	})
	// Wait reports the first failure, never the sibling it cancelled.
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return guest, host, nil
}

func reconcile(ctx context.Context, cfg config.TraceCombineConfig, opts Options, anchors *attributes.AnchorMatcher, guest, host *eventstream.Trace) (timesync.Result, error) {
	_, span := opts.Tracer.Start(ctx, "tracemerge.reconcile")
	defer span.End()

	if len(guest.Events) == 0 {
		opts.Logger.Info("guest trace has no events, keeping its clock as is")
		span.SetAttributes(attribute.String("strategy", string(timesync.StrategyNone)))
		return timesync.Result{Strategy: timesync.StrategyNone}, nil
	}

	req := timesync.Request{
		UseGuestAbsoluteTime: cfg.UseGuestAbsoluteTime,
		GuestClockBootTimeNs: cfg.GuestClockBootTimeNs,
		UseGuestTimeDiff:     cfg.UseGuestTimeDiff,
		GuestTimeDiffNs:      cfg.GuestTimeDiffNs,
	}
	rec, err := timesync.NewReconciler(anchors).Reconcile(req, guest, host)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rec, err
	}

	span.SetAttributes(
		attribute.String("strategy", string(rec.Strategy)),
		attribute.Int64("offset_ns", int64(rec.Offset)),
	)
	if rec.GuestAnchor != nil && rec.HostAnchor != nil {
		span.AddEvent("anchor pair", trace.WithAttributes(append(
			attributes.Attributes("anchor.guest", *rec.GuestAnchor),
			attributes.Attributes("anchor.host", *rec.HostAnchor)...,
		)...))
	}
	opts.Logger.Info("guest clock reconciled",
		"strategy", rec.Strategy,
		"offset_ns", int64(rec.Offset),
		"anchor_expr", anchors.Expr(),
	)
	return rec, nil
}

func mergeTraces(ctx context.Context, opts Options, host, guest *eventstream.Trace, conv *timesync.Converter) (*merge.Combined, error) {
	_, span := opts.Tracer.Start(ctx, "tracemerge.merge")
	defer span.End()

	combined, err := merge.Merge(host, guest, conv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	remap := combined.Remap.Len()
	span.SetAttributes(
		attribute.Int("events", len(combined.Events)),
		attribute.Int("remapped.track_uuid", remap[procmeta.NamespaceTrack]),
		attribute.Int("remapped.pid", remap[procmeta.NamespacePID]),
		attribute.Int("remapped.sequence_id", remap[procmeta.NamespaceSequence]),
	)
	for ns, n := range remap {
		if n > 0 {
			opts.Logger.Info("guest identifiers remapped", "namespace", string(ns), "count", n)
		}
	}
	return combined, nil
}

func write(ctx context.Context, cfg config.TraceCombineConfig, opts Options, combined *merge.Combined) error {
	ctx, span := opts.Tracer.Start(ctx, "tracemerge.write", trace.WithAttributes(
		attribute.String("file", cfg.CombinedFile),
	))
	defer span.End()

	if err := output.Write(ctx, cfg.CombinedFile, combined); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
