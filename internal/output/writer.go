package output

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/mrzor/tracemerge/internal/merge"
	"github.com/mrzor/tracemerge/internal/perfetto"
	"github.com/mrzor/tracemerge/internal/tracerr"
)

// traceNamespace scopes the name-based trace UUIDs this package issues.
var traceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/mrzor/tracemerge"))

// TraceUUID returns the identifier of the combined trace. It depends only on
// the inputs' digests and the clock offset.
func TraceUUID(c *merge.Combined) uuid.UUID {
	data := make([]byte, 0, len(c.GuestDigest)+len(c.HostDigest)+8)
	data = append(data, c.GuestDigest[:]...)
	data = append(data, c.HostDigest[:]...)
	data = binary.BigEndian.AppendUint64(data, uint64(c.Offset))
	return uuid.NewSHA1(traceNamespace, data)
}

// Encode writes c as a Trace message to w.
func Encode(ctx context.Context, w io.Writer, c *merge.Combined) error {
	id := TraceUUID(c)
	msb := int64(binary.BigEndian.Uint64(id[:8]))
	lsb := int64(binary.BigEndian.Uint64(id[8:]))

	enc := &encoder{ctx: ctx, w: w}
	enc.packet(perfetto.TraceUUIDPacket(msb, lsb))
	enc.packet(perfetto.ClockSnapshotPacket(c.Clock))
	for _, p := range c.Structural {
		enc.packet(p)
	}
	for _, e := range c.Events {
		for _, p := range e.Packets {
			enc.packet(p)
		}
	}
	return enc.err
}

type encoder struct {
	ctx context.Context
	w   io.Writer
	buf []byte
	err error
}

func (e *encoder) packet(p []byte) {
	if e.err != nil {
		return
	}
	if err := e.ctx.Err(); err != nil {
		e.err = fmt.Errorf("%w: %w", tracerr.ErrPartialWriteDetected, err)
		return
	}
	e.buf = perfetto.AppendTracePacket(e.buf[:0], p)
	n, err := e.w.Write(e.buf)
	switch {
	case err == nil && n < len(e.buf):
		err = io.ErrShortWrite
		fallthrough
	case err != nil:
		e.err = classify(err)
	}
}

func classify(err error) error {
	if errors.Is(err, io.ErrShortWrite) {
		return fmt.Errorf("%w: %w", tracerr.ErrPartialWriteDetected, err)
	}
	return fmt.Errorf("%w: %w", tracerr.ErrIO, err)
}

// Write writes c to path. A ".gz" suffix selects gzip compression.
func Write(ctx context.Context, path string, c *merge.Combined) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", tracerr.ErrIO, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()           //nolint:errcheck // already failing
			_ = os.Remove(tmp.Name()) //nolint:errcheck // best effort
		}
	}()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	var w io.Writer = bw
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(bw)
		w = zw
	}

	if err := Encode(ctx, w, c); err != nil {
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return classify(err)
		}
	}
	if err := bw.Flush(); err != nil {
		return classify(err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", tracerr.ErrPartialWriteDetected, err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %w", tracerr.ErrIO, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("%w: chmod: %w", tracerr.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", tracerr.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename: %w", tracerr.ErrIO, err)
	}
	return nil
}
