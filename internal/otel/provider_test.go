package otel

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/mrzor/tracemerge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitProvider_WithoutEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tp, err := InitProvider(&config.OTELConfig{ServiceName: "tracemerge-test", ResourceAttributes: "env=ci"}, "dev (none)", logger)
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	span.End()
	assert.True(t, span.SpanContext().IsValid())

	require.NoError(t, ShutdownProvider(tp, context.Background()))
}

func TestShutdownProvider_Nil(t *testing.T) {
	assert.NoError(t, ShutdownProvider(nil, context.Background()))
}
