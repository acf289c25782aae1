package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopProvider(t *testing.T) {
	p, err := NewProvider(Config{})
	require.NoError(t, err)

	_, span := Tracer(p).Start(context.Background(), "task")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestStdoutProvider(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewProvider(Config{Stdout: true, Writer: &buf})
	require.NoError(t, err)

	_, span := Tracer(p).Start(context.Background(), "task")
	span.SetAttributes(AttrTaskID.String("1-a"))
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "nrunner.task.id")
	assert.Contains(t, buf.String(), "1-a")
}

func TestNilTracerProvider(t *testing.T) {
	assert.NotNil(t, Tracer(nil))
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
