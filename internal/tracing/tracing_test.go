package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"fairwatch/internal/config"
)

func TestInitDisabled(t *testing.T) {
	tp, err := Init(context.Background(), config.TracingConfig{Enabled: false}, "test")
	require.NoError(t, err)
	assert.Nil(t, tp)
	require.NoError(t, Shutdown(context.Background(), tp))
}

func TestStartSpanRecordsAttributesAndErrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "fairwatch/test", "evaluate", AttrProcessID.String("p-1"))
	RecordError(span, errors.New("boom"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "evaluate", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), AttrProcessID.String("p-1"))
	assert.Len(t, spans[0].Events(), 1)
}
