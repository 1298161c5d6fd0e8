package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracer_SetsGlobalProvider(t *testing.T) {
	ctx := context.Background()

	// The gRPC connection is lazy, so no collector needs to be listening.
	tp, err := InitTracer(ctx, "matrix-capabilities-test", "127.0.0.1:4317", true)
	require.NoError(t, err)
	require.NotNil(t, tp)

	assert.Same(t, tp, otel.GetTracerProvider())
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = tp.Shutdown(shutdownCtx)
}
