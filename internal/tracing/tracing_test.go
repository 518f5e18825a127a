package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_DisabledInstallsPropagatorOnly(t *testing.T) {
	shutdown, err := Setup(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	// Even disabled, trace headers must propagate across the broker.
	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}

func TestSetup_EnabledReturnsWorkingShutdown(t *testing.T) {
	shutdown, err := Setup(Config{
		Enabled:     true,
		Endpoint:    "localhost:4318",
		ServiceName: "mlcore-test",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	// The exporter is lazy; shutdown without traffic must not error.
	assert.NoError(t, shutdown(context.Background()))
}
