package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"enrollment/internal/config"
	"enrollment/internal/telemetry"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, shutdown(ctx))
}

func TestSetupCreatesProvider(t *testing.T) {
	// Non-routable address; nothing is exported since no span is recorded.
	shutdown, err := telemetry.Setup(context.Background(), config.TelemetryConfig{
		Endpoint:    "http://192.0.2.1:4318",
		ServiceName: "enrollment-test",
	})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
