package observability

import (
	"context"
	"testing"

	"planboard/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracing_Disabled_NoOp(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = false
	shutdown, err := SetupTracing(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4317", "localhost:4317"},
		{"https://otel-collector:4317", "otel-collector:4317"},
		{"127.0.0.1:4317", "127.0.0.1:4317"},
		{"http://collector:4317/", "collector:4317"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, EndpointHost(tt.input))
		})
	}
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(0).Description(), "0.1")
	assert.Contains(t, Sampler(2).Description(), "0.1")
	assert.Contains(t, Sampler(0.5).Description(), "0.5")
}
