package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendril-app/tendril/internal/tracing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.NotEmpty(t, cfg.DBPath)
	require.Equal(t, "tendril_notifications", cfg.Bus.Channel)
	require.Empty(t, cfg.Bus.PostgresURL, "distributed delivery is opt-in")
	require.Equal(t, "127.0.0.1:8844", cfg.Gateway.Addr())
	require.Equal(t, 30*time.Second, cfg.Gateway.HeartbeatInterval)
	require.Equal(t, 500*time.Millisecond, cfg.Engine.BaseDelay)
	require.Equal(t, 2.0, cfg.Engine.Multiplier)
	require.Equal(t, 5, cfg.Engine.MaxAttempts)
	require.NoError(t, cfg.Validate())
}

func TestValidateGateway(t *testing.T) {
	tests := []struct {
		name    string
		cfg     GatewayConfig
		wantErr string
	}{
		{name: "defaults", cfg: Defaults().Gateway},
		{name: "ephemeral port", cfg: GatewayConfig{Port: 0}},
		{name: "port too large", cfg: GatewayConfig{Port: 70000}, wantErr: "gateway.port"},
		{name: "negative port", cfg: GatewayConfig{Port: -1}, wantErr: "gateway.port"},
		{name: "negative heartbeat", cfg: GatewayConfig{HeartbeatInterval: -time.Second}, wantErr: "heartbeat_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGateway(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEngine(t *testing.T) {
	tests := []struct {
		name    string
		cfg     EngineConfig
		wantErr string
	}{
		{name: "defaults", cfg: Defaults().Engine},
		{name: "zero values use defaults", cfg: EngineConfig{}},
		{name: "shrinking multiplier", cfg: EngineConfig{Multiplier: 0.5}, wantErr: "engine.multiplier"},
		{name: "negative base delay", cfg: EngineConfig{BaseDelay: -time.Second}, wantErr: "engine.base_delay"},
		{name: "negative attempts", cfg: EngineConfig{MaxAttempts: -1}, wantErr: "engine.max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEngine(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     tracing.Config
		wantErr string
	}{
		{name: "defaults", cfg: tracing.DefaultConfig()},
		{name: "sample rate out of range", cfg: tracing.Config{SampleRate: 1.5}, wantErr: "sample_rate"},
		{name: "unknown exporter", cfg: tracing.Config{Exporter: "jaeger"}, wantErr: "tracing.exporter"},
		{name: "file exporter needs path", cfg: tracing.Config{Enabled: true, Exporter: "file"}, wantErr: "file_path"},
		{name: "otlp exporter needs endpoint", cfg: tracing.Config{Enabled: true, Exporter: "otlp"}, wantErr: "otlp_endpoint"},
		{name: "disabled skips path checks", cfg: tracing.Config{Enabled: false, Exporter: "file"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTracing(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "# Tendril Configuration"))
	require.Contains(t, string(data), "tendril_notifications")

	info, err := os.Stat(path)
	require.NoError(t, err)
	if info.Mode().Perm() != 0o600 {
		t.Skipf("permissions not enforced on this platform: %v", info.Mode().Perm())
	}
}
