package tracing

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/codexclaw/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup(disabled) error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() = %v, want nil", err)
	}
}

func TestSetupUnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true, Protocol: "udp"})
	if err == nil {
		t.Fatal("Setup(protocol=udp) error = nil, want error")
	}
}

func TestProtocolOf(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "grpc"},
		{"grpc", "grpc"},
		{"HTTP", "http"},
	}
	for _, tt := range tests {
		if got := protocolOf(config.TelemetryConfig{Protocol: tt.in}); got != tt.want {
			t.Errorf("protocolOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
