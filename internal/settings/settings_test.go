package settings

import "testing"

func TestLoadDefaults(t *testing.T) {
	d, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if d.HTTPAddr != ":8080" {
		t.Errorf("expected default http_addr ':8080', got %q", d.HTTPAddr)
	}
	if d.GRPCAddr != ":9090" {
		t.Errorf("expected default grpc_addr ':9090', got %q", d.GRPCAddr)
	}
	if d.ReportBusURL != "nats://localhost:4222" {
		t.Errorf("expected default report_bus_url 'nats://localhost:4222', got %q", d.ReportBusURL)
	}
	if d.LogLevel != "info" {
		t.Errorf("expected default log_level 'info', got %q", d.LogLevel)
	}
	if d.SuppressAbortOnFatal {
		t.Error("expected suppress_abort_on_fatal to default to false")
	}
	if d.TelemetryEnabled {
		t.Error("expected telemetry_enabled to default to false")
	}
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	t.Setenv("KINESCALE_CONFIG_FILE_URL", "s3://bucket/policies.json")
	t.Setenv("KINESCALE_HTTP_ADDR", ":9999")
	t.Setenv("KINESCALE_SUPPRESS_ABORT_ON_FATAL", "true")
	t.Setenv("KINESCALE_LOG_LEVEL", "debug")

	d, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if d.ConfigFileURL != "s3://bucket/policies.json" {
		t.Errorf("expected config_file_url from env var, got %q", d.ConfigFileURL)
	}
	if d.HTTPAddr != ":9999" {
		t.Errorf("expected http_addr ':9999' from env var, got %q", d.HTTPAddr)
	}
	if !d.SuppressAbortOnFatal {
		t.Error("expected suppress_abort_on_fatal true from env var")
	}
	if d.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env var, got %q", d.LogLevel)
	}

	// Unset variables keep their defaults.
	if d.GRPCAddr != ":9090" {
		t.Errorf("expected grpc_addr to retain default ':9090', got %q", d.GRPCAddr)
	}
}
