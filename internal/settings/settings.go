// Package settings supplies environment-derived defaults for
// kinescaled's command-line flags, mirroring the teacher's
// GDC_-prefixed environment overlay (internal/config's old Viper setup)
// generalized to the KINESCALE_ prefix. Flags remain the daemon's
// primary configuration surface; this package only seeds their
// defaults so an operator can configure kinescaled purely through its
// environment in a container, without passing any flags at all.
package settings

import (
	"strings"

	"github.com/spf13/viper"
)

// Defaults holds the flag defaults derived from the environment.
type Defaults struct {
	ConfigFileURL        string `mapstructure:"config_file_url"`
	HTTPAddr             string `mapstructure:"http_addr"`
	GRPCAddr             string `mapstructure:"grpc_addr"`
	MetricsAddr          string `mapstructure:"metrics_addr"`
	ReportBusURL         string `mapstructure:"report_bus_url"`
	LogLevel             string `mapstructure:"log_level"`
	SuppressAbortOnFatal bool   `mapstructure:"suppress_abort_on_fatal"`
	TelemetryEnabled     bool   `mapstructure:"telemetry_enabled"`
	JaegerEndpoint       string `mapstructure:"jaeger_endpoint"`
}

// Load reads KINESCALE_-prefixed environment variables into Defaults,
// falling back to the hardcoded defaults below for anything unset.
func Load() (Defaults, error) {
	v := viper.New()
	v.SetEnvPrefix("KINESCALE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("config_file_url", "")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("report_bus_url", "nats://localhost:4222")
	v.SetDefault("log_level", "info")
	v.SetDefault("suppress_abort_on_fatal", false)
	v.SetDefault("telemetry_enabled", false)
	v.SetDefault("jaeger_endpoint", "")

	for _, key := range []string{
		"config_file_url", "http_addr", "grpc_addr", "metrics_addr",
		"report_bus_url", "log_level", "suppress_abort_on_fatal",
		"telemetry_enabled", "jaeger_endpoint",
	} {
		if err := v.BindEnv(key); err != nil {
			return Defaults{}, err
		}
	}

	var d Defaults
	if err := v.Unmarshal(&d); err != nil {
		return Defaults{}, err
	}
	return d, nil
}
