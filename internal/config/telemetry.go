package config

// TelemetryConfig holds OpenTelemetry tracing configuration.
//
// An empty OTLPEndpoint disables the exporter entirely; spans are still
// created but never leave the process. See internal/observability for the
// exporter wiring.
type TelemetryConfig struct {
	// OTLPEndpoint is the OTLP/HTTP collector endpoint (host:port).
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	// ServiceName is the service name attached to exported spans (default: strand)
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	// Environment is the deployment environment tag (default: dev)
	Environment string `mapstructure:"environment" json:"environment"`
}
