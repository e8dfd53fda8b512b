package telemetry

import (
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names accepted by ExporterOptions.
const (
	ExporterNone = "none"
	ExporterGCP  = "gcp"
)

// ExporterOptions returns the tracer-provider options that ship spans to
// the named backend. "none" and "" keep spans in-process, which still
// propagates trace context to the message bus.
func ExporterOptions(name, projectID string) ([]sdktrace.TracerProviderOption, error) {
	switch name {
	case "", ExporterNone:
		return nil, nil
	case ExporterGCP:
		var opts []texporter.Option
		if projectID != "" {
			opts = append(opts, texporter.WithProjectID(projectID))
		}
		exp, err := texporter.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create cloud trace exporter: %w", err)
		}
		return []sdktrace.TracerProviderOption{sdktrace.WithBatcher(exp)}, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", name)
	}
}
