// Package telemetry sets up OpenTelemetry tracing and metrics export for
// sqlrecall.
//
// Spans and OTel metrics go to an OTLP collector over gRPC or HTTP. The
// Prometheus collectors registered by individual packages are separate and
// served from the HTTP server's /metrics endpoint.
//
//	tel, err := telemetry.New(ctx, &cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	svc, err := service.New(retriever, registry, logger, service.WithTelemetry(tel))
//
// Configuration:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc          # or http/protobuf
//	  sample_rate: 1.0
//	  metrics_enabled: true
//	  export_interval: 15s
//
// Export failures never stop the process. New marks the instance degraded
// and Health reports why.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
