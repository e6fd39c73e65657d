// Package telemetry provides OpenTelemetry instrumentation for playbookd.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using
// the OpenTelemetry Go SDK. It exports telemetry data over OTLP gRPC to a
// collector.
//
// # Usage
//
// Create telemetry instance:
//
//	cfg := telemetry.NewDefaultConfig()
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use tracer and meter:
//
//	tracer := tel.Tracer("playbookd.server")
//	ctx, span := tracer.Start(ctx, "feedback.process")
//	defer span.End()
//
//	meter := tel.Meter("playbookd.server")
//	counter, _ := meter.Int64Counter("feedback.events")
//	counter.Add(ctx, 1)
//
// # Configuration
//
//	observability:
//	  tracing_enabled: true
//	  otlp_endpoint: "localhost:4317"
//	  service_name: "playbookd"
//
// # Error Handling
//
// Telemetry failures do not crash the daemon. If telemetry cannot be
// initialized, the instance degrades gracefully and returns no-op providers.
//
// # Testing
//
// Use TestTelemetry for tests:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("test")
//	_, span := tracer.Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
